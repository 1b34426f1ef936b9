package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// TableResult is the outcome of one table in a run.
type TableResult struct {
	Table   string
	Target  string
	Rows    int64
	Bytes   int64
	Elapsed time.Duration
	Err     error
}

// Summary reports a finished run. A run that returned no error may still
// contain failed tables.
type Summary struct {
	RunID    string
	Tables   []TableResult
	Rejected []Rejection
	Gaps     []TypeMappingGap
	Skipped  []SourceObject
}

// Failed returns the tables that did not reach the target.
func (s Summary) Failed() []TableResult {
	var out []TableResult
	for _, r := range s.Tables {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Err is non-nil when any table failed.
func (s Summary) Err() error {
	failed := s.Failed()
	if len(failed) == 0 {
		return nil
	}
	errs := make([]error, len(failed))
	for i, r := range failed {
		errs[i] = r.Err
	}
	return fmt.Errorf("%d of %d tables failed: %w", len(failed), len(s.Tables), errors.Join(errs...))
}

// Pipeline runs discover, export and load for every in-scope table.
type Pipeline struct {
	cfg      *Config
	src      SourceDB
	conn     SourceConn // coordinator, owned by the caller
	exporter *Exporter
	loader   *Loader
	hooks    hookExecutor
	store    ObjectStore
	runID    string
	log      *slog.Logger

	dryRun bool
	plan   io.Writer // receives planned statements in dry-run mode
}

// Run executes the whole migration. Errors returned here abort the run:
// source or target unavailable, or a failing hook. Per-table export and load
// failures are recorded in the Summary and the run carries on.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: p.runID}

	if !p.dryRun {
		if err := runHooks(ctx, p.log, p.hooks, p.cfg, p.cfg.Hooks.BeforeRun, "before_run"); err != nil {
			return sum, err
		}
		if err := p.loader.EnsureSchema(ctx); err != nil {
			return sum, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
		}
	}

	cat, err := readCatalog(ctx, p.log, p.src, p.conn, p.cfg.Tables)
	if err != nil {
		return sum, err
	}
	sum.Rejected, sum.Gaps, sum.Skipped = cat.Rejected, cat.Gaps, cat.Skipped
	p.reportCatalog(cat)

	tables := cat.Schema.Tables
	if p.dryRun {
		p.writePlan(tables)
		return sum, nil
	}

	sum.Tables, err = p.migrateAll(ctx, tables)
	if err != nil {
		return sum, err
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	if err := runHooks(ctx, p.log, p.hooks, p.cfg, p.cfg.Hooks.AfterRun, "after_run"); err != nil {
		return sum, err
	}

	p.log.Info("run finished",
		slog.Int("tables", len(sum.Tables)),
		slog.Int("failed", len(sum.Failed())),
		elapsedAttr(start),
	)
	return sum, nil
}

func (p *Pipeline) reportCatalog(cat *Catalog) {
	p.log.Info("discovered",
		slog.String("schema", p.conn.Schema()),
		slog.Int("tables", len(cat.Schema.Tables)),
		slog.Int("rejected", len(cat.Rejected)),
	)
	for _, t := range cat.Schema.Tables {
		p.log.Info("discovered table", tableAttr(t), slog.String("target", t.TargetName), slog.Int("columns", len(t.Columns)))
	}
	for _, r := range cat.Rejected {
		p.log.Warn("table rejected", slog.String("table", r.Table), slog.String("reason", r.Reason))
	}
	for _, g := range cat.Gaps {
		p.log.Warn("type mapping gap", slog.String("table", g.Table), slog.String("column", g.Column),
			slog.String("source_type", g.SourceType), slog.String("target_type", fallbackTargetType))
	}
	for _, w := range sourceObjectWarnings(cat.Skipped) {
		p.log.Warn(w)
	}
}

// migrateAll processes tables in discovery order with up to cfg.Workers
// source connections. Extra connections share the coordinator's snapshot and
// are opened before any table starts.
func (p *Pipeline) migrateAll(ctx context.Context, tables []Table) ([]TableResult, error) {
	results := make([]TableResult, len(tables))
	workers := min(p.cfg.Workers, len(tables))
	if workers <= 1 {
		for i, t := range tables {
			results[i] = p.migrateTable(ctx, p.conn, t)
		}
		return results, nil
	}

	free := make(chan SourceConn, workers)
	free <- p.conn
	var forks []SourceConn
	defer func() {
		for _, c := range forks {
			if err := c.Close(context.WithoutCancel(ctx)); err != nil {
				p.log.Warn("close source connection", slog.Any("error", err))
			}
		}
	}()
	for range workers - 1 {
		c, err := p.conn.Fork(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: open worker connection: %v", ErrSourceUnavailable, err)
		}
		forks = append(forks, c)
		free <- c
	}

	// Workers never return errors: one table failing must not cancel the rest.
	var g errgroup.Group
	g.SetLimit(workers)
	for i, t := range tables {
		g.Go(func() error {
			c := <-free
			defer func() { free <- c }()
			results[i] = p.migrateTable(ctx, c, t)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (p *Pipeline) migrateTable(ctx context.Context, conn SourceConn, t Table) TableResult {
	start := time.Now()
	res := TableResult{Table: t.SourceName, Target: t.TargetName}

	err := p.loader.EnsureTable(ctx, t)
	if err == nil {
		var key string
		var stats ExportStats
		key, stats, err = p.exporter.Export(ctx, conn, t)
		res.Rows, res.Bytes = stats.Rows, stats.Bytes
		if err == nil {
			err = p.loader.Load(ctx, t, key)
		}
	}
	res.Elapsed = time.Since(start)
	if err != nil {
		res.Err = err
		p.log.Error("table failed", tableAttr(t), slog.Any("error", err), elapsedAttr(start))
	}
	return res
}

// writePlan prints the statements a real run would issue for each table.
func (p *Pipeline) writePlan(tables []Table) {
	auth := p.loader.auth
	for _, t := range tables {
		key := stagedObjectKey(t)
		fmt.Fprintf(p.plan, "-- %s -> %s.%s (%s)\n", t.SourceName, p.cfg.Target.Schema, t.TargetName, p.store.URL(key))
		fmt.Fprintf(p.plan, "%s;\n", generateCreateTable(p.cfg.Target.Schema, t.TargetName, t, true))
		fmt.Fprintf(p.plan, "%s;\n\n", redactCopyStatement(copyStatement(p.cfg.Target.Schema, t, p.store.URL(key), auth), auth))
	}
}
