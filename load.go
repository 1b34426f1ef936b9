package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// targetExecutor is the subset of *pgxpool.Pool the loader uses.
type targetExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Loader bulk-loads staged objects into the target schema and swaps them in
// place of the live tables.
type Loader struct {
	db     targetExecutor
	schema string
	store  ObjectStore
	auth   copyAuth
	log    *slog.Logger
}

func newLoader(db targetExecutor, schema string, store ObjectStore, auth copyAuth, log *slog.Logger) *Loader {
	return &Loader{db: db, schema: schema, store: store, auth: auth, log: log}
}

// EnsureSchema creates the target schema when it does not exist.
func (l *Loader) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(l.schema))); err != nil {
		return fmt.Errorf("create schema %s: %w", l.schema, err)
	}
	return nil
}

// EnsureTable creates the target table when it does not exist. An existing
// table is left as is, whatever its columns.
func (l *Loader) EnsureTable(ctx context.Context, t Table) error {
	if _, err := l.db.Exec(ctx, generateCreateTable(l.schema, t.TargetName, t, true)); err != nil {
		return &LoadError{Table: t.SourceName, Step: StepCreateTable, Err: err}
	}
	return nil
}

// Load copies the object at key into a fresh temp table and promotes it to
// the target name. Steps run strictly in order; a failure before the promote
// step leaves the live table untouched and drops the temp table best-effort.
// The promote step drops and renames inside one transaction, so readers see
// either the old table or the new one.
func (l *Loader) Load(ctx context.Context, t Table, key string) error {
	start := time.Now()
	target := qualified(l.schema, t.TargetName)
	temp := qualified(l.schema, t.TempName)
	l.log.Info("importing", tableAttr(t), slog.String("target", target), slog.String("key", key))

	steps := []struct {
		name string
		sql  string
	}{
		{StepCreateSchema, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(l.schema))},
		{StepCreateTable, generateCreateTable(l.schema, t.TargetName, t, true)},
		{StepDropTemp, fmt.Sprintf("DROP TABLE IF EXISTS %s", temp)},
		{StepCreateTemp, generateCreateTable(l.schema, t.TempName, t, false)},
		{StepCopy, copyStatement(l.schema, t, l.store.URL(key), l.auth)},
	}

	var rows int64
	tempCreated := false
	for _, s := range steps {
		tag, err := l.db.Exec(ctx, s.sql)
		if err != nil {
			if tempCreated {
				l.dropTemp(ctx, t)
			}
			return &LoadError{Table: t.SourceName, Step: s.name, Err: err}
		}
		switch s.name {
		case StepCreateTemp:
			tempCreated = true
		case StepCopy:
			rows = tag.RowsAffected()
		}
	}

	if err := l.promote(ctx, t); err != nil {
		l.dropTemp(ctx, t)
		return &LoadError{Table: t.SourceName, Step: StepPromote, Err: err}
	}

	l.log.Info("imported",
		tableAttr(t),
		slog.String("target", target),
		slog.Int64("rows", rows),
		elapsedAttr(start),
	)
	return nil
}

func (l *Loader) promote(ctx context.Context, t Table) (err error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if _, err = tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", qualified(l.schema, t.TargetName))); err != nil {
		return fmt.Errorf("drop %s: %w", t.TargetName, err)
	}
	if _, err = tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
		qualified(l.schema, t.TempName), quoteIdent(t.TargetName))); err != nil {
		return fmt.Errorf("rename %s: %w", t.TempName, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// dropTemp runs even when ctx is already cancelled.
func (l *Loader) dropTemp(ctx context.Context, t Table) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := l.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", qualified(l.schema, t.TempName))); err != nil {
		l.log.Warn("could not drop temp table", tableAttr(t), slog.String("temp", t.TempName), slog.Any("error", err))
	}
}
