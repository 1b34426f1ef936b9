package main

import (
	"context"
	"fmt"
	"log/slog"
)

// Rejection is a discovered in-scope table that cannot be migrated as described.
type Rejection struct {
	Table  string
	Reason string
}

// Catalog is the result of discovery: the tables to migrate, in discovery
// order, plus what was left out and why.
type Catalog struct {
	Schema   *Schema
	Rejected []Rejection
	Gaps     []TypeMappingGap
	Skipped  []SourceObject
}

// readCatalog discovers the source schema, applies the table filter, attaches
// columns and maps their types. Source errors are wrapped in
// ErrSourceUnavailable: a partial catalog is never returned.
func readCatalog(ctx context.Context, log *slog.Logger, src SourceDB, conn SourceConn, include []string) (*Catalog, error) {
	tables, err := conn.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list tables in %s: %v", ErrSourceUnavailable, conn.Schema(), err)
	}

	cat := &Catalog{Schema: &Schema{}}
	for _, t := range tables {
		if !inScope(t.SourceName, t.Kind, src.ReservedPrefix(), include) {
			log.Debug("table out of scope", slog.String("table", t.SourceName))
			continue
		}
		// Reject before any statement references the name.
		if err := checkSourceIdent("table", t.SourceName); err != nil {
			cat.Rejected = append(cat.Rejected, Rejection{Table: t.SourceName, Reason: err.Error()})
			continue
		}

		cols, err := conn.LoadColumns(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("%w: load columns for %s: %v", ErrSourceUnavailable, t.SourceName, err)
		}
		t.Columns = cols
		cat.Gaps = append(cat.Gaps, mapColumns(&t, src.MapType)...)

		if err := validateTable(t); err != nil {
			cat.Rejected = append(cat.Rejected, Rejection{Table: t.SourceName, Reason: err.Error()})
			continue
		}
		cat.Schema.Tables = append(cat.Schema.Tables, t)
	}

	cat.Schema.Tables, cat.Rejected = rejectNameCollisions(cat.Schema.Tables, cat.Rejected)

	skipped, err := conn.SkippedObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list skipped objects: %v", ErrSourceUnavailable, err)
	}
	cat.Skipped = skipped
	return cat, nil
}

// rejectNameCollisions drops tables whose target or temp name is claimed by
// another table: "orders" and "orders_view" both target "orders", and a source
// table named "orders_updating" would be overwritten by the temp table of
// "orders". The first table in discovery order keeps the name.
func rejectNameCollisions(tables []Table, rejected []Rejection) ([]Table, []Rejection) {
	targets := make(map[string]string, len(tables))
	for _, t := range tables {
		if _, ok := targets[t.TargetName]; !ok {
			targets[t.TargetName] = t.SourceName
		}
	}

	kept := tables[:0]
	for _, t := range tables {
		if owner := targets[t.TargetName]; owner != t.SourceName {
			rejected = append(rejected, Rejection{
				Table:  t.SourceName,
				Reason: fmt.Sprintf("target table %q is already produced by %s", t.TargetName, owner),
			})
			continue
		}
		if owner, ok := targets[t.TempName]; ok {
			rejected = append(rejected, Rejection{
				Table:  t.SourceName,
				Reason: fmt.Sprintf("temp table %q collides with the target of %s", t.TempName, owner),
			})
			continue
		}
		kept = append(kept, t)
	}
	return kept, rejected
}
