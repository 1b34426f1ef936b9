package main

import "strings"

// Table kinds as reported by information_schema.tables.table_type.
const (
	KindBaseTable = "BASE TABLE"
	KindView      = "VIEW"
)

// Column is a single source column and its Redshift counterpart.
type Column struct {
	SourceName string
	TargetName string
	SourceType string // full source type, e.g. "character varying(255)", "int(10) unsigned"
	TargetType string // Redshift DDL type, e.g. "VARCHAR(1020)"
	Projection string // source-dialect SELECT expression, empty selects the column as is
	OrdinalPos int
}

// Table holds one discovered source table or view. Columns are ordered by
// ordinal position; the export projection and the COPY column list are both
// built from that slice.
type Table struct {
	SourceName string
	Kind       string
	Columns    []Column
	TargetName string
	TempName   string
}

// Schema holds every discovered table for one source schema.
type Schema struct {
	Tables []Table
}

func (t Table) String() string {
	return t.SourceName
}

// IsView reports whether the source object is a view.
func (t Table) IsView() bool {
	return t.Kind == KindView
}

// newTable builds the descriptor for a catalog row. Target names are derived
// here once and never recomputed.
func newTable(sourceName, kind string) Table {
	target := targetTableName(sourceName)
	return Table{
		SourceName: sourceName,
		Kind:       kind,
		TargetName: target,
		TempName:   tempTableName(target),
	}
}

// targetTableName lower-cases the source name (Redshift folds identifiers) and
// drops a trailing "_view" so that reporting views land under their logical name.
func targetTableName(sourceName string) string {
	name := strings.ToLower(sourceName)
	if trimmed := strings.TrimSuffix(name, "_view"); trimmed != "" {
		name = trimmed
	}
	return name
}

// targetColumnName lower-cases a source column name for Redshift.
func targetColumnName(sourceName string) string {
	return strings.ToLower(sourceName)
}

func tempTableName(target string) string {
	return target + "_updating"
}

// stagedObjectKey is the object-store key a table is exported to and loaded from.
func stagedObjectKey(t Table) string {
	return "export/" + t.TargetName + ".psv.gz"
}

func (t Table) columnTargetNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.TargetName
	}
	return names
}
