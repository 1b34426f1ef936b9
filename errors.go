package main

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable marks a failure to connect to or introspect the
	// source. It aborts the whole run.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrTargetUnavailable marks a failure to connect to the target. It aborts
	// the whole run.
	ErrTargetUnavailable = errors.New("target unavailable")
)

// ExportError is a read, encode, compress or upload failure for one table.
type ExportError struct {
	Table string
	Err   error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s: %v", e.Table, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// Load steps, in the order they run.
const (
	StepCreateSchema = "create schema"
	StepCreateTable  = "create table"
	StepDropTemp     = "drop temp table"
	StepCreateTemp   = "create temp table"
	StepCopy         = "copy"
	StepPromote      = "promote"
)

// LoadError is a DDL or bulk-copy failure for one table. Step says how far the
// load got; only StepPromote failures happen inside the swap transaction.
type LoadError struct {
	Table string
	Step  string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Table, e.Step, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// TypeMappingGap records a source type the mapper did not recognise. It is a
// warning: the column is created with fallbackTargetType.
type TypeMappingGap struct {
	Table      string
	Column     string
	SourceType string
}

func (g TypeMappingGap) String() string {
	return fmt.Sprintf("%s.%s (%s): unmapped type, using %s", g.Table, g.Column, g.SourceType, fallbackTargetType)
}
