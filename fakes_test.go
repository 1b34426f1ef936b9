package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/klauspost/compress/gzip"
)

// fakeSourceDB is a PostgreSQL-flavoured engine backed by fakeSourceConn.
type fakeSourceDB struct {
	maxWorkers int
}

func (f *fakeSourceDB) Name() string           { return "fake" }
func (f *fakeSourceDB) ReservedPrefix() string { return "pg_" }
func (f *fakeSourceDB) MaxWorkers() int        { return f.maxWorkers }

func (f *fakeSourceDB) MapType(sourceType string) (string, bool) {
	return pgMapType(sourceType)
}

func (f *fakeSourceDB) Connect(context.Context, string, string) (SourceConn, error) {
	return nil, errors.New("not used")
}

type fakeTable struct {
	name    string
	kind    string
	columns []Column
	rows    [][]any
}

// fakeSourceConn serves a fixed catalog and row set.
type fakeSourceConn struct {
	tables     []fakeTable
	skipped    []SourceObject
	listErr    error
	columnsErr map[string]error
	copyErr    map[string]error
	forkErr    error

	mu     sync.Mutex
	forks  int
	closed int
}

func (f *fakeSourceConn) Schema() string { return "public" }

func (f *fakeSourceConn) ListTables(context.Context) ([]Table, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Table
	for _, t := range f.tables {
		kind := t.kind
		if kind == "" {
			kind = KindBaseTable
		}
		out = append(out, newTable(t.name, kind))
	}
	return out, nil
}

func (f *fakeSourceConn) LoadColumns(_ context.Context, t Table) ([]Column, error) {
	if err := f.columnsErr[t.SourceName]; err != nil {
		return nil, err
	}
	for _, ft := range f.tables {
		if ft.name == t.SourceName {
			return append([]Column(nil), ft.columns...), nil
		}
	}
	return nil, fmt.Errorf("no table %s", t.SourceName)
}

func (f *fakeSourceConn) SkippedObjects(context.Context) ([]SourceObject, error) {
	return f.skipped, nil
}

func (f *fakeSourceConn) CopyOut(_ context.Context, t Table, w io.Writer) (int64, error) {
	for _, ft := range f.tables {
		if ft.name != t.SourceName {
			continue
		}
		rw := newRowWriter(w, t.Columns)
		for _, r := range ft.rows {
			if err := rw.WriteRow(r); err != nil {
				return rw.Rows(), err
			}
		}
		if err := f.copyErr[t.SourceName]; err != nil {
			return rw.Rows(), err
		}
		return rw.Rows(), nil
	}
	return 0, fmt.Errorf("no table %s", t.SourceName)
}

func (f *fakeSourceConn) Fork(context.Context) (SourceConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forkErr != nil {
		return nil, f.forkErr
	}
	f.forks++
	return &forkedConn{fakeSourceConn: f}, nil
}

func (f *fakeSourceConn) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// forkedConn shares the parent's data and counters.
type forkedConn struct {
	*fakeSourceConn
}

func intCol(name string, pos int) Column {
	return Column{SourceName: name, TargetName: targetColumnName(name), SourceType: "integer", OrdinalPos: pos}
}

func textCol(name string, pos int) Column {
	return Column{SourceName: name, TargetName: targetColumnName(name), SourceType: "text", OrdinalPos: pos}
}

// memStore keeps objects in memory. A key listed in fail has its upload
// aborted after the body was partly read.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	fail    map[string]error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, meta: map[string]map[string]string{}, fail: map[string]error{}}
}

func (m *memStore) Put(_ context.Context, key string, body io.Reader, metadata map[string]string) error {
	m.mu.Lock()
	failErr := m.fail[key]
	m.mu.Unlock()
	if failErr != nil {
		_, _ = io.ReadFull(body, make([]byte, 1))
		return failErr
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.meta[key] = metadata
	return nil
}

func (m *memStore) URL(key string) string { return "s3://test-bucket/" + key }

func (m *memStore) object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

func gunzip(data []byte) (string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	return string(out), err
}

// fakeTarget records every statement sent to the target. Statements
// containing a substring in failOn return an error.
type fakeTarget struct {
	mu     sync.Mutex
	stmts  []string
	failOn []string
}

func (f *fakeTarget) record(sql string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stmts = append(f.stmts, sql)
	for _, s := range f.failOn {
		if strings.Contains(sql, s) {
			return fmt.Errorf("target rejected %q", s)
		}
	}
	return nil
}

func (f *fakeTarget) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if err := f.record(sql); err != nil {
		return pgconn.CommandTag{}, err
	}
	if strings.HasPrefix(sql, "COPY ") {
		return pgconn.NewCommandTag("COPY 2"), nil
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeTarget) Begin(context.Context) (pgx.Tx, error) {
	if err := f.record("BEGIN"); err != nil {
		return nil, err
	}
	return &fakeTx{target: f}, nil
}

func (f *fakeTarget) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stmts...)
}

// statementsFor returns the statements that mention table.
func (f *fakeTarget) statementsFor(table string) []string {
	var out []string
	for _, s := range f.statements() {
		if strings.Contains(s, `"`+table+`"`) || strings.Contains(s, `"`+table+`_updating"`) {
			out = append(out, s)
		}
	}
	return out
}

// fakeTx implements the parts of pgx.Tx the loader calls.
type fakeTx struct {
	pgx.Tx
	target *fakeTarget
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.target.Exec(ctx, sql, args...)
}

func (t *fakeTx) Commit(context.Context) error {
	return t.target.record("COMMIT")
}

func (t *fakeTx) Rollback(context.Context) error {
	return t.target.record("ROLLBACK")
}
