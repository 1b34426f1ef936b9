package main

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
)

// ExportStats describes one finished export.
type ExportStats struct {
	Rows    int64
	Bytes   int64 // compressed bytes uploaded
	Elapsed time.Duration
}

// Exporter streams tables from a source connection into the object store.
type Exporter struct {
	store ObjectStore
	runID string
	log   *slog.Logger
}

func newExporter(store ObjectStore, runID string, log *slog.Logger) *Exporter {
	return &Exporter{store: store, runID: runID, log: log}
}

// Export writes every row of t to stagedObjectKey(t) as gzip-compressed staged
// text and returns the key. The source is read and the upload is fed through
// a pipe, so memory stays bounded by the store's part buffers. On error the
// upload is aborted and an *ExportError is returned.
func (e *Exporter) Export(ctx context.Context, conn SourceConn, t Table) (string, ExportStats, error) {
	key := stagedObjectKey(t)
	start := time.Now()
	e.log.Info("exporting", tableAttr(t), slog.String("key", key))
	pr, pw := io.Pipe()

	var stats ExportStats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cw := &countingWriter{w: pw}
		// The read gets ctx, not gctx: cancelling a pgx COPY closes the
		// source connection, which later tables still need. A failed upload
		// stops the read through the closed pipe instead.
		rows, err := writeCompressed(ctx, conn, t, cw)
		stats.Rows, stats.Bytes = rows, cw.n
		// A nil error closes the pipe with EOF and lets the upload complete.
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := e.store.Put(gctx, key, pr, map[string]string{
			"run-id":       e.runID,
			"source-table": t.SourceName,
			"columns":      strconv.Itoa(len(t.Columns)),
		})
		// Unblocks the writer when the upload gave up early.
		pr.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", stats, &ExportError{Table: t.SourceName, Err: err}
	}
	stats.Elapsed = time.Since(start)

	e.log.Info("exported",
		tableAttr(t),
		slog.String("key", key),
		slog.Int64("rows", stats.Rows),
		bytesAttr(stats.Bytes),
		elapsedAttr(start),
	)
	return key, stats, nil
}

func writeCompressed(ctx context.Context, conn SourceConn, t Table, w io.Writer) (int64, error) {
	zw := gzip.NewWriter(w)
	rows, err := conn.CopyOut(ctx, t, zw)
	if err != nil {
		return rows, err
	}
	return rows, zw.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
