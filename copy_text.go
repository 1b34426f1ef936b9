package main

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"time"
)

// Staged rows use the text format Redshift COPY reads with DELIMITER '|' and
// ESCAPE: one row per line, fields split on '|', "\N" for NULL, and a
// backslash before any '\', '|', LF or CR that belongs to a value. Under ESCAPE
// the byte after a backslash is loaded literally, so a value can never end a
// field or a row early.
const (
	fieldDelimiter = '|'
	rowTerminator  = '\n'
	nullMarker     = `\N`
)

// pgCopyTranscoder rewrites PostgreSQL COPY TO text output (DELIMITER '|')
// into the staged format. PostgreSQL already escapes '\' and the delimiter,
// but writes control characters as letter escapes ("\n"), which Redshift would
// load as the bare letter. Escapes may be split across Write calls.
type pgCopyTranscoder struct {
	w       io.Writer
	pending bool // previous chunk ended on a backslash
	rows    int64
	buf     []byte
}

func newPGCopyTranscoder(w io.Writer) *pgCopyTranscoder {
	return &pgCopyTranscoder{w: w}
}

func (t *pgCopyTranscoder) Write(p []byte) (int, error) {
	out := t.buf[:0]
	for _, b := range p {
		if t.pending {
			t.pending = false
			switch b {
			case 'n':
				out = append(out, '\\', '\n')
			case 'r':
				out = append(out, '\\', '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case 'v':
				out = append(out, '\v')
			default:
				// "\\", "\|" and the NULL marker "\N" already mean the same thing.
				out = append(out, '\\', b)
			}
			continue
		}
		switch b {
		case '\\':
			t.pending = true
		case rowTerminator:
			t.rows++
			out = append(out, b)
		default:
			out = append(out, b)
		}
	}
	t.buf = out
	if _, err := t.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close reports a stream that ended in the middle of an escape.
func (t *pgCopyTranscoder) Close() error {
	if t.pending {
		return fmt.Errorf("copy stream ended inside an escape sequence")
	}
	return nil
}

// Rows returns the number of complete rows written so far.
func (t *pgCopyTranscoder) Rows() int64 { return t.rows }

// appendEscaped appends s with the staged-format escapes applied. NUL bytes are
// dropped; Redshift VARCHAR cannot hold them.
func appendEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\', fieldDelimiter, '\n', '\r':
			dst = append(dst, '\\', c)
		case 0:
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

// fieldEncoder renders values scanned through database/sql for one column.
type fieldEncoder struct {
	timeLayout string
}

func newFieldEncoder(targetType string) fieldEncoder {
	base, _, _ := splitType(targetType)
	switch base {
	case "date":
		return fieldEncoder{timeLayout: "2006-01-02"}
	case "time":
		return fieldEncoder{timeLayout: "15:04:05.999999"}
	case "timetz":
		return fieldEncoder{timeLayout: "15:04:05.999999-07:00"}
	case "timestamptz":
		return fieldEncoder{timeLayout: "2006-01-02 15:04:05.999999-07:00"}
	default:
		return fieldEncoder{timeLayout: "2006-01-02 15:04:05.999999"}
	}
}

// appendValue appends one field. Zero times become NULL, matching how MySQL
// zero dates ("0000-00-00") have no Redshift equivalent.
func (e fieldEncoder) appendValue(dst []byte, v any) []byte {
	switch val := v.(type) {
	case nil:
		return append(dst, nullMarker...)
	case []byte:
		if val == nil {
			return append(dst, nullMarker...)
		}
		return appendEscaped(dst, string(val))
	case string:
		return appendEscaped(dst, val)
	case int64:
		return strconv.AppendInt(dst, val, 10)
	case int32:
		return strconv.AppendInt(dst, int64(val), 10)
	case int:
		return strconv.AppendInt(dst, int64(val), 10)
	case uint64:
		return strconv.AppendUint(dst, val, 10)
	case float64:
		return appendFloat(dst, val, 64)
	case float32:
		return appendFloat(dst, float64(val), 32)
	case bool:
		if val {
			return append(dst, 't')
		}
		return append(dst, 'f')
	case time.Time:
		if val.IsZero() {
			return append(dst, nullMarker...)
		}
		return val.AppendFormat(dst, e.timeLayout)
	default:
		return appendEscaped(dst, fmt.Sprint(val))
	}
}

func appendFloat(dst []byte, f float64, bits int) []byte {
	switch {
	case math.IsNaN(f):
		return append(dst, "NaN"...)
	case math.IsInf(f, 1):
		return append(dst, "Infinity"...)
	case math.IsInf(f, -1):
		return append(dst, "-Infinity"...)
	}
	return strconv.AppendFloat(dst, f, 'g', -1, bits)
}

// rowWriter encodes whole rows for engines without a native COPY.
type rowWriter struct {
	w        io.Writer
	encoders []fieldEncoder
	buf      []byte
	rows     int64
}

func newRowWriter(w io.Writer, cols []Column) *rowWriter {
	encoders := make([]fieldEncoder, len(cols))
	for i, c := range cols {
		encoders[i] = newFieldEncoder(c.TargetType)
	}
	return &rowWriter{w: w, encoders: encoders}
}

func (rw *rowWriter) WriteRow(values []any) error {
	if len(values) != len(rw.encoders) {
		return fmt.Errorf("row has %d values, want %d", len(values), len(rw.encoders))
	}
	buf := rw.buf[:0]
	for i, v := range values {
		if i > 0 {
			buf = append(buf, fieldDelimiter)
		}
		buf = rw.encoders[i].appendValue(buf, v)
	}
	buf = append(buf, rowTerminator)
	rw.buf = buf
	if _, err := rw.w.Write(buf); err != nil {
		return err
	}
	rw.rows++
	return nil
}

func (rw *rowWriter) Rows() int64 { return rw.rows }
