package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// hookExecutor runs one hook statement on the target.
type hookExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// runHooks reads each SQL file, expands {{schema}} to the target schema and
// executes every statement in order. The first failing statement aborts the run.
func runHooks(ctx context.Context, log *slog.Logger, db hookExecutor, cfg *Config, files []string, phase string) error {
	if len(files) == 0 {
		return nil
	}
	log.Info("running hooks", slog.String("phase", phase), slog.Int("files", len(files)))

	for _, f := range files {
		data, err := os.ReadFile(cfg.resolvePath(f))
		if err != nil {
			return fmt.Errorf("hook %s: read %s: %w", phase, f, err)
		}

		stmts := splitStatements(expandHookSQL(string(data), cfg.Target.Schema))
		log.Debug("hook file", slog.String("phase", phase), slog.String("file", f), slog.Int("statements", len(stmts)))
		for i, stmt := range stmts {
			if _, err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("hook %s: %s: statement %d: %w\nSQL: %s", phase, f, i+1, err, stmt)
			}
		}
	}
	return nil
}

// expandHookSQL substitutes the quoted target schema. The schema has passed
// identifier validation, so the expansion cannot break out of the identifier.
func expandHookSQL(sql, schema string) string {
	return strings.ReplaceAll(sql, "{{schema}}", quoteIdent(schema))
}

// splitStatements splits hook SQL on top-level semicolons and drops empty
// statements. Semicolons inside string literals, quoted identifiers, comments
// and dollar-quoted bodies stay in their statement. Block comments do not
// nest.
func splitStatements(sql string) []string {
	var stmts []string
	start := 0
	flush := func(end int) {
		if s := strings.TrimSpace(sql[start:end]); s != "" {
			stmts = append(stmts, s)
		}
		start = end + 1
	}

	for i := 0; i < len(sql); i++ {
		switch c := sql[i]; {
		case c == ';':
			flush(i)
		case c == '\'' || c == '"':
			i = closingQuote(sql, i)
		case strings.HasPrefix(sql[i:], "--"):
			i = skipPast(sql, i+2, "\n")
		case strings.HasPrefix(sql[i:], "/*"):
			i = skipPast(sql, i+2, "*/")
		case c == '$':
			if tag := dollarTag(sql[i:]); tag != "" {
				i = skipPast(sql, i+len(tag), tag)
			}
		}
	}
	if start < len(sql) {
		flush(len(sql))
	}
	return stmts
}

// closingQuote returns the index of the quote ending the literal or
// identifier opened at sql[open]. A doubled quote does not end it.
func closingQuote(sql string, open int) int {
	q := sql[open]
	for i := open + 1; i < len(sql); i++ {
		if sql[i] != q {
			continue
		}
		if i+1 < len(sql) && sql[i+1] == q {
			i++
			continue
		}
		return i
	}
	return len(sql) - 1
}

// skipPast returns the index of the last byte of the first end found at or
// after from, or the end of sql when there is none.
func skipPast(sql string, from int, end string) int {
	if j := strings.Index(sql[from:], end); j >= 0 {
		return from + j + len(end) - 1
	}
	return len(sql) - 1
}

// dollarTag returns the $$ or $name$ delimiter s starts with, or "" for
// anything else, such as a $1 parameter.
func dollarTag(s string) string {
	for j := 1; j < len(s); j++ {
		switch c := s[j]; {
		case c == '$':
			return s[:j+1]
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case j > 1 && c >= '0' && c <= '9':
		default:
			return ""
		}
	}
	return ""
}
