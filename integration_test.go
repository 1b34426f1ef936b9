//go:build integration

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const seedPostgresSQL = `
CREATE TABLE customers (
	id serial PRIMARY KEY,
	"Name" varchar(40) NOT NULL,
	email citext,
	created_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE orders (
	id bigserial PRIMARY KEY,
	customer_id int REFERENCES customers(id),
	total numeric(10,2),
	note text,
	paid boolean,
	payload bytea,
	tags jsonb
);
CREATE VIEW big_orders_view AS SELECT id, total FROM orders WHERE total > 100;
CREATE MATERIALIZED VIEW order_totals AS SELECT customer_id, sum(total) AS total FROM orders GROUP BY 1;
CREATE TABLE pg_audit_shadow (id int);

INSERT INTO customers ("Name", email) VALUES ('Ada', 'ada@example.com'), ('Linus', NULL);
INSERT INTO orders (customer_id, total, note, paid, payload, tags) VALUES
	(1, 250.00, 'pipe | inside', true, '\x00ff', '{"a": 1}'),
	(1, 12.50, E'two\nlines', false, NULL, NULL),
	(2, 999.99, NULL, NULL, '\x', '[]');
`

// startPostgres runs a throwaway PostgreSQL container seeded with a small
// schema and returns its connection string.
func startPostgres(t *testing.T) string {
	t.Helper()
	if os.Getenv("REDFERRY_SKIP_CONTAINERS") != "" {
		t.Skip("REDFERRY_SKIP_CONTAINERS set")
	}
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("shop"),
		postgres.WithUsername("reader"),
		postgres.WithPassword("reader"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS citext")
	require.NoError(t, err)
	_, err = conn.Exec(ctx, seedPostgresSQL)
	require.NoError(t, err)
	return dsn
}

func TestIntegration_PostgresCatalog(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	src := &postgresSourceDB{}
	conn, err := src.Connect(ctx, dsn, "")
	require.NoError(t, err)
	defer conn.Close(ctx)

	cat, err := readCatalog(ctx, discardLogger(), src, conn, nil)
	require.NoError(t, err)

	var names []string
	for _, tbl := range cat.Schema.Tables {
		names = append(names, tbl.SourceName+"->"+tbl.TargetName)
	}
	assert.Equal(t, []string{"big_orders_view->big_orders", "customers->customers", "orders->orders"}, names)
	assert.Contains(t, cat.Skipped, SourceObject{Kind: "materialized view", Name: "order_totals"})
	assert.Empty(t, cat.Rejected)

	orders := cat.Schema.Tables[2]
	types := map[string]string{}
	for _, c := range orders.Columns {
		types[c.TargetName] = c.TargetType
	}
	assert.Equal(t, "BIGINT", types["id"])
	assert.Equal(t, "DECIMAL(10,2)", types["total"])
	assert.Equal(t, "BOOLEAN", types["paid"])

	customers := cat.Schema.Tables[1]
	assert.Equal(t, "name", customers.Columns[1].TargetName)
	assert.Equal(t, "VARCHAR(160)", customers.Columns[1].TargetType)
}

func TestIntegration_PostgresExport(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	src := &postgresSourceDB{}
	conn, err := src.Connect(ctx, dsn, "")
	require.NoError(t, err)
	defer conn.Close(ctx)

	cat, err := readCatalog(ctx, discardLogger(), src, conn, []string{"orders"})
	require.NoError(t, err)
	require.Len(t, cat.Schema.Tables, 1)

	store := newMemStore()
	key, stats, err := newExporter(store, "it-run", discardLogger()).Export(ctx, conn, cat.Schema.Tables[0])
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Rows)

	data, ok := store.object(key)
	require.True(t, ok)
	text, err := gunzip(data)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	require.Len(t, lines, 4, "escaped newline keeps a physical line break: %q", text)
	assert.True(t, strings.HasPrefix(lines[0], `1|1|250.00|pipe \| inside|t|`), lines[0])
	assert.Equal(t, `2|1|12.50|two\`, lines[1])
	assert.True(t, strings.HasPrefix(lines[3], `3|2|999.99|\N|\N|`), lines[3])
}

func TestIntegration_PostgresForkSharesSnapshot(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	src := &postgresSourceDB{}
	conn, err := src.Connect(ctx, dsn, "")
	require.NoError(t, err)
	defer conn.Close(ctx)

	cat, err := readCatalog(ctx, discardLogger(), src, conn, []string{"customers"})
	require.NoError(t, err)
	customers := cat.Schema.Tables[0]

	fork, err := conn.Fork(ctx)
	require.NoError(t, err)
	defer fork.Close(ctx)

	// rows written after the snapshot was taken stay invisible to both
	writer, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer writer.Close(ctx)
	_, err = writer.Exec(ctx, `INSERT INTO customers ("Name") VALUES ('Grace')`)
	require.NoError(t, err)

	for _, c := range []SourceConn{conn, fork} {
		var sb strings.Builder
		rows, err := c.CopyOut(ctx, customers, &sb)
		require.NoError(t, err)
		assert.Equal(t, int64(2), rows)
		assert.NotContains(t, sb.String(), "Grace")
	}
}

// TestIntegration_Redshift runs a full migration from the container into a
// real cluster. It needs a Redshift endpoint and a writable bucket.
func TestIntegration_Redshift(t *testing.T) {
	targetURI := os.Getenv("REDSHIFT_URI")
	bucket := os.Getenv("REDFERRY_S3_BUCKET")
	if targetURI == "" || bucket == "" {
		t.Skip("REDSHIFT_URI and REDFERRY_S3_BUCKET env vars required")
	}
	dsn := startPostgres(t)
	ctx := context.Background()

	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	schema := "redferry_it_" + uuid.NewString()[:8]
	cfg := &Config{
		Source: SourceConfig{Type: "postgres", URI: dsn},
		Target: TargetConfig{URI: targetURI, Schema: schema},
		S3: S3Config{
			Bucket:          bucket,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			Region:          region,
			IAMRole:         os.Getenv("REDFERRY_IAM_ROLE"),
		},
		Workers:   2,
		ChunkSize: defaultChunkSize,
		Log:       LogConfig{Format: "text", Level: "info"},
		configDir: t.TempDir(),
	}
	require.NoError(t, cfg.validate())

	sum, err := run(ctx, cfg, uuid.NewString(), discardLogger(), false)
	require.NoError(t, err)
	require.NoError(t, sum.Err())
	require.Len(t, sum.Tables, 3)

	pool, err := connectTarget(ctx, targetURI, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", quoteIdent(schema)))
	})

	var count int
	require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", qualified(schema, "orders"))).Scan(&count))
	assert.Equal(t, 3, count)

	var note *string
	require.NoError(t, pool.QueryRow(ctx,
		fmt.Sprintf("SELECT note FROM %s WHERE id = 1", qualified(schema, "orders"))).Scan(&note))
	require.NotNil(t, note)
	assert.Equal(t, "pipe | inside", *note)

	// a second run replaces the tables instead of appending
	sum, err = run(ctx, cfg, uuid.NewString(), discardLogger(), false)
	require.NoError(t, err)
	require.NoError(t, sum.Err())
	require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", qualified(schema, "orders"))).Scan(&count))
	assert.Equal(t, 3, count)
}
