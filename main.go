package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	tablesFlag string
	dryRun     bool
)

var rootCmd = &cobra.Command{
	Use:           "redferry [config.toml]",
	Short:         "PostgreSQL to Redshift bulk migration through S3",
	Args:          cobra.MaximumNArgs(1),
	Version:       versionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMigration,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to TOML config file")
	rootCmd.Flags().StringVar(&envFile, "env-file", "", "path to .env file (default ./.env when present)")
	rootCmd.Flags().StringVar(&tablesFlag, "tables", "", "comma-separated tables to migrate, overrides TABLES_TO_EXPORT")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "discover and print the planned statements without exporting or loading")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "redferry:", err)
		os.Exit(1)
	}
}

func runMigration(cmd *cobra.Command, args []string) error {
	// Resolve config path: positional arg takes precedence over --config flag
	cfgPath := configPath
	if len(args) > 0 {
		cfgPath = args[0]
	}

	var flags flagOverrides
	if cmd.Flags().Changed("tables") {
		flags.Tables = &tablesFlag
	}
	cfg, err := loadConfig(cfgPath, envFile, flags)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	log := newLogger(os.Stderr, cfg.Log).With(slog.String("run_id", runID))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := run(ctx, cfg, runID, log, dryRun)
	if err != nil {
		log.Error("run aborted", slog.Any("error", err))
		return err
	}
	return sum.Err()
}

func run(ctx context.Context, cfg *Config, runID string, log *slog.Logger, dryRun bool) (Summary, error) {
	src, err := newSourceDB(cfg.Source.Type)
	if err != nil {
		return Summary{}, err
	}
	log.Info("starting",
		slog.String("version", versionString()),
		slog.String("source", src.Name()),
		slog.String("target", describeURI(cfg.Target.URI)),
		slog.String("bucket", cfg.S3.Bucket),
		slog.Int("workers", cfg.Workers),
		slog.Bool("dry_run", dryRun),
	)

	conn, err := src.Connect(ctx, cfg.Source.URI, cfg.Source.Schema)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer func() {
		if err := conn.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("close source connection", slog.Any("error", err))
		}
	}()

	store, err := newS3Store(ctx, cfg.S3, cfg.chunkBytes)
	if err != nil {
		return Summary{}, err
	}
	auth := copyAuthFromConfig(cfg.S3)

	p := &Pipeline{
		cfg:      cfg,
		src:      src,
		conn:     conn,
		exporter: newExporter(store, runID, log),
		store:    store,
		runID:    runID,
		log:      log,
		dryRun:   dryRun,
		plan:     os.Stdout,
	}

	if dryRun {
		p.loader = newLoader(nil, cfg.Target.Schema, store, auth, log)
		return p.Run(ctx)
	}

	pool, err := connectTarget(ctx, cfg.Target.URI, cfg.Workers)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
	}
	defer pool.Close()

	p.loader = newLoader(pool, cfg.Target.Schema, store, auth, log)
	p.hooks = pool
	return p.Run(ctx)
}

// connectTarget opens the Redshift pool. Redshift speaks the PostgreSQL wire
// protocol but not every extended-protocol feature, so statements go out
// through the simple protocol.
func connectTarget(ctx context.Context, uri string, workers int) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("parse target uri: %w", err)
	}
	pcfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	pcfg.MaxConns = int32(max(workers, 1)) + 1

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect target: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping target: %w", err)
	}
	return pool, nil
}

// describeURI renders host, port and database of a connection URI without
// credentials.
func describeURI(uri string) string {
	cfg, err := pgx.ParseConfig(uri)
	if err != nil {
		return "<unparseable uri>"
	}
	return fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
}
