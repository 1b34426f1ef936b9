package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	defaultChunkSize = "16MiB"
	// S3 rejects multipart parts below 5 MiB.
	minChunkSize = 5 << 20
)

// Config holds the full run configuration. It is built once by loadConfig and
// not modified afterwards.
type Config struct {
	Source    SourceConfig `toml:"source"`
	Target    TargetConfig `toml:"target"`
	S3        S3Config     `toml:"s3"`
	Tables    []string     `toml:"tables"`
	Workers   int          `toml:"workers"`
	ChunkSize string       `toml:"chunk_size"`
	Log       LogConfig    `toml:"log"`
	Hooks     HooksConfig  `toml:"hooks"`

	// chunkBytes is ChunkSize parsed; it is the multipart part size.
	chunkBytes int64
	// configDir is the directory containing the TOML file, used to resolve relative SQL paths.
	configDir string
}

// SourceConfig identifies the source database engine and connection string.
type SourceConfig struct {
	Type   string `toml:"type"` // "postgres", "mysql" or "sqlite"
	URI    string `toml:"uri"`
	Schema string `toml:"schema"`
}

type TargetConfig struct {
	URI    string `toml:"uri"`
	Schema string `toml:"schema"`
}

// S3Config locates the staging bucket. The access key pair is used both for
// uploads and in the COPY credentials clause unless IAMRole is set.
type S3Config struct {
	Bucket          string `toml:"bucket"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	IAMRole         string `toml:"iam_role"`
}

type LogConfig struct {
	Format string `toml:"format"` // text|json
	Level  string `toml:"level"`
}

type HooksConfig struct {
	BeforeRun []string `toml:"before_run"`
	AfterRun  []string `toml:"after_run"`
}

// envOverrides lists the environment variables read on top of the file.
// Fields are pointers so an unset variable leaves the file value alone.
type envOverrides struct {
	SourceURI    *string `envconfig:"POSTGRES_TO_REDSHIFT_SOURCE_URI"`
	SourceType   *string `envconfig:"SOURCE_TYPE"`
	SourceSchema *string `envconfig:"SOURCE_SCHEMA"`
	TargetURI    *string `envconfig:"POSTGRES_TO_REDSHIFT_TARGET_URI"`
	TargetSchema *string `envconfig:"TARGET_SCHEMA"`
	Bucket       *string `envconfig:"S3_DATABASE_EXPORT_BUCKET"`
	AccessKeyID  *string `envconfig:"S3_DATABASE_EXPORT_ID"`
	SecretKey    *string `envconfig:"S3_DATABASE_EXPORT_KEY"`
	Region       *string `envconfig:"S3_DATABASE_EXPORT_REGION"`
	Endpoint     *string `envconfig:"S3_DATABASE_EXPORT_ENDPOINT"`
	IAMRole      *string `envconfig:"REDSHIFT_IAM_ROLE"`
	Tables       *string `envconfig:"TABLES_TO_EXPORT"`
	Workers      *int    `envconfig:"WORKERS"`
	ChunkSize    *string `envconfig:"EXPORT_CHUNK_SIZE"`
	LogFormat    *string `envconfig:"LOG_FORMAT"`
	LogLevel     *string `envconfig:"LOG_LEVEL"`
	HooksBefore  *string `envconfig:"HOOKS_BEFORE_RUN"`
	HooksAfter   *string `envconfig:"HOOKS_AFTER_RUN"`
}

// flagOverrides holds command-line values. They win over every other source.
type flagOverrides struct {
	Tables *string
}

// loadConfig builds the run configuration: defaults, then the TOML file at
// path (optional), then envFile, then the process environment, then flags.
// An empty envFile loads ./.env when it exists.
func loadConfig(path, envFile string, flags flagOverrides) (*Config, error) {
	cfg := Config{
		Source:    SourceConfig{Type: "postgres"},
		Target:    TargetConfig{Schema: "public"},
		S3:        S3Config{Region: "us-east-1"},
		Workers:   1,
		ChunkSize: defaultChunkSize,
		Log:       LogConfig{Format: "text", Level: "info"},
	}

	if path != "" {
		if err := decodeConfigFile(path, &cfg); err != nil {
			return nil, err
		}
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.configDir = wd
	}

	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	env.apply(&cfg)
	if flags.Tables != nil {
		cfg.Tables = parseTableList(*flags.Tables)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)
	return nil
}

// loadEnvFile never overrides variables already set in the environment.
func loadEnvFile(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func (e envOverrides) apply(cfg *Config) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&cfg.Source.URI, e.SourceURI)
	set(&cfg.Source.Type, e.SourceType)
	set(&cfg.Source.Schema, e.SourceSchema)
	set(&cfg.Target.URI, e.TargetURI)
	set(&cfg.Target.Schema, e.TargetSchema)
	set(&cfg.S3.Bucket, e.Bucket)
	set(&cfg.S3.AccessKeyID, e.AccessKeyID)
	set(&cfg.S3.SecretAccessKey, e.SecretKey)
	set(&cfg.S3.Region, e.Region)
	set(&cfg.S3.Endpoint, e.Endpoint)
	set(&cfg.S3.IAMRole, e.IAMRole)
	set(&cfg.ChunkSize, e.ChunkSize)
	set(&cfg.Log.Format, e.LogFormat)
	set(&cfg.Log.Level, e.LogLevel)
	if e.Tables != nil {
		cfg.Tables = parseTableList(*e.Tables)
	}
	if e.Workers != nil {
		cfg.Workers = *e.Workers
	}
	if e.HooksBefore != nil {
		cfg.Hooks.BeforeRun = parseTableList(*e.HooksBefore)
	}
	if e.HooksAfter != nil {
		cfg.Hooks.AfterRun = parseTableList(*e.HooksAfter)
	}
}

func (c *Config) validate() error {
	c.Source.Type = strings.ToLower(strings.TrimSpace(c.Source.Type))
	src, err := newSourceDB(c.Source.Type)
	if err != nil {
		return err
	}
	if c.Source.URI == "" {
		return fmt.Errorf("source uri is required (source.uri or POSTGRES_TO_REDSHIFT_SOURCE_URI)")
	}
	if c.Source.Schema != "" {
		if err := checkSourceIdent("source schema", c.Source.Schema); err != nil {
			return err
		}
	}

	if c.Target.URI == "" {
		return fmt.Errorf("target uri is required (target.uri or POSTGRES_TO_REDSHIFT_TARGET_URI)")
	}
	// The schema is interpolated into hooks and every load statement.
	if err := checkTargetIdent("target schema", c.Target.Schema); err != nil {
		return err
	}

	if c.S3.Bucket == "" {
		return fmt.Errorf("s3 bucket is required (s3.bucket or S3_DATABASE_EXPORT_BUCKET)")
	}
	if c.S3.IAMRole == "" && (c.S3.AccessKeyID == "" || c.S3.SecretAccessKey == "") {
		return fmt.Errorf("s3 access key id and secret are required unless an IAM role is configured")
	}
	if c.S3.Region == "" {
		return fmt.Errorf("s3 region must not be empty")
	}

	for _, t := range c.Tables {
		if err := checkSourceIdent("table", t); err != nil {
			return fmt.Errorf("tables: %w", err)
		}
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if limit := src.MaxWorkers(); limit > 0 && c.Workers > limit {
		c.Workers = limit
	}

	n, err := humanize.ParseBytes(c.ChunkSize)
	if err != nil {
		return fmt.Errorf("chunk_size: %w", err)
	}
	if n < minChunkSize {
		return fmt.Errorf("chunk_size must be at least %s, got %s", humanize.IBytes(minChunkSize), humanize.IBytes(n))
	}
	c.chunkBytes = int64(n)

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be one of: text, json")
	}
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// resolvePath resolves a path relative to the config file directory.
func (c *Config) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}

func parseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return lvl, nil
}
