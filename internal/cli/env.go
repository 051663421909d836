package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/lexledger/lexmigrate/internal/auditlog"
	"github.com/lexledger/lexmigrate/internal/blobstore"
	"github.com/lexledger/lexmigrate/internal/config"
	"github.com/lexledger/lexmigrate/internal/extract"
	"github.com/lexledger/lexmigrate/internal/identity"
	"github.com/lexledger/lexmigrate/internal/orchestrator"
	"github.com/lexledger/lexmigrate/internal/postgres"
	"github.com/lexledger/lexmigrate/internal/txretry"
)

// loadConfig resolves the configuration for cmd: defaults, the --config
// file, LEXMIGRATE_* variables, then the connection flags the command
// defines.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	flags := map[string]string{}
	for _, name := range []string{"legacy-url", "target-url", "migrations-path", "port", "host"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			flags[name] = f.Value.String()
		}
	}
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section. Logs go to
// stderr so stdout stays parseable with --json.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// env is everything a command needs to act on the migration.
type env struct {
	cfg    *config.Config
	logger *slog.Logger

	legacy *pgxpool.Pool // nil without a legacy database URL
	target *pgxpool.Pool

	store     orchestrator.Store
	blobs     blobstore.Backend
	audit     auditlog.Logger
	logs      *auditlog.PGLogger
	svc       *orchestrator.Service
	extractor *extract.Extractor
	users     *identity.Migrator // nil without a legacy database

	closers []func()
}

// openEnv connects to the configured databases and storage and wires the
// orchestrator with its phase validators.
func openEnv(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *env, err error) {
	e := &env{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if cfg.Target.DatabaseURL == "" {
		return nil, errors.New("target database URL is required (set target.database_url or LEXMIGRATE_TARGET_DATABASE_URL)")
	}
	e.target, err = postgres.New(ctx, postgres.Config{
		Name:            "target",
		URL:             cfg.Target.DatabaseURL,
		MaxConns:        int32(cfg.Target.MaxConns),
		MinConns:        int32(cfg.Target.MinConns),
		HealthCheckSecs: cfg.Target.HealthCheckSecs,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to target database: %w", err)
	}
	e.closers = append(e.closers, e.target.Close)

	if cfg.Legacy.DatabaseURL != "" {
		e.legacy, err = postgres.New(ctx, postgres.Config{Name: "legacy", URL: cfg.Legacy.DatabaseURL, MaxConns: 4}, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to legacy database: %w", err)
		}
		e.closers = append(e.closers, e.legacy.Close)
	}

	e.logs = auditlog.NewPG(e.target, logger)
	if err := e.logs.Migrate(ctx); err != nil {
		return nil, err
	}
	e.audit = auditlog.Multi(auditlog.NewSlog(logger), e.logs)

	if err := e.openStore(ctx); err != nil {
		return nil, err
	}
	if e.blobs, err = openBlobs(ctx, cfg.Backup); err != nil {
		return nil, err
	}

	policy := txretry.DefaultPolicy()
	snap := orchestrator.NewPGSnapshotter(e.target, cfg.Backup.Tables, policy)
	e.svc = orchestrator.NewService(e.store, e.blobs, snap, logger, e.audit, orchestrator.Config{
		SnapshotOnCheckpoint: cfg.Backup.SnapshotOnCheckpoint,
		SafetyBackup:         cfg.Backup.SafetyBackup,
		TempDir:              cfg.Backup.TempDir,
	})

	var live extract.LiveSource
	if e.legacy != nil {
		live = extract.NewPGLive(e.legacy)
	}
	e.extractor = extract.New(logger, e.audit, live)

	idStore := identity.NewPGStore(e.target, policy)
	if err := idStore.Migrate(ctx); err != nil {
		return nil, err
	}
	if e.legacy != nil {
		source := identity.NewPGSource(e.legacy)
		e.users = identity.NewMigrator(source, idStore, logger, e.audit)
		e.svc.RegisterValidator(orchestrator.PhaseUsersMigrated, &orchestrator.UsersValidator{Legacy: source, Target: idStore})
	}

	e.svc.RegisterValidator(orchestrator.PhaseSchemaExtracted, &orchestrator.SchemaValidator{
		Extractor:     e.extractor,
		MigrationPath: cfg.Legacy.MigrationsPath,
		Options:       schemaValidateOptions(cfg),
	})
	e.svc.RegisterValidator(orchestrator.PhaseDataMigrated, &orchestrator.DataValidator{
		Sampler:         orchestrator.NewPGSampler(e.target),
		Tables:          cfg.Validation.DataTables,
		SampleSize:      cfg.Validation.SampleSize,
		SkipIntegrity:   cfg.Validation.SkipIntegrity,
		SkipPerformance: cfg.Validation.SkipPerformance,
		MaxLatency:      cfg.Validation.MaxSampleLatency(),
	})
	e.svc.RegisterValidator(orchestrator.PhaseFilesMigrated, &orchestrator.FilesValidator{Blobs: e.blobs})
	return e, nil
}

func (e *env) openStore(ctx context.Context) error {
	switch e.cfg.State.Driver {
	case "sqlite":
		s, err := orchestrator.OpenSQLite(e.cfg.State.SQLitePath)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, func() { _ = s.Close() })
		e.store = s
	default:
		e.store = orchestrator.NewPGStore(e.target)
	}
	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("preparing state store: %w", err)
	}
	return nil
}

func openBlobs(ctx context.Context, cfg config.BackupConfig) (blobstore.Backend, error) {
	if cfg.Backend == "s3" {
		b, err := blobstore.NewS3(ctx, blobstore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("opening s3 backup store: %w", err)
		}
		return b, nil
	}
	b, err := blobstore.NewLocal(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening local backup store: %w", err)
	}
	return b, nil
}

func schemaValidateOptions(cfg *config.Config) extract.ValidateOptions {
	return extract.ValidateOptions{EssentialTables: cfg.Validation.EssentialTables}
}

// identityDefaults maps the identity section onto migrator options.
func identityDefaults(cfg config.IdentityConfig) identity.Options {
	opts := identity.DefaultOptions()
	opts.BatchSize = cfg.BatchSize
	opts.PreserveIDs = cfg.PreserveIDs
	opts.ContinueOnError = cfg.ContinueOnError
	opts.Concurrency = cfg.Concurrency
	if s, err := identity.ParseStrategy(cfg.PasswordStrategy); err == nil {
		opts.PasswordStrategy = s
	}
	return opts
}

// Close releases connections in reverse order of opening.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// withEnv loads config, opens the environment and runs fn with it.
func withEnv(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, os.Stderr)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := openEnv(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}
