package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/repository"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/service"
	"github.com/FACorreiaa/snapshot-reconciler/pkg/config"
	"github.com/FACorreiaa/snapshot-reconciler/pkg/db"
)

type rootOptions struct {
	dbPath   string
	postgres bool
	logLevel string
	account  string
}

// app is shared by every subcommand. The store is opened lazily so commands
// that never touch it (suggest) work without a database.
type app struct {
	opts   *rootOptions
	cfg    *config.Config
	logger *slog.Logger
	engine *service.Engine
	closer func()
}

func newRootCmd() *cobra.Command {
	a := &app{opts: &rootOptions{}}

	cmd := &cobra.Command{
		Use:           "reconcile",
		Short:         "Reconcile bank snapshot exports into a ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}

	cmd.PersistentFlags().StringVar(&a.opts.dbPath, "db", "", "SQLite ledger path (default: import.sqlite_path from config)")
	cmd.PersistentFlags().BoolVar(&a.opts.postgres, "postgres", false, "Use the PostgreSQL database from config instead of SQLite")
	cmd.PersistentFlags().StringVar(&a.opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVarP(&a.opts.account, "account", "a", "", "Account name")

	cmd.AddCommand(
		newImportCmd(a),
		newDiffCmd(a),
		newBalanceCmd(a),
		newHistoryCmd(a),
		newTransactionsCmd(a),
		newSuggestCmd(a),
		newMigrateCmd(a),
	)
	return cmd
}

func (a *app) init(cmd *cobra.Command) error {
	_ = godotenv.Load()

	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(a.opts.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", a.opts.logLevel, err)
	}
	a.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	if a.opts.dbPath == "" {
		a.opts.dbPath = cfg.Import.SQLitePath
	}
	return nil
}

// open connects the configured store, applying migrations.
func (a *app) open(ctx context.Context) (repository.ImportRepository, error) {
	if a.opts.postgres {
		database, err := db.New(db.Config{
			DSN:             a.cfg.Database.DSN(),
			MaxConns:        4,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		if err := database.RunMigrations(); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		a.closer = database.Close
		return repository.NewPostgresImportRepository(database.Pool, a.logger), nil
	}

	sqlDB, err := db.OpenSQLite(ctx, a.opts.dbPath, a.logger)
	if err != nil {
		return nil, err
	}
	a.closer = closeSQL(sqlDB, a.logger)
	return repository.NewSQLiteImportRepository(sqlDB), nil
}

func (a *app) openEngine(ctx context.Context) (*service.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	store, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	opts := []service.Option{service.WithLockTimeout(a.cfg.Import.LockTimeout)}
	if a.cfg.Import.CleanDescriptions {
		opts = append(opts, service.WithPostProcessor("", service.CleanDescription))
	}
	a.engine = service.NewEngine(store, a.logger, opts...)
	return a.engine, nil
}

func (a *app) requireAccount() error {
	if a.opts.account == "" {
		return fmt.Errorf("--account is required")
	}
	return nil
}

func (a *app) close() {
	if a.closer != nil {
		a.closer()
		a.closer = nil
	}
}

func closeSQL(sqlDB *sql.DB, logger *slog.Logger) func() {
	return func() {
		if err := sqlDB.Close(); err != nil {
			logger.Warn("failed to close sqlite database", "error", err)
		}
	}
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
