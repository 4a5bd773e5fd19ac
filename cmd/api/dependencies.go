package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"

	importhandler "github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/handler"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/locker"
	importrepo "github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/repository"
	importservice "github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/service"

	"github.com/FACorreiaa/snapshot-reconciler/pkg/config"
	"github.com/FACorreiaa/snapshot-reconciler/pkg/db"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Redis  *redis.Client
	Logger *slog.Logger

	// Repositories
	ImportRepo importrepo.ImportRepository

	// Services
	Locker       locker.Locker
	ImportEngine *importservice.Engine

	// Handlers
	ImportHandler *importhandler.ImportHandler
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	// Initialize repositories
	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	// Initialize services
	if err := deps.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	// Initialize handlers
	if err := deps.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to init handlers: %w", err)
	}

	logger.Info("all dependencies initialized successfully")

	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        d.Config.Database.MaxConns,
		MinConns:        d.Config.Database.MinConns,
		MaxConnLifetime: d.Config.Database.MaxConnLifetime,
		MaxConnIdleTime: d.Config.Database.MaxConnIdleTime,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database

	// Run migrations
	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

// initRepositories initializes all repository layer dependencies
func (d *Dependencies) initRepositories() error {
	d.ImportRepo = importrepo.NewPostgresImportRepository(d.DB.Pool, d.Logger)

	d.Logger.Info("repositories initialized")
	return nil
}

// initLocker picks the Redis lock when configured and reachable, so several
// API replicas serialize imports of one account. It falls back to an
// in-process lock otherwise.
func (d *Dependencies) initLocker() {
	if !d.Config.Redis.Enabled {
		d.Locker = locker.NewLocalLocker()
		return
	}

	client := redis.NewClient(&redis.Options{
		Addr:     d.Config.Redis.Addr,
		Password: d.Config.Redis.Password,
		DB:       d.Config.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		d.Logger.Warn("redis unavailable, using in-process account lock", "addr", d.Config.Redis.Addr, "error", err)
		_ = client.Close()
		d.Locker = locker.NewLocalLocker()
		return
	}

	d.Redis = client
	d.Locker = locker.NewRedisLocker(client, d.Config.Redis.LockTTL, d.Logger)
	d.Logger.Info("redis account lock enabled", "addr", d.Config.Redis.Addr)
}

// initServices initializes all service layer dependencies
func (d *Dependencies) initServices() error {
	d.initLocker()

	opts := []importservice.Option{
		importservice.WithLocker(d.Locker),
		importservice.WithLockTimeout(d.Config.Import.LockTimeout),
		importservice.WithTracer(otel.Tracer(d.Config.Observability.ServiceName + "/import")),
	}
	if d.Config.Import.CleanDescriptions {
		opts = append(opts, importservice.WithPostProcessor("", importservice.CleanDescription))
	}
	d.ImportEngine = importservice.NewEngine(d.ImportRepo, d.Logger, opts...)

	d.Logger.Info("services initialized")
	return nil
}

// initHandlers initializes all handler dependencies
func (d *Dependencies) initHandlers() error {
	d.ImportHandler = importhandler.NewImportHandler(d.ImportEngine, d.Logger,
		importhandler.WithMaxBodyBytes(d.Config.Import.MaxSnapshotBytes))

	d.Logger.Info("handlers initialized")
	return nil
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Warn("failed to close redis client", "error", err)
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}
