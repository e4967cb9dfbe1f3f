package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/config"
	"github.com/stacklok/collection-registry/internal/db"
	"github.com/stacklok/collection-registry/internal/sync/state"
)

// DatabaseFactory creates database-backed storage components.
// All components created by this factory use PostgreSQL for persistence.
type DatabaseFactory struct {
	config *config.Config
	pool   *pgxpool.Pool
	opts   factoryOptions
}

var _ Factory = (*DatabaseFactory)(nil)

// NewDatabaseFactory creates a new database-backed storage factory.
// It establishes a connection pool to the configured PostgreSQL database.
func NewDatabaseFactory(ctx context.Context, cfg *config.Config, opts ...Option) (*DatabaseFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.Database == nil {
		return nil, fmt.Errorf("database configuration is required for database storage type")
	}

	slog.Info("Creating database-backed storage factory")

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}

	return &DatabaseFactory{
		config: cfg,
		pool:   pool,
		opts:   applyOptions(opts),
	}, nil
}

// CreateCatalog creates a PostgreSQL-backed catalog
func (d *DatabaseFactory) CreateCatalog(_ context.Context) (catalog.Store, error) {
	slog.Debug("Creating database-backed catalog")

	opts := []catalog.DBOption{
		catalog.WithConnectionPool(d.pool),
		catalog.WithDBMetrics(d.opts.catalogMetrics),
	}
	if d.opts.tracer != nil {
		opts = append(opts, catalog.WithTracer(d.opts.tracer))
		slog.Debug("Catalog tracing enabled")
	}
	store, err := catalog.NewDBStore(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}
	return store, nil
}

// CreateStateService creates a database-backed state service for sync status tracking
func (d *DatabaseFactory) CreateStateService(_ context.Context) (state.SyncStateService, error) {
	slog.Debug("Creating database-backed state service")
	return state.NewStateService(d.config, nil, d.pool)
}

// Cleanup closes the database connection pool
func (d *DatabaseFactory) Cleanup() {
	if d.pool != nil {
		slog.Info("Closing database connection pool")
		d.pool.Close()
	}
}
