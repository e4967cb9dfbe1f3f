// Package storage provides factory functions for creating storage-dependent components.
// It implements the Abstract Factory pattern to ensure related components (catalog,
// sync state) are created with compatible storage backends.
package storage

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/config"
	"github.com/stacklok/collection-registry/internal/sync/state"
	"github.com/stacklok/collection-registry/internal/telemetry"
)

// Factory creates storage-dependent components as a family.
// Implementations ensure all components are compatible with each other
// (e.g., all use database or all use file storage).
//
// Artifact blobs always live on the filesystem under the data directory and are
// not created here.
type Factory interface {
	// CreateCatalog creates the store of published collection versions
	CreateCatalog(ctx context.Context) (catalog.Store, error)

	// CreateStateService creates a state service for sync status tracking
	CreateStateService(ctx context.Context) (state.SyncStateService, error)

	// Cleanup releases any resources held by this factory.
	// For database factories, this closes the connection pool.
	Cleanup()
}

// Option configures a factory
type Option func(*factoryOptions)

type factoryOptions struct {
	tracer         trace.Tracer
	catalogMetrics *telemetry.CatalogMetrics
}

// WithTracer sets the OpenTelemetry tracer for the catalog.
// If not set, tracing will be disabled (no-op).
func WithTracer(tracer trace.Tracer) Option {
	return func(o *factoryOptions) {
		o.tracer = tracer
	}
}

// WithCatalogMetrics sets the metrics recorded by the catalog
func WithCatalogMetrics(m *telemetry.CatalogMetrics) Option {
	return func(o *factoryOptions) {
		o.catalogMetrics = m
	}
}

func applyOptions(opts []Option) factoryOptions {
	var o factoryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewStorageFactory creates a storage factory based on the configured storage type.
// Returns a FileFactory for file-based storage or a DatabaseFactory for database storage.
func NewStorageFactory(ctx context.Context, cfg *config.Config, opts ...Option) (Factory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	switch cfg.GetStorageType() {
	case config.StorageTypeDatabase:
		return NewDatabaseFactory(ctx, cfg, opts...)
	case config.StorageTypeFile:
		return NewFileFactory(ctx, cfg, opts...)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.GetStorageType())
	}
}
