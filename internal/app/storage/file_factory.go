package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/config"
	"github.com/stacklok/collection-registry/internal/status"
	"github.com/stacklok/collection-registry/internal/sync/state"
)

// FileFactory keeps the catalog in memory, backed by a snapshot file, and sync
// state in files under the data directory
type FileFactory struct {
	config            *config.Config
	opts              factoryOptions
	statusPersistence status.StatusPersistence
	catalog           *catalog.MemoryStore
}

var _ Factory = (*FileFactory)(nil)

// NewFileFactory creates a new file-based storage factory.
// It ensures the status directory exists and loads the catalog snapshot.
func NewFileFactory(ctx context.Context, cfg *config.Config, opts ...Option) (*FileFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	statusDir := filepath.Join(cfg.GetDataDir(), "status")
	if err := os.MkdirAll(statusDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create status directory %s: %w", statusDir, err)
	}

	catalogPath := filepath.Join(cfg.GetDataDir(), "catalog", catalog.SnapshotFileName)
	slog.InfoContext(ctx, "Creating file-based storage factory", "status_dir", statusDir, "catalog", catalogPath)

	o := applyOptions(opts)
	store, err := catalog.OpenMemoryStore(ctx, catalogPath, catalog.WithMemoryMetrics(o.catalogMetrics))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	return &FileFactory{
		config:            cfg,
		opts:              o,
		statusPersistence: status.NewFileStatusPersistence(statusDir),
		catalog:           store,
	}, nil
}

// CreateCatalog returns the snapshot-backed catalog. Every call returns the same store.
func (f *FileFactory) CreateCatalog(_ context.Context) (catalog.Store, error) {
	slog.Debug("Creating file-backed catalog")
	return f.catalog, nil
}

// CreateStateService creates a file-based state service for sync status tracking
func (f *FileFactory) CreateStateService(_ context.Context) (state.SyncStateService, error) {
	slog.Debug("Creating file-based state service")
	return state.NewStateService(f.config, f.statusPersistence, nil)
}

// Cleanup is a no-op for file storage
func (*FileFactory) Cleanup() {
	slog.Debug("Cleaning up file storage factory (no-op)")
}
