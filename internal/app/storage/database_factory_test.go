package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/collection-registry/database"
	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/config"
	"github.com/stacklok/collection-registry/internal/status"
)

func TestDatabaseFactory(t *testing.T) {
	t.Parallel()

	pool, cleanupFunc := database.SetupTestDB(t)
	t.Cleanup(cleanupFunc)

	connCfg := pool.Config().ConnConfig
	pwFile := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(pwFile, []byte(connCfg.Password), 0600))

	cfg := &config.Config{
		Database: &config.DatabaseConfig{
			Host:         connCfg.Host,
			Port:         int(connCfg.Port),
			User:         connCfg.User,
			Database:     connCfg.Database,
			PasswordFile: pwFile,
			SSLMode:      "disable",
		},
	}

	ctx := context.Background()
	f, err := NewStorageFactory(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(f.Cleanup)
	require.IsType(t, &DatabaseFactory{}, f)

	t.Run("catalog", func(t *testing.T) {
		store, err := f.CreateCatalog(ctx)
		require.NoError(t, err)
		require.NoError(t, store.Ping(ctx))

		_, created, err := store.AddVersion(ctx, &catalog.PackageVersion{
			Repository:     "factory",
			Namespace:      "acme",
			Name:           "web",
			Version:        "1.0.0",
			ArtifactDigest: digest.FromString("factory-acme-web").String(),
			CreatedAt:      time.Now(),
		})
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("state service", func(t *testing.T) {
		svc, err := f.CreateStateService(ctx)
		require.NoError(t, err)

		key := status.Key{Remote: "galaxy", Target: "factory"}
		require.NoError(t, svc.Initialize(ctx, []status.Key{key}))
		got, err := svc.GetSyncStatus(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, status.SyncPhaseIdle, got.Phase)
	})
}

func TestNewDatabaseFactory_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := NewDatabaseFactory(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")

	_, err = NewDatabaseFactory(ctx, &config.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database configuration is required")

	_, err = NewDatabaseFactory(ctx, &config.Config{Database: &config.DatabaseConfig{Host: "localhost"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create database connection pool")
}
