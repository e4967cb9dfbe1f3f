// Package auth provides dynamic database authentication.
package auth

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stacklok/collection-registry/internal/config"
)

// BeforeConnectFunc sets credentials on a connection right before it is opened
type BeforeConnectFunc func(ctx context.Context, connConfig *pgx.ConnConfig) error

// NewAuthToken resolves a one-off token for user.
// Returns an empty string if dynamic authentication is not configured.
// Useful for short-lived connections such as migrations, where a
// BeforeConnect hook cannot be installed.
func NewAuthToken(ctx context.Context, cfg *config.DatabaseConfig, user string) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("database configuration is required")
	}
	if cfg.DynamicAuth == nil {
		return "", nil
	}
	if cfg.DynamicAuth.AWSRDSIAM != nil {
		region, err := awsRegion(ctx, cfg.DynamicAuth.AWSRDSIAM)
		if err != nil {
			return "", err
		}
		return awsToken(ctx, cfg, region, user)
	}
	return "", errNoMethod
}

// NewBeforeConnect returns a hook that fetches a fresh token for every new pool connection.
// Returns nil if dynamic authentication is not configured.
func NewBeforeConnect(ctx context.Context, cfg *config.DatabaseConfig) (BeforeConnectFunc, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}
	if cfg.DynamicAuth == nil {
		return nil, nil
	}
	if cfg.DynamicAuth.AWSRDSIAM == nil {
		return nil, errNoMethod
	}

	region, err := awsRegion(ctx, cfg.DynamicAuth.AWSRDSIAM)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, connConfig *pgx.ConnConfig) error {
		token, err := awsToken(ctx, cfg, region, connConfig.User)
		if err != nil {
			return err
		}
		connConfig.Password = token
		return nil
	}, nil
}

// MigrationConnectionString builds a connection string for golang-migrate,
// which opens its own connections, with a resolved token embedded.
// Without dynamic authentication it falls back to the static password.
func MigrationConnectionString(ctx context.Context, cfg *config.DatabaseConfig) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("database configuration is required")
	}
	if cfg.DynamicAuth == nil {
		return cfg.GetConnectionString()
	}

	token, err := NewAuthToken(ctx, cfg, cfg.User)
	if err != nil {
		return "", fmt.Errorf("failed to resolve auth token for migration: %w", err)
	}
	return cfg.BuildConnectionString(token), nil
}

var errNoMethod = fmt.Errorf("dynamic auth is configured but no supported auth method (e.g., awsRdsIam) is specified")
