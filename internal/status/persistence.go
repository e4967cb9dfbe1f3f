// Package status provides sync status tracking and persistence for remote synchronization.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

//go:generate mockgen -destination=mocks/mock_status_persistence.go -package=mocks -source=persistence.go StatusPersistence

const (
	// StatusFileName is the name of the status file
	StatusFileName = "status.json"
)

// ErrInvalidKey is returned when a remote or target name cannot be used as a path element
var ErrInvalidKey = errors.New("invalid sync status key")

// StatusPersistence defines the interface for sync status persistence
//
//nolint:revive // This name is fine
type StatusPersistence interface {
	// SaveStatus saves the sync status to persistent storage for a remote and target
	SaveStatus(ctx context.Context, key Key, status *SyncStatus) error

	// LoadStatus loads the sync status from persistent storage for a remote and target
	// Returns an empty SyncStatus if the file doesn't exist (first run)
	LoadStatus(ctx context.Context, key Key) (*SyncStatus, error)

	// LoadAllStatus loads sync status for all remotes and targets
	LoadAllStatus(ctx context.Context) (map[Key]*SyncStatus, error)
}

// fileStatusPersistence implements StatusPersistence using local filesystem
type fileStatusPersistence struct {
	basePath string
}

// NewFileStatusPersistence creates a new file-based status persistence.
// Status files are stored under basePath/<remote>/<target>/status.json.
func NewFileStatusPersistence(basePath string) StatusPersistence {
	return &fileStatusPersistence{
		basePath: basePath,
	}
}

func validateKey(key Key) error {
	for _, part := range []string{key.Remote, key.Target} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key.String())
		}
	}
	return nil
}

func (f *fileStatusPersistence) dir(key Key) string {
	return filepath.Join(f.basePath, key.Remote, key.Target)
}

// SaveStatus saves the sync status to a JSON file in a key-specific directory
func (f *fileStatusPersistence) SaveStatus(_ context.Context, key Key, status *SyncStatus) error {
	if err := validateKey(key); err != nil {
		return err
	}

	dir := f.dir(key)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create status directory for '%s': %w", key, err)
	}

	filePath := filepath.Join(dir, StatusFileName)

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status data for '%s': %w", key, err)
	}

	// Write to temporary file first for atomic operation
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary status file for '%s': %w", key, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename status file for '%s': %w", key, err)
	}

	return nil
}

// LoadStatus loads the sync status from a JSON file.
// Returns an empty SyncStatus if the file doesn't exist
func (f *fileStatusPersistence) LoadStatus(_ context.Context, key Key) (*SyncStatus, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	filePath := filepath.Join(f.dir(key), StatusFileName)

	// #nosec G304 -- filePath is built from basePath and a validated key
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &SyncStatus{}, nil
		}
		return nil, fmt.Errorf("failed to read status file for '%s': %w", key, err)
	}

	var status SyncStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status data for '%s': %w", key, err)
	}

	return &status, nil
}

// LoadAllStatus loads sync status for every remote and target found on disk
func (f *fileStatusPersistence) LoadAllStatus(ctx context.Context) (map[Key]*SyncStatus, error) {
	result := make(map[Key]*SyncStatus)

	remotes, err := os.ReadDir(f.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, fmt.Errorf("failed to read status directory: %w", err)
	}

	for _, remote := range remotes {
		if !remote.IsDir() {
			continue
		}
		targets, err := os.ReadDir(filepath.Join(f.basePath, remote.Name()))
		if err != nil {
			slog.WarnContext(ctx, "Failed to read remote status directory", "remote", remote.Name(), "error", err)
			continue
		}
		for _, target := range targets {
			if !target.IsDir() {
				continue
			}
			key := Key{Remote: remote.Name(), Target: target.Name()}
			status, err := f.LoadStatus(ctx, key)
			if err != nil {
				// Partial results are fine; one corrupt file must not hide the rest
				slog.WarnContext(ctx, "Failed to load sync status", "key", key.String(), "error", err)
				continue
			}
			result[key] = status
		}
	}

	return result, nil
}
