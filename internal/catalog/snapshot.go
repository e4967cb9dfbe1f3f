package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// SnapshotFileName is the catalog snapshot written by a persistent MemoryStore
const SnapshotFileName = "catalog.json"

type snapshot struct {
	Versions []*PackageVersion `json:"versions"`
}

// OpenMemoryStore opens an in-memory catalog backed by the snapshot file at path.
// A missing file is an empty catalog. Every change rewrites the file before it
// becomes visible to readers.
func OpenMemoryStore(ctx context.Context, path string, opts ...MemoryOption) (*MemoryStore, error) {
	s := NewMemoryStore(opts...)
	s.snapshotPath = path

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog snapshot %s: %w", path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse catalog snapshot %s: %w", path, err)
	}

	groups := make(map[collectionKey][]*PackageVersion)
	for _, pv := range snap.Versions {
		if err := validate(pv); err != nil {
			return nil, fmt.Errorf("catalog snapshot %s: %w", path, err)
		}
		key := collectionKey{pv.Repository, pv.Namespace, pv.Name}
		groups[key] = append(groups[key], pv)
	}
	for key, group := range groups {
		s.collections[key] = resolveGroup(ctx, s.metrics, group)
	}

	slog.InfoContext(ctx, "Loaded catalog snapshot", "path", path, "versions", len(snap.Versions))
	return s, nil
}

// persistLocked writes every stored version to the snapshot file. It is a no-op
// for a store without a snapshot path.
func (s *MemoryStore) persistLocked() error {
	if s.snapshotPath == "" {
		return nil
	}

	snap := snapshot{Versions: []*PackageVersion{}}
	for _, group := range s.collections {
		snap.Versions = append(snap.Versions, group...)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0750); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}

	tempPath := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary catalog snapshot: %w", err)
	}
	if err := os.Rename(tempPath, s.snapshotPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename catalog snapshot: %w", err)
	}
	return nil
}

// restoreLocked puts back the versions of a collection after a failed write
func (s *MemoryStore) restoreLocked(key collectionKey, group []*PackageVersion) {
	if group == nil {
		delete(s.collections, key)
		return
	}
	s.collections[key] = group
}
