package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stacklok/collection-registry/internal/status"
)

type fileStateService struct {
	statusPersistence status.StatusPersistence

	mu             sync.RWMutex
	cachedStatuses map[status.Key]*status.SyncStatus
}

// NewFileStateService creates a new file-based sync state service
func NewFileStateService(statusPersistence status.StatusPersistence) SyncStateService {
	return &fileStateService{
		statusPersistence: statusPersistence,
		cachedStatuses:    make(map[status.Key]*status.SyncStatus),
	}
}

func (f *fileStateService) Initialize(ctx context.Context, keys []status.Key) error {
	for _, key := range keys {
		f.loadOrInitializeStatus(ctx, key)
	}
	return nil
}

func (f *fileStateService) ListSyncStatuses(_ context.Context) (map[status.Key]*status.SyncStatus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make(map[status.Key]*status.SyncStatus, len(f.cachedStatuses))
	for key, syncStatus := range f.cachedStatuses {
		result[key] = syncStatus.Clone()
	}
	return result, nil
}

func (f *fileStateService) GetSyncStatus(_ context.Context, key status.Key) (*status.SyncStatus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	syncStatus, exists := f.cachedStatuses[key]
	if !exists {
		return nil, ErrStateNotFound
	}
	return syncStatus.Clone(), nil
}

func (f *fileStateService) UpdateStatusAtomically(
	ctx context.Context,
	key status.Key,
	testAndUpdateFn func(syncStatus *status.SyncStatus) bool,
) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, exists := f.cachedStatuses[key]
	if !exists {
		current = initialStatus()
	}

	// The callback works on a copy so a failed save leaves the cache untouched
	syncStatus := current.Clone()
	shouldUpdate := testAndUpdateFn(syncStatus)
	if shouldUpdate {
		if err := f.statusPersistence.SaveStatus(ctx, key, syncStatus); err != nil {
			return false, err
		}
		f.cachedStatuses[key] = syncStatus
	}
	return shouldUpdate, nil
}

func (f *fileStateService) UpdateSyncStatus(ctx context.Context, key status.Key, syncStatus *status.SyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := syncStatus.Clone()
	if err := f.statusPersistence.SaveStatus(ctx, key, stored); err != nil {
		return err
	}
	f.cachedStatuses[key] = stored
	return nil
}

func (f *fileStateService) loadOrInitializeStatus(ctx context.Context, key status.Key) {
	syncStatus, err := f.statusPersistence.LoadStatus(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "Failed to load sync status, initializing with defaults",
			"key", key.String(), "error", err)
		syncStatus = &status.SyncStatus{}
	}

	/*
	 * Note that the cleanup logic is not shared with the database.
	 * It assumes that only one process at a time will access the backing
	 * store.
	 */
	switch {
	case syncStatus.Phase == "":
		slog.InfoContext(ctx, "No previous sync status found, initializing with defaults", "key", key.String())
		syncStatus = initialStatus()
		if err := f.statusPersistence.SaveStatus(ctx, key, syncStatus); err != nil {
			slog.WarnContext(ctx, "Failed to persist default sync status", "key", key.String(), "error", err)
		}
	case syncStatus.Phase == status.SyncPhaseSyncing:
		// A status left in Syncing means the previous process was interrupted.
		// The fingerprint is kept so an unchanged upstream is still a no-op.
		slog.WarnContext(ctx, "Previous sync was interrupted, resetting to Failed", "key", key.String())
		syncStatus.Phase = status.SyncPhaseFailed
		syncStatus.Message = "Previous sync was interrupted"
		if err := f.statusPersistence.SaveStatus(ctx, key, syncStatus); err != nil {
			slog.WarnContext(ctx, "Failed to persist corrected sync status", "key", key.String(), "error", err)
		}
	}

	if syncStatus.LastSyncTime != nil {
		slog.InfoContext(ctx, "Loaded sync status",
			"key", key.String(),
			"phase", syncStatus.Phase,
			"last_sync", syncStatus.LastSyncTime.Format(time.RFC3339),
		)
	} else {
		slog.InfoContext(ctx, "Sync status loaded, no previous sync", "key", key.String(), "phase", syncStatus.Phase)
	}

	f.mu.Lock()
	f.cachedStatuses[key] = syncStatus
	f.mu.Unlock()
}
