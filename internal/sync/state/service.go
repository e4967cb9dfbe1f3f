// Package state contains logic for managing the sync state which the server persists.
package state

import (
	"context"
	"errors"

	"github.com/stacklok/collection-registry/internal/status"
)

// ErrStateNotFound is returned when no sync state exists for a remote and target
var ErrStateNotFound = errors.New("sync state not found")

// SyncStateService provides methods for inspecting and updating the sync state
// of every (remote, target) pair.
//
//go:generate mockgen -destination=mocks/mock_sync_state_service.go -package=mocks github.com/stacklok/collection-registry/internal/sync/state SyncStateService
type SyncStateService interface {
	// Initialize loads or creates the state of the given keys. It is intended to be
	// called at application startup. Syncs left in the Syncing phase by a previous
	// process are reset to Failed.
	Initialize(ctx context.Context, keys []status.Key) error
	// ListSyncStatuses lists all available sync statuses.
	ListSyncStatuses(ctx context.Context) (map[status.Key]*status.SyncStatus, error)
	// GetSyncStatus returns the status of one key or ErrStateNotFound.
	GetSyncStatus(ctx context.Context, key status.Key) (*status.SyncStatus, error)
	// UpdateSyncStatus overrides the status of the key.
	UpdateSyncStatus(ctx context.Context, key status.Key, syncStatus *status.SyncStatus) error
	// UpdateStatusAtomically fetches the status of the key (an Idle status when none
	// exists), applies testAndUpdateFn, and stores the result if the function reports
	// a change, all as a single atomic action. The boolean result is the value
	// returned by testAndUpdateFn.
	UpdateStatusAtomically(
		ctx context.Context,
		key status.Key,
		testAndUpdateFn func(syncStatus *status.SyncStatus) bool,
	) (bool, error)
}

// initialStatus is the state of a key that never synced
func initialStatus() *status.SyncStatus {
	return &status.SyncStatus{
		Phase:   status.SyncPhaseIdle,
		Message: "No previous sync status found",
	}
}
