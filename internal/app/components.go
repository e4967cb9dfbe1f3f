package app

import (
	"github.com/stacklok/collection-registry/internal/app/storage"
	"github.com/stacklok/collection-registry/internal/service"
	"github.com/stacklok/collection-registry/internal/sync/coordinator"
	"github.com/stacklok/collection-registry/internal/tasking"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// SyncCoordinator triggers periodic syncs of the configured remotes
	SyncCoordinator coordinator.Coordinator

	// Dispatcher runs import and sync jobs
	Dispatcher *tasking.Dispatcher

	// RegistryService provides registry business logic
	RegistryService service.RegistryService

	// Storage owns the catalog and sync state backends
	Storage storage.Factory
}
