package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/stacklok/collection-registry/internal/config"
	"github.com/stacklok/collection-registry/internal/status"
	pkgsync "github.com/stacklok/collection-registry/internal/sync"
	"github.com/stacklok/collection-registry/internal/sync/state"
	"github.com/stacklok/collection-registry/internal/tasking"
)

const (
	// basePollingInterval is the base interval at which the coordinator checks for due syncs
	basePollingInterval = 2 * time.Minute
	// pollingJitter is the maximum random offset (±30 seconds) applied to the polling interval
	pollingJitter = 30 * time.Second
)

// Coordinator triggers periodic syncs of the configured remotes
type Coordinator interface {
	// Start begins background sync coordination for all remotes.
	// Blocks until context is cancelled or an unrecoverable error occurs
	Start(ctx context.Context) error

	// Stop gracefully stops the coordinator
	Stop() error
}

// Syncer submits sync jobs
//
//go:generate mockgen -destination=mocks/mock_syncer.go -package=mocks github.com/stacklok/collection-registry/internal/sync/coordinator Syncer
type Syncer interface {
	Trigger(ctx context.Context, opts pkgsync.Options) (*tasking.Job, error)
}

type defaultCoordinator struct {
	syncer    Syncer
	statusSvc state.SyncStateService
	config    *config.Config

	interval func() time.Duration
	now      func() time.Time

	// Lifecycle management
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithPollingInterval replaces the jittered polling interval with a fixed one
func WithPollingInterval(d time.Duration) Option {
	return func(c *defaultCoordinator) {
		if d > 0 {
			c.interval = func() time.Duration { return d }
		}
	}
}

// New creates a new coordinator with injected dependencies
func New(syncer Syncer, statusSvc state.SyncStateService, cfg *config.Config, opts ...Option) Coordinator {
	c := &defaultCoordinator{
		syncer:    syncer,
		statusSvc: statusSvc,
		config:    cfg,
		interval:  calculatePollingInterval,
		now:       func() time.Time { return time.Now().UTC() },
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// calculatePollingInterval returns the base polling interval with a random jitter applied.
// The jitter keeps several instances sharing a database from polling at the same time.
func calculatePollingInterval() time.Duration {
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for polling jitter
	jitterOffset := time.Duration(rand.Int64N(int64(2*pollingJitter))) - pollingJitter
	return basePollingInterval + jitterOffset
}

// Start begins background sync coordination for all remotes
func (c *defaultCoordinator) Start(ctx context.Context) error {
	slog.Info("Starting background sync coordinator", "remote_count", len(c.config.Remotes))

	coordCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	defer func() {
		close(c.done)
		slog.Info("Background sync coordinator shutting down")
	}()

	keys := make([]status.Key, 0, len(c.config.Remotes))
	for i := range c.config.Remotes {
		keys = append(keys, status.Key{Remote: c.config.Remotes[i].Name, Target: c.config.Remotes[i].Target})
	}
	if err := c.statusSvc.Initialize(ctx, keys); err != nil {
		return fmt.Errorf("failed to initialize sync status: %w", err)
	}

	pollingInterval := c.interval()
	slog.Info("Configured coordinator polling interval",
		"base_interval", basePollingInterval,
		"actual_interval", pollingInterval)

	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

	c.triggerDueSyncs(coordCtx)

	for {
		select {
		case <-ticker.C:
			c.triggerDueSyncs(coordCtx)
			ticker.Reset(c.interval())
		case <-coordCtx.Done():
			slog.Info("Sync coordinator stopping")
			return nil
		}
	}
}

// Stop gracefully stops the coordinator
func (c *defaultCoordinator) Stop() error {
	if c.cancelFunc != nil {
		slog.Info("Stopping sync coordinator")
		c.cancelFunc()
		<-c.done
	}
	return nil
}

// triggerDueSyncs submits a sync job for every remote whose interval elapsed
func (c *defaultCoordinator) triggerDueSyncs(ctx context.Context) {
	for i := range c.config.Remotes {
		if ctx.Err() != nil {
			return
		}
		remote := &c.config.Remotes[i]
		if remote.GetSyncInterval() <= 0 {
			continue
		}
		c.triggerIfDue(ctx, remote)
	}
}

func (c *defaultCoordinator) triggerIfDue(ctx context.Context, remote *config.RemoteConfig) {
	key := status.Key{Remote: remote.Name, Target: remote.Target}
	interval := remote.GetSyncInterval()
	now := c.now()

	// Claiming the key by moving it to Syncing keeps other pollers, including
	// other instances sharing the state, from queuing the same sync again.
	claimed, err := c.statusSvc.UpdateStatusAtomically(ctx, key, func(s *status.SyncStatus) bool {
		if !isDue(s, interval, now) {
			return false
		}
		s.Phase = status.SyncPhaseSyncing
		s.Message = "Sync queued"
		s.LastAttempt = &now
		return true
	})
	if err != nil {
		slog.Error("Error checking sync status", "remote", remote.Name, "target", remote.Target, "error", err)
		return
	}
	if !claimed {
		slog.Debug("Remote does not need sync", "remote", remote.Name, "target", remote.Target)
		return
	}

	job, err := c.submit(ctx, remote)
	if err != nil {
		slog.Error("Failed to trigger sync", "remote", remote.Name, "target", remote.Target, "error", err)
		c.release(ctx, key, err)
		return
	}
	slog.Info("Triggered periodic sync", "remote", remote.Name, "target", remote.Target, "job_id", job.ID)
}

func (c *defaultCoordinator) submit(ctx context.Context, remote *config.RemoteConfig) (*tasking.Job, error) {
	opts, err := pkgsync.RemoteOptions(remote)
	if err != nil {
		return nil, err
	}
	return c.syncer.Trigger(ctx, opts)
}

// release marks a claimed key as failed when its sync could not be submitted
func (c *defaultCoordinator) release(ctx context.Context, key status.Key, cause error) {
	_, err := c.statusSvc.UpdateStatusAtomically(context.WithoutCancel(ctx), key, func(s *status.SyncStatus) bool {
		s.Phase = status.SyncPhaseFailed
		s.Message = fmt.Sprintf("Failed to trigger sync: %v", cause)
		s.AttemptCount++
		return true
	})
	if err != nil {
		slog.Error("Error updating sync status", "remote", key.Remote, "target", key.Target, "error", err)
	}
}

// isDue reports whether a sync should be queued for a key with the given status
func isDue(s *status.SyncStatus, interval time.Duration, now time.Time) bool {
	if s.Phase == status.SyncPhaseSyncing {
		return false
	}
	if s.LastAttempt == nil {
		return true
	}
	return now.Sub(*s.LastAttempt) >= interval
}
