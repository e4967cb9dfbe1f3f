// Package coordinator triggers periodic syncs of the configured remotes.
//
// It is the scheduling layer on top of internal/sync. The sync package knows how
// to run one sync as a dispatcher job; this package decides when a remote with a
// syncPolicy interval is due and submits that job.
//
// # Polling
//
// Start initializes the sync state of every configured (remote, target) pair and
// then polls on a jittered interval (2m ±30s). On each tick every remote whose
// interval elapsed since its last attempt is claimed and triggered:
//
//	claimed, _ := statusSvc.UpdateStatusAtomically(ctx, key, func(s *status.SyncStatus) bool {
//	    if !isDue(s, interval, now) {
//	        return false
//	    }
//	    s.Phase = status.SyncPhaseSyncing
//	    return true
//	})
//
// The claim is atomic in both state backends, so several instances sharing a
// database queue a due sync once. If the job cannot be submitted the claim is
// released by moving the key to Failed.
//
// Remotes without a syncPolicy are only synced on request through the API.
//
// # Usage
//
//	c := coordinator.New(syncCoordinator, stateService, cfg)
//	go c.Start(ctx)
//	defer c.Stop()
package coordinator
