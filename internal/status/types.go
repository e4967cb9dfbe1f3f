package status

import "time"

// SyncPhase represents the current phase of a synchronization operation
type SyncPhase string

const (
	// SyncPhaseIdle means no sync has run for the target yet
	SyncPhaseIdle SyncPhase = "Idle"

	// SyncPhaseSyncing means sync is currently in progress
	SyncPhaseSyncing SyncPhase = "Syncing"

	// SyncPhaseComplete means sync completed successfully
	SyncPhaseComplete SyncPhase = "Complete"

	// SyncPhaseFailed means sync failed
	SyncPhaseFailed SyncPhase = "Failed"
)

// Key identifies the sync status of one remote into one target repository
type Key struct {
	Remote string `json:"remote"`
	Target string `json:"target"`
}

// String returns the "remote|target" form of the key
func (k Key) String() string {
	return k.Remote + "|" + k.Target
}

// SyncStatus represents the current state of a remote synchronization
type SyncStatus struct {
	// Phase represents the current synchronization phase
	Phase SyncPhase `json:"phase"`

	// Message provides additional information about the sync status
	Message string `json:"message,omitempty"`

	// LastAttempt is the timestamp of the last sync attempt
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`

	// AttemptCount is the number of sync attempts since last success
	AttemptCount int `json:"attemptCount,omitempty"`

	// LastSyncTime is the timestamp of the last successful sync
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`

	// Fingerprint identifies the upstream content imported by the last successful sync.
	// It is only replaced when every import of a run completed.
	Fingerprint string `json:"fingerprint,omitempty"`

	// RequirementsHash is the hash of the requirements applied by the last successful sync
	RequirementsHash string `json:"requirementsHash,omitempty"`

	// LastJobID is the id of the most recent sync job
	LastJobID string `json:"lastJobId,omitempty"`
}

// Clone returns a deep copy of the status
func (s *SyncStatus) Clone() *SyncStatus {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastAttempt != nil {
		t := *s.LastAttempt
		c.LastAttempt = &t
	}
	if s.LastSyncTime != nil {
		t := *s.LastSyncTime
		c.LastSyncTime = &t
	}
	return &c
}
