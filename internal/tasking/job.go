// Package tasking runs background jobs that hold exclusive reservations on named
// resources. Jobs sharing a reservation key run strictly one after another in
// submission order; jobs with disjoint keys run concurrently on a bounded pool.
package tasking

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle state of a job
type State string

const (
	// StateQueued means the job is waiting for its reservations or a worker
	StateQueued State = "queued"
	// StateRunning means the job body is executing
	StateRunning State = "running"
	// StateCompleted means the job body returned without error
	StateCompleted State = "completed"
	// StateFailed means the job body failed, panicked, timed out or lost its lease
	StateFailed State = "failed"
	// StateCanceled means the job was canceled before finishing
	StateCanceled State = "canceled"
)

// IsTerminal reports whether the state is final
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateCanceled
	case StateRunning:
		return to == StateCompleted || to == StateFailed || to == StateCanceled
	default:
		return false
	}
}

// FailureCode classifies why a job failed
type FailureCode string

const (
	// CodeJobFailed is used when the job body returned an error or panicked
	CodeJobFailed FailureCode = "JobFailed"
	// CodeJobTimeout is used when the job exceeded its time limit
	CodeJobTimeout FailureCode = "JobTimeout"
	// CodeLeaseExpired is used when a running job stopped renewing its lease
	CodeLeaseExpired FailureCode = "LeaseExpired"
)

// Failure describes a failed or canceled job
type Failure struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
}

// CodedError lets a job body choose the failure code reported for its error
type CodedError interface {
	error
	FailureCode() FailureCode
}

func failureFromError(err error) *Failure {
	code := CodeJobFailed
	var coded CodedError
	if errors.As(err, &coded) {
		code = coded.FailureCode()
	}
	return &Failure{Code: code, Message: err.Error()}
}

// ProgressEntry is a single message in a job's progress log
type ProgressEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Job is a snapshot of a job's state
type Job struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Keys          []string        `json:"keys"`
	State         State           `json:"state"`
	Progress      []ProgressEntry `json:"progress,omitempty"`
	Result        any             `json:"result,omitempty"`
	Failure       *Failure        `json:"failure,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
}

// Clone returns a deep copy of the snapshot, except for Result which is shared
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Keys = slices.Clone(j.Keys)
	c.Progress = slices.Clone(j.Progress)
	if j.Failure != nil {
		f := *j.Failure
		c.Failure = &f
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.LastHeartbeat = cloneTime(j.LastHeartbeat)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// transition moves the snapshot to a new state, rejecting changes out of terminal states
func (j *Job) transition(to State) error {
	if !isAllowedTransition(j.State, to) {
		return fmt.Errorf("disallowed transition for job %s: %s -> %s", j.ID, j.State, to)
	}
	j.State = to
	return nil
}

// Func is a job body. The returned value becomes the job result.
type Func func(ctx context.Context, p *Progress) (any, error)

// SubmitRequest describes a job to run
type SubmitRequest struct {
	// Name is a short label for the kind of job, such as "import" or "sync"
	Name string
	// Keys are the resources the job reserves while running
	Keys []string
	// Fn is the job body
	Fn Func
}

// ArtifactKey returns the reservation key for an artifact digest
func ArtifactKey(digest string) string {
	return "artifact:" + digest
}

// RepositoryKey returns the reservation key for a repository
func RepositoryKey(repository string) string {
	return "repository:" + repository
}

// SyncKey returns the reservation key for syncing a remote into a repository
func SyncKey(remote, target string) string {
	return "sync:" + remote + "|" + target
}
