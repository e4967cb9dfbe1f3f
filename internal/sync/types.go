package sync

import (
	"errors"
	"fmt"

	"github.com/stacklok/collection-registry/internal/requirements"
	"github.com/stacklok/collection-registry/internal/status"
	"github.com/stacklok/collection-registry/internal/tasking"
)

// Phase is a step of a sync run
type Phase string

// Sync run phases
const (
	PhaseIdle             Phase = "idle"
	PhaseFetchingMetadata Phase = "fetchingMetadata"
	PhaseFiltering        Phase = "filtering"
	PhaseDiffing          Phase = "diffing"
	PhaseNoop             Phase = "noop"
	PhaseImporting        Phase = "importing"
	PhaseDone             Phase = "done"
)

// Outcome summarizes how a sync run ended
type Outcome string

const (
	// OutcomeNoop means the upstream did not change since the last sync
	OutcomeNoop Outcome = "noop"
	// OutcomeCompleted means every selected version is present in the target
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means at least one version could not be imported
	OutcomeFailed Outcome = "failed"
)

// Failure codes reported for failed sync jobs
const (
	CodeInvalidOptions      tasking.FailureCode = "InvalidOptions"
	CodeUpstreamUnavailable tasking.FailureCode = "UpstreamUnavailable"
	CodeFetchFailed         tasking.FailureCode = "FetchFailed"
	CodeStateFailed         tasking.FailureCode = "StateFailed"
	CodeImportsFailed       tasking.FailureCode = "ImportsFailed"
)

// ErrInvalidOptions is returned when a sync is requested without a remote, url or target
var ErrInvalidOptions = errors.New("invalid sync options")

// Options describes one sync of a remote into a target repository
type Options struct {
	// Remote is the name of the remote, used in the sync state key
	Remote string
	// URL is the upstream registry root
	URL string
	// Target is the local repository receiving the collections
	Target string
	// Requirements select what to sync. Empty means everything.
	Requirements []requirements.Requirement
	// Optimize skips the run when the upstream did not change since the last sync
	Optimize bool
	// RefilterNamespace filters every fetched page by namespace again on the client
	RefilterNamespace bool
}

// Key returns the sync state key of the options
func (o *Options) Key() status.Key {
	return status.Key{Remote: o.Remote, Target: o.Target}
}

func (o *Options) validate() error {
	switch {
	case o.Remote == "":
		return fmt.Errorf("%w: remote is required", ErrInvalidOptions)
	case o.URL == "":
		return fmt.Errorf("%w: url is required", ErrInvalidOptions)
	case o.Target == "":
		return fmt.Errorf("%w: target repository is required", ErrInvalidOptions)
	}
	return nil
}

// Run is the result of a sync job
type Run struct {
	Remote      string   `json:"remote"`
	Target      string   `json:"target"`
	Outcome     Outcome  `json:"outcome"`
	Added       int      `json:"added"`
	Duplicate   int      `json:"duplicate"`
	Failed      int      `json:"failed"`
	Fingerprint string   `json:"fingerprint"`
	Jobs        []string `json:"jobs"`
}

// Error is a sync failure with the code reported on the sync job
type Error struct {
	Err     error
	Message string
	Code    tasking.FailureCode
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// FailureCode implements tasking.CodedError
func (e *Error) FailureCode() tasking.FailureCode {
	return e.Code
}
