// Package artifact verifies uploaded or downloaded collection artifacts against
// expected digests and commits them to a content-addressable store exactly once.
package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrNotFound is returned when no blob exists for a digest
	ErrNotFound = errors.New("artifact not found")
	// ErrExists is returned by Store.Create when a blob with the digest already exists
	ErrExists = errors.New("artifact already exists")
	// ErrTooLarge is returned when an artifact exceeds the configured size limit
	ErrTooLarge = errors.New("artifact exceeds maximum size")

	// errLockContended is returned by stores when another writer holds the digest lock
	errLockContended = errors.New("artifact lock held by another writer")
)

// Outcome tells whether an ingest stored new bytes or found them already present
type Outcome string

const (
	// OutcomeCreated means the artifact was stored by this ingest
	OutcomeCreated Outcome = "created"
	// OutcomeDuplicate means identical bytes were already stored
	OutcomeDuplicate Outcome = "duplicate"
)

// Ref identifies a stored blob
type Ref struct {
	Digest    digest.Digest     `json:"digest"`
	Size      int64             `json:"size"`
	Location  string            `json:"location"`
	Digests   map[string]string `json:"digests,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store is a content-addressable blob store keyed by canonical digest
type Store interface {
	// Create stores the contents of src under ref.Digest and fills in ref.Location.
	// It returns ErrExists if the digest is already stored. Implementations must make
	// the existence check and the write a single atomic step.
	Create(ctx context.Context, ref *Ref, src *os.File) error
	// Stat returns the ref stored under the digest, or ErrNotFound
	Stat(ctx context.Context, d digest.Digest) (*Ref, error)
	// Open returns a reader over the blob, or ErrNotFound
	Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error)
}

// spooler is implemented by stores that want spooled uploads on their own filesystem
type spooler interface {
	SpoolDir() string
}
