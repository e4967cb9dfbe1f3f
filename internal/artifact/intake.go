package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/collection-registry/internal/otel"
	"github.com/stacklok/collection-registry/internal/telemetry"
)

const (
	// DefaultLockWait bounds how long an ingest retries a contended digest lock
	DefaultLockWait = 10 * time.Second
)

// now is overridable in tests
var now = func() time.Time { return time.Now().UTC() }

// Intake verifies artifacts and commits them to a Store
type Intake struct {
	store    Store
	spoolDir string
	maxSize  int64
	lockWait time.Duration
	locks    *keyedMutex
	metrics  *telemetry.IntakeMetrics
	tracer   trace.Tracer
}

// Option configures an Intake
type Option func(*Intake)

// WithMaxSize rejects artifacts larger than size bytes. Zero disables the limit.
func WithMaxSize(size int64) Option {
	return func(i *Intake) {
		i.maxSize = size
	}
}

// WithSpoolDir sets the directory used for in-flight uploads
func WithSpoolDir(dir string) Option {
	return func(i *Intake) {
		i.spoolDir = dir
	}
}

// WithLockWait sets how long a contended digest lock is retried
func WithLockWait(d time.Duration) Option {
	return func(i *Intake) {
		i.lockWait = d
	}
}

// WithMetrics sets the intake metrics
func WithMetrics(m *telemetry.IntakeMetrics) Option {
	return func(i *Intake) {
		i.metrics = m
	}
}

// WithTracer sets the tracer used for ingest spans
func WithTracer(t trace.Tracer) Option {
	return func(i *Intake) {
		i.tracer = t
	}
}

// NewIntake creates an Intake committing to store
func NewIntake(store Store, opts ...Option) *Intake {
	i := &Intake{
		store:    store,
		lockWait: DefaultLockWait,
		locks:    newKeyedMutex(),
	}
	if sp, ok := store.(spooler); ok {
		i.spoolDir = sp.SpoolDir()
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Store returns the underlying blob store
func (i *Intake) Store() Store {
	return i.store
}

// Ingest reads r to the end, checks every expected digest and stores the bytes under
// their canonical digest. Nothing is stored when a digest does not match. If the bytes
// are already stored the existing ref is returned with OutcomeDuplicate.
func (i *Intake) Ingest(ctx context.Context, r io.Reader, expected map[string]string) (*Ref, Outcome, error) {
	ctx, span := otel.StartSpan(ctx, i.tracer, "artifact.Ingest")
	defer span.End()

	ref, outcome, err := i.ingest(ctx, r, expected)
	if err != nil {
		otel.RecordError(span, err)
		label := "error"
		if errors.Is(err, ErrDigestMismatch) {
			label = "mismatch"
		}
		i.metrics.RecordIngest(ctx, label, 0)
		return nil, "", err
	}

	span.SetAttributes(otel.AttrArtifactDigest.String(ref.Digest.String()))
	i.metrics.RecordIngest(ctx, string(outcome), ref.Size)
	return ref, outcome, nil
}

func (i *Intake) ingest(ctx context.Context, r io.Reader, expected map[string]string) (*Ref, Outcome, error) {
	want, err := normalizeExpected(expected)
	if err != nil {
		return nil, "", err
	}

	spool, err := os.CreateTemp(i.spoolDir, "ingest-*")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		_ = spool.Close()
		if err := os.Remove(spool.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Debug("Failed to remove spool file", "path", spool.Name(), "error", err)
		}
	}()

	algs := []digest.Algorithm{Canonical}
	for alg := range want {
		algs = append(algs, alg)
	}
	md := newMultiDigester(algs)

	src := r
	if i.maxSize > 0 {
		src = io.LimitReader(r, i.maxSize+1)
	}
	size, err := io.Copy(io.MultiWriter(spool, md), &ctxReader{ctx: ctx, r: src})
	if err != nil {
		return nil, "", fmt.Errorf("failed to read artifact: %w", err)
	}
	if i.maxSize > 0 && size > i.maxSize {
		return nil, "", fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, i.maxSize)
	}

	if err := md.verify(want); err != nil {
		slog.Info("Rejected artifact", "error", err)
		return nil, "", err
	}

	ref := &Ref{
		Digest:    md.digest(Canonical),
		Size:      size,
		Digests:   md.encodedAll(),
		CreatedAt: now(),
	}

	unlock := i.locks.Lock(ref.Digest.String())
	defer unlock()

	if existing, err := i.store.Stat(ctx, ref.Digest); err == nil {
		return existing, OutcomeDuplicate, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, "", err
	}

	created, err := backoff.Retry(ctx, func() (bool, error) {
		err := i.store.Create(ctx, ref, spool)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrExists):
			return false, nil
		case errors.Is(err, errLockContended):
			return false, err
		default:
			return false, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(i.lockWait))
	if err != nil {
		return nil, "", fmt.Errorf("failed to store artifact %s: %w", ref.Digest, err)
	}

	if !created {
		// Another process committed the same bytes between Stat and Create
		existing, err := i.store.Stat(ctx, ref.Digest)
		if err != nil {
			return nil, "", err
		}
		return existing, OutcomeDuplicate, nil
	}

	slog.Debug("Stored artifact", "digest", ref.Digest, "size", ref.Size)
	return ref, OutcomeCreated, nil
}

// ctxReader stops reading once the context is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// keyedMutex serializes work per key within the process
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the lock for key and returns its release function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
