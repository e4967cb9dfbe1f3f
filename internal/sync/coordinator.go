package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	gosync "sync"
	"time"

	"github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/collection-registry/internal/artifact"
	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/importer"
	"github.com/stacklok/collection-registry/internal/otel"
	"github.com/stacklok/collection-registry/internal/requirements"
	"github.com/stacklok/collection-registry/internal/sources"
	"github.com/stacklok/collection-registry/internal/status"
	"github.com/stacklok/collection-registry/internal/sync/state"
	"github.com/stacklok/collection-registry/internal/tasking"
	"github.com/stacklok/collection-registry/internal/telemetry"
)

// DefaultDownloadConcurrency is how many artifacts a sync downloads at once
const DefaultDownloadConcurrency = 4

// Coordinator runs syncs from upstream registries as dispatcher jobs
type Coordinator struct {
	upstream   sources.UpstreamClient
	intake     *artifact.Intake
	catalog    catalog.Store
	importer   *importer.Importer
	dispatcher *tasking.Dispatcher
	state      state.SyncStateService

	downloads int
	metrics   *telemetry.SyncMetrics
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithDownloadConcurrency sets how many artifacts are downloaded at once
func WithDownloadConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.downloads = n
		}
	}
}

// WithMetrics sets the sync metrics
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracer sets the tracer used for sync spans
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// NewCoordinator creates a sync coordinator
func NewCoordinator(
	upstream sources.UpstreamClient,
	intake *artifact.Intake,
	store catalog.Store,
	imp *importer.Importer,
	dispatcher *tasking.Dispatcher,
	stateSvc state.SyncStateService,
	opts ...Option,
) (*Coordinator, error) {
	switch {
	case upstream == nil:
		return nil, fmt.Errorf("upstream client is required")
	case intake == nil:
		return nil, fmt.Errorf("artifact intake is required")
	case store == nil:
		return nil, fmt.Errorf("catalog is required")
	case imp == nil:
		return nil, fmt.Errorf("importer is required")
	case dispatcher == nil:
		return nil, fmt.Errorf("dispatcher is required")
	case stateSvc == nil:
		return nil, fmt.Errorf("sync state service is required")
	}

	c := &Coordinator{
		upstream:   upstream,
		intake:     intake,
		catalog:    store,
		importer:   imp,
		dispatcher: dispatcher,
		state:      stateSvc,
		downloads:  DefaultDownloadConcurrency,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Trigger submits a sync job and returns it in the queued state. Syncs of the
// same remote into the same target run one at a time. The sync job does not
// reserve the target repository: the import jobs it spawns do.
func (c *Coordinator) Trigger(ctx context.Context, opts Options) (*tasking.Job, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return c.dispatcher.Submit(ctx, tasking.SubmitRequest{
		Name: "sync",
		Keys: []string{tasking.SyncKey(opts.Remote, opts.Target)},
		Fn: func(ctx context.Context, p *tasking.Progress) (any, error) {
			run, err := c.Run(ctx, opts, p)
			if err != nil {
				return nil, err
			}
			return run, nil
		},
	})
}

// Run performs one sync and records its outcome in the sync state. When some
// imports fail the partial Run is returned along with the error.
func (c *Coordinator) Run(ctx context.Context, opts Options, p *tasking.Progress) (*Run, error) {
	if err := opts.validate(); err != nil {
		return nil, &Error{Err: err, Message: err.Error(), Code: CodeInvalidOptions}
	}

	ctx, span := otel.StartSpan(ctx, c.tracer, "sync.Run", trace.WithAttributes(
		otel.AttrRemoteName.String(opts.Remote),
		otel.AttrRepository.String(opts.Target),
	))
	defer span.End()

	key := opts.Key()
	started := c.now()
	if _, err := c.state.UpdateStatusAtomically(ctx, key, func(s *status.SyncStatus) bool {
		s.Phase = status.SyncPhaseSyncing
		s.Message = "Sync in progress"
		s.LastAttempt = &started
		s.AttemptCount++
		s.LastJobID = p.JobID()
		return true
	}); err != nil {
		err = &Error{Err: err, Message: fmt.Sprintf("Failed to update sync state: %v", err), Code: CodeStateFailed}
		otel.RecordError(span, err)
		return nil, err
	}

	slog.InfoContext(ctx, "Starting sync", "remote", opts.Remote, "url", opts.URL, "target", opts.Target)

	run, err := c.run(ctx, opts, p, span)
	c.finish(ctx, opts, run, err)

	outcome := "error"
	if run != nil && run.Outcome != "" {
		outcome = string(run.Outcome)
	}
	c.metrics.RecordSyncDuration(ctx, opts.Remote, outcome, c.now().Sub(started))

	if err != nil {
		otel.RecordError(span, err)
		slog.WarnContext(ctx, "Sync failed", "remote", opts.Remote, "target", opts.Target, "error", err)
		return run, err
	}
	slog.InfoContext(ctx, "Sync finished",
		"remote", opts.Remote,
		"target", opts.Target,
		"outcome", run.Outcome,
		"added", run.Added,
		"duplicate", run.Duplicate,
	)
	return run, nil
}

func (c *Coordinator) run(ctx context.Context, opts Options, p *tasking.Progress, span trace.Span) (*Run, error) {
	enter := func(phase Phase) {
		span.AddEvent(string(phase))
		span.SetAttributes(otel.AttrSyncPhase.String(string(phase)))
		p.Logf("phase: %s", phase)
	}

	enter(PhaseFetchingMetadata)
	fetched, err := c.upstream.FetchCollectionVersions(ctx, sources.FetchRequest{
		BaseURL:               opts.URL,
		Namespaces:            requirements.Namespaces(opts.Requirements),
		SkipNamespaceRefilter: !opts.RefilterNamespace,
	})
	if err != nil {
		code := CodeFetchFailed
		if errors.Is(err, sources.ErrUpstreamUnavailable) {
			code = CodeUpstreamUnavailable
		}
		return nil, &Error{Err: err, Message: fmt.Sprintf("Fetch failed: %v", err), Code: code}
	}
	p.Logf("Fetched %d collection versions from %s in %d pages", len(fetched.Entries), opts.URL, fetched.Pages)
	if fetched.Filtered > 0 {
		p.Logf("Dropped %d collection versions outside the requested namespaces", fetched.Filtered)
	}

	enter(PhaseFiltering)
	selected := make([]sources.CollectionVersionEntry, 0, len(fetched.Entries))
	for _, e := range fetched.Entries {
		if requirements.Select(opts.Requirements, e.Namespace.Name, e.Name, e.Version) {
			selected = append(selected, e)
		}
	}
	p.Logf("%d of %d collection versions match the requirements", len(selected), len(fetched.Entries))

	enter(PhaseDiffing)
	run := &Run{
		Remote:      opts.Remote,
		Target:      opts.Target,
		Fingerprint: Fingerprint(selected, fetched.LastModified, requirements.Hash(opts.Requirements)),
		Jobs:        []string{},
	}

	if opts.Optimize {
		prev, err := c.state.GetSyncStatus(ctx, opts.Key())
		if err != nil && !errors.Is(err, state.ErrStateNotFound) {
			return nil, &Error{Err: err, Message: fmt.Sprintf("Failed to read sync state: %v", err), Code: CodeStateFailed}
		}
		if prev != nil && prev.Fingerprint == run.Fingerprint {
			missing, err := c.missing(ctx, opts.Target, selected)
			if err != nil {
				return nil, err
			}
			if missing == 0 {
				enter(PhaseNoop)
				p.Logf("no-op: %s did not change since last sync", opts.URL)
				run.Outcome = OutcomeNoop
				return run, nil
			}
			p.Logf("%s did not change since last sync but %s is missing %d collection versions", opts.URL, opts.Target, missing)
		}
	}

	pending, err := c.diff(ctx, opts.Target, selected, run, p)
	if err != nil {
		return nil, err
	}

	enter(PhaseImporting)
	if err := c.importAll(ctx, opts, pending, run, p); err != nil {
		return run, err
	}

	enter(PhaseDone)
	if run.Failed > 0 {
		run.Outcome = OutcomeFailed
		return run, &Error{
			Message: fmt.Sprintf("%d of %d collection versions failed to import", run.Failed, len(selected)),
			Code:    CodeImportsFailed,
		}
	}
	run.Outcome = OutcomeCompleted
	return run, nil
}

// diff returns the entries missing from the target. Entries already present with
// the same artifact count as duplicates; entries present with another artifact
// or without a valid digest count as failures.
func (c *Coordinator) diff(
	ctx context.Context, target string, entries []sources.CollectionVersionEntry, run *Run, p *tasking.Progress,
) ([]sources.CollectionVersionEntry, error) {
	pending := make([]sources.CollectionVersionEntry, 0, len(entries))
	for _, e := range entries {
		want, err := entryDigest(e)
		if err != nil {
			p.Logf("Skipping %s %s: %v", e.FullName(), e.Version, err)
			run.Failed++
			continue
		}

		existing, err := c.catalog.GetVersion(ctx, target, e.Namespace.Name, e.Name, e.Version)
		switch {
		case err == nil && existing.ArtifactDigest == want.String():
			run.Duplicate++
		case err == nil:
			p.Logf("Skipping %s %s: %s already holds artifact %s", e.FullName(), e.Version, target, existing.ArtifactDigest)
			run.Failed++
		case errors.Is(err, catalog.ErrNotFound):
			pending = append(pending, e)
		default:
			return nil, fmt.Errorf("failed to look up %s %s: %w", e.FullName(), e.Version, err)
		}
	}
	p.Logf("%d collection versions to import, %d already present", len(pending), run.Duplicate)
	return pending, nil
}

// missing counts the entries the target does not hold with the listed artifact
func (c *Coordinator) missing(ctx context.Context, target string, entries []sources.CollectionVersionEntry) (int, error) {
	n := 0
	for _, e := range entries {
		want, err := entryDigest(e)
		if err != nil {
			n++
			continue
		}
		existing, err := c.catalog.GetVersion(ctx, target, e.Namespace.Name, e.Name, e.Version)
		switch {
		case err == nil && existing.ArtifactDigest == want.String():
		case err == nil || errors.Is(err, catalog.ErrNotFound):
			n++
		default:
			return 0, fmt.Errorf("failed to look up %s %s: %w", e.FullName(), e.Version, err)
		}
	}
	return n, nil
}

// importAll makes every pending artifact available locally, submits one import
// job per artifact and waits for the jobs
func (c *Coordinator) importAll(
	ctx context.Context, opts Options, pending []sources.CollectionVersionEntry, run *Run, p *tasking.Progress,
) error {
	if len(pending) == 0 {
		return nil
	}

	var (
		mu     gosync.Mutex
		failed int
		ids    = make([]string, len(pending))
		group  errgroup.Group
	)
	group.SetLimit(c.downloads)

	for i, e := range pending {
		group.Go(func() error {
			d, err := c.fetchArtifact(ctx, opts.URL, e, p)
			if err != nil {
				p.Logf("Failed to fetch %s %s: %v", e.FullName(), e.Version, err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}

			job, err := c.dispatcher.Submit(ctx, tasking.SubmitRequest{
				Name: "import",
				Keys: []string{tasking.ArtifactKey(d.String()), tasking.RepositoryKey(opts.Target)},
				Fn: c.importer.Job(importer.Request{
					Repository: opts.Target,
					Digest:     d,
					Expect: &importer.Expectation{
						Namespace: e.Namespace.Name,
						Name:      e.Name,
						Version:   e.Version,
					},
				}),
			})
			if err != nil {
				p.Logf("Failed to submit import of %s %s: %v", e.FullName(), e.Version, err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			ids[i] = job.ID
			return nil
		})
	}
	_ = group.Wait()
	run.Failed += failed

	for _, id := range ids {
		if id != "" {
			run.Jobs = append(run.Jobs, id)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(run.Jobs) == 0 {
		return nil
	}

	p.Logf("Waiting for %d import jobs", len(run.Jobs))
	jobs, err := p.Await(ctx, run.Jobs...)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.State != tasking.StateCompleted {
			run.Failed++
			continue
		}
		if res, ok := job.Result.(*importer.Result); ok && res.Created {
			run.Added++
		} else {
			run.Duplicate++
		}
	}
	return nil
}

// fetchArtifact returns the digest of the entry's artifact, downloading and
// verifying it unless the blob store already has it
func (c *Coordinator) fetchArtifact(
	ctx context.Context, baseURL string, e sources.CollectionVersionEntry, p *tasking.Progress,
) (digest.Digest, error) {
	want, err := entryDigest(e)
	if err != nil {
		return "", err
	}

	ref, err := c.intake.Store().Stat(ctx, want)
	if err == nil {
		p.Logf("Reusing stored artifact %s for %s %s", ref.Digest, e.FullName(), e.Version)
		return ref.Digest, nil
	}
	if !errors.Is(err, artifact.ErrNotFound) {
		return "", err
	}

	body, err := c.upstream.Download(ctx, baseURL, e)
	if err != nil {
		return "", err
	}
	defer body.Close()

	ref, _, err = c.intake.Ingest(ctx, &heartbeatReader{r: body, p: p}, map[string]string{string(digest.SHA256): want.Encoded()})
	if err != nil {
		return "", err
	}
	p.Heartbeat()
	return ref.Digest, nil
}

// heartbeatReader renews the job lease whenever bytes arrive
type heartbeatReader struct {
	r io.Reader
	p *tasking.Progress
}

func (h *heartbeatReader) Read(b []byte) (int, error) {
	n, err := h.r.Read(b)
	if n > 0 {
		h.p.Heartbeat()
	}
	return n, err
}

// finish stores the outcome of a run in the sync state. The fingerprint only
// changes when the run succeeded.
func (c *Coordinator) finish(ctx context.Context, opts Options, run *Run, runErr error) {
	ctx = context.WithoutCancel(ctx)
	finished := c.now()
	reqHash := requirements.Hash(opts.Requirements)

	_, err := c.state.UpdateStatusAtomically(ctx, opts.Key(), func(s *status.SyncStatus) bool {
		switch {
		case runErr != nil:
			s.Phase = status.SyncPhaseFailed
			s.Message = runErr.Error()
		case run.Outcome == OutcomeNoop:
			s.Phase = status.SyncPhaseComplete
			s.Message = fmt.Sprintf("no-op: %s did not change since last sync", opts.URL)
			s.LastSyncTime = &finished
			s.AttemptCount = 0
		default:
			s.Phase = status.SyncPhaseComplete
			s.Message = fmt.Sprintf("Sync completed: %d added, %d already present", run.Added, run.Duplicate)
			s.Fingerprint = run.Fingerprint
			s.RequirementsHash = reqHash
			s.LastSyncTime = &finished
			s.AttemptCount = 0
		}
		return true
	})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to update sync state",
			"remote", opts.Remote,
			"target", opts.Target,
			"error", err,
		)
	}
}

func entryDigest(e sources.CollectionVersionEntry) (digest.Digest, error) {
	encoded := strings.ToLower(strings.TrimSpace(e.Artifact.SHA256))
	d := digest.NewDigestFromEncoded(digest.SHA256, encoded)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid sha256 %q: %w", e.Artifact.SHA256, err)
	}
	return d, nil
}
