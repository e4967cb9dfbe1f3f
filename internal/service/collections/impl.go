// Package collections provides the implementation of the RegistryService interface
// over a catalog store, an artifact intake and a job dispatcher
package collections

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/collection-registry/internal/artifact"
	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/config"
	"github.com/stacklok/collection-registry/internal/importer"
	"github.com/stacklok/collection-registry/internal/otel"
	"github.com/stacklok/collection-registry/internal/service"
	pkgsync "github.com/stacklok/collection-registry/internal/sync"
	"github.com/stacklok/collection-registry/internal/tasking"
)

// SyncTrigger submits sync jobs
type SyncTrigger interface {
	Trigger(ctx context.Context, opts pkgsync.Options) (*tasking.Job, error)
}

// options holds configuration options for the collection service
type options struct {
	catalog    catalog.Store
	intake     *artifact.Intake
	dispatcher *tasking.Dispatcher
	importer   *importer.Importer
	syncer     SyncTrigger
	remotes    []config.RemoteConfig
	tracer     trace.Tracer
}

// Option is a functional option for configuring the collection service
type Option func(*options) error

// WithCatalog sets the catalog store
func WithCatalog(store catalog.Store) Option {
	return func(o *options) error {
		if store == nil {
			return fmt.Errorf("catalog is required")
		}
		o.catalog = store
		return nil
	}
}

// WithIntake sets the artifact intake
func WithIntake(intake *artifact.Intake) Option {
	return func(o *options) error {
		if intake == nil {
			return fmt.Errorf("artifact intake is required")
		}
		o.intake = intake
		return nil
	}
}

// WithDispatcher sets the job dispatcher
func WithDispatcher(d *tasking.Dispatcher) Option {
	return func(o *options) error {
		if d == nil {
			return fmt.Errorf("dispatcher is required")
		}
		o.dispatcher = d
		return nil
	}
}

// WithImporter sets the importer used by upload import jobs
func WithImporter(imp *importer.Importer) Option {
	return func(o *options) error {
		if imp == nil {
			return fmt.Errorf("importer is required")
		}
		o.importer = imp
		return nil
	}
}

// WithSync enables TriggerSync for the given remotes
func WithSync(syncer SyncTrigger, remotes []config.RemoteConfig) Option {
	return func(o *options) error {
		if syncer == nil {
			return fmt.Errorf("sync trigger is required")
		}
		o.syncer = syncer
		o.remotes = remotes
		return nil
	}
}

// WithTracer sets the OpenTelemetry tracer for the service.
// If not set, tracing will be disabled (no-op).
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) error {
		o.tracer = tracer
		return nil
	}
}

// regSvc implements the RegistryService interface
type regSvc struct {
	options
}

var _ service.RegistryService = (*regSvc)(nil)

// New creates a collection registry service
func New(opts ...Option) (service.RegistryService, error) {
	s := &regSvc{}
	for _, opt := range opts {
		if err := opt(&s.options); err != nil {
			return nil, err
		}
	}
	switch {
	case s.catalog == nil:
		return nil, fmt.Errorf("catalog is required")
	case s.intake == nil:
		return nil, fmt.Errorf("artifact intake is required")
	case s.dispatcher == nil:
		return nil, fmt.Errorf("dispatcher is required")
	case s.importer == nil:
		return nil, fmt.Errorf("importer is required")
	}
	return s, nil
}

// CheckReadiness implements RegistryService
func (s *regSvc) CheckReadiness(ctx context.Context) error {
	if err := s.catalog.Ping(ctx); err != nil {
		return fmt.Errorf("catalog not ready: %w", err)
	}
	return nil
}

// Upload implements RegistryService. Digest failures are returned before any job
// is created; manifest problems surface as a failed import job.
func (s *regSvc) Upload(ctx context.Context, req service.UploadRequest) (*service.UploadResult, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "service.Upload",
		trace.WithAttributes(otel.AttrRepository.String(req.Repository)))
	defer span.End()

	if err := validateRepository(req.Repository); err != nil {
		return nil, err
	}
	if req.Body == nil {
		return nil, fmt.Errorf("%w: artifact body is required", service.ErrInvalidRequest)
	}

	var expected map[string]string
	if req.SHA256 != "" {
		expected = map[string]string{string(artifact.Canonical): req.SHA256}
	}

	ref, outcome, err := s.intake.Ingest(ctx, req.Body, expected)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(otel.AttrArtifactDigest.String(ref.Digest.String()))

	job, err := s.dispatcher.Submit(ctx, tasking.SubmitRequest{
		Name: "import",
		Keys: []string{tasking.ArtifactKey(ref.Digest.String()), tasking.RepositoryKey(req.Repository)},
		Fn:   s.importer.Job(importer.Request{Repository: req.Repository, Digest: ref.Digest}),
	})
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to submit import job: %w", err)
	}

	slog.InfoContext(ctx, "Accepted artifact upload",
		"repository", req.Repository,
		"digest", ref.Digest,
		"outcome", outcome,
		"job_id", job.ID,
	)
	return &service.UploadResult{
		Artifact:  ref,
		Duplicate: outcome == artifact.OutcomeDuplicate,
		Job:       job,
	}, nil
}

// ListCollections implements RegistryService
func (s *regSvc) ListCollections(
	ctx context.Context, repository string, opts ...service.Option[service.ListCollectionsOptions],
) ([]*catalog.PackageVersion, error) {
	var o service.ListCollectionsOptions
	if err := applyOptions(&o, opts); err != nil {
		return nil, err
	}
	if err := validateRepository(repository); err != nil {
		return nil, err
	}

	all, err := s.catalog.ListRepository(ctx, repository, o.Namespace)
	if err != nil {
		return nil, err
	}
	out := make([]*catalog.PackageVersion, 0)
	for _, pv := range all {
		if pv.IsHighest {
			out = append(out, pv)
		}
	}
	return out, nil
}

// ListVersions implements RegistryService
func (s *regSvc) ListVersions(
	ctx context.Context, repository, namespace, name string, opts ...service.Option[service.ListVersionsOptions],
) (*service.VersionPage, error) {
	o := service.ListVersionsOptions{Page: 1, PageSize: service.DefaultPageSize}
	if err := applyOptions(&o, opts); err != nil {
		return nil, err
	}
	if err := validateCollection(repository, namespace, name); err != nil {
		return nil, err
	}

	ctx, span := otel.StartSpan(ctx, s.tracer, "service.ListVersions", trace.WithAttributes(
		otel.AttrRepository.String(repository),
		otel.AttrCollectionName.String(namespace+"."+name),
		otel.AttrPageSize.Int(o.PageSize),
	))
	defer span.End()

	all, err := s.catalog.ListVersions(ctx, repository, namespace, name)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	items := paginate(all, o.Page, o.PageSize)
	span.SetAttributes(otel.AttrResultCount.Int(len(items)))
	return &service.VersionPage{
		Total:    len(all),
		Page:     o.Page,
		PageSize: o.PageSize,
		Items:    items,
	}, nil
}

// ListIndex implements RegistryService
func (s *regSvc) ListIndex(
	ctx context.Context, repository string, opts ...service.Option[service.ListIndexOptions],
) (*service.IndexPage, error) {
	o := service.ListIndexOptions{Page: 1, PageSize: service.DefaultPageSize}
	if err := applyOptions(&o, opts); err != nil {
		return nil, err
	}
	if err := validateRepository(repository); err != nil {
		return nil, err
	}

	all, err := s.catalog.ListRepository(ctx, repository, o.Namespace)
	if err != nil {
		return nil, err
	}

	var newest time.Time
	for _, pv := range all {
		if pv.CreatedAt.After(newest) {
			newest = pv.CreatedAt
		}
	}

	page := &service.IndexPage{
		Total:    len(all),
		Page:     o.Page,
		PageSize: o.PageSize,
		Items:    []service.IndexItem{},
	}
	if !newest.IsZero() {
		page.LastModified = newest.UTC().Format(time.RFC3339Nano)
	}

	for _, pv := range paginate(all, o.Page, o.PageSize) {
		d, err := artifact.ParseDigest(pv.ArtifactDigest)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %s %s has a bad digest: %w", pv.FullName(), pv.Version, err)
		}
		ref, err := s.intake.Store().Stat(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("artifact of %s %s: %w", pv.FullName(), pv.Version, err)
		}
		page.Items = append(page.Items, service.IndexItem{Version: pv, Artifact: ref})
	}
	return page, nil
}

// GetHighest implements RegistryService
func (s *regSvc) GetHighest(ctx context.Context, repository, namespace, name string) (*catalog.PackageVersion, error) {
	if err := validateCollection(repository, namespace, name); err != nil {
		return nil, err
	}
	return s.catalog.Highest(ctx, repository, namespace, name)
}

// GetVersion implements RegistryService
func (s *regSvc) GetVersion(ctx context.Context, repository, namespace, name, version string) (*catalog.PackageVersion, error) {
	if err := validateCollection(repository, namespace, name); err != nil {
		return nil, err
	}
	if version == "" {
		return nil, fmt.Errorf("%w: version is required", service.ErrInvalidRequest)
	}
	return s.catalog.GetVersion(ctx, repository, namespace, name, version)
}

// SetCertified implements RegistryService
func (s *regSvc) SetCertified(
	ctx context.Context, repository, namespace, name, version string, certified bool,
) (*catalog.PackageVersion, error) {
	if err := validateCollection(repository, namespace, name); err != nil {
		return nil, err
	}
	pv, err := s.catalog.SetCertified(ctx, repository, namespace, name, version, certified)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Updated certification",
		"repository", repository,
		"collection", pv.FullName(),
		"version", version,
		"certified", certified,
	)
	return pv, nil
}

// OpenArtifact implements RegistryService
func (s *regSvc) OpenArtifact(ctx context.Context, digest string) (io.ReadCloser, *artifact.Ref, error) {
	d, err := artifact.ParseDigest(digest)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err)
	}
	ref, err := s.intake.Store().Stat(ctx, d)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.intake.Store().Open(ctx, d)
	if err != nil {
		return nil, nil, err
	}
	return rc, ref, nil
}

// JobStatus implements RegistryService
func (s *regSvc) JobStatus(ctx context.Context, id string) (*tasking.Job, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: job id is required", service.ErrInvalidRequest)
	}
	return s.dispatcher.Get(ctx, id)
}

// CancelJob implements RegistryService
func (s *regSvc) CancelJob(ctx context.Context, id string) (*tasking.Job, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: job id is required", service.ErrInvalidRequest)
	}
	return s.dispatcher.Cancel(ctx, id)
}

// TriggerSync implements RegistryService. The requirements are parsed before
// the job is submitted, so a bad document is reported to the caller.
func (s *regSvc) TriggerSync(ctx context.Context, req service.SyncRequest) (*tasking.Job, error) {
	if s.syncer == nil {
		return nil, fmt.Errorf("%w: sync is not configured", service.ErrRemoteNotFound)
	}
	remote := s.remote(req.Remote)
	if remote == nil {
		return nil, fmt.Errorf("%w: %s", service.ErrRemoteNotFound, req.Remote)
	}

	opts, err := pkgsync.RemoteOptions(remote)
	if err != nil && req.Requirements == nil {
		return nil, err
	}
	if req.Requirements != nil {
		// the remote's own document is replaced, so only this one has to parse
		reqs, err := pkgsync.ParseRequirements(*req.Requirements)
		if err != nil {
			return nil, err
		}
		opts = pkgsync.Options{
			Remote:            remote.Name,
			URL:               remote.URL,
			Target:            remote.Target,
			Requirements:      reqs,
			Optimize:          remote.GetOptimize(),
			RefilterNamespace: remote.GetRefilterNamespace(),
		}
	}
	if req.Target != "" {
		if err := validateRepository(req.Target); err != nil {
			return nil, err
		}
		opts.Target = req.Target
	}
	if req.Optimize != nil {
		opts.Optimize = *req.Optimize
	}

	job, err := s.syncer.Trigger(ctx, opts)
	if err != nil {
		if errors.Is(err, pkgsync.ErrInvalidOptions) {
			return nil, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err)
		}
		return nil, err
	}
	slog.InfoContext(ctx, "Triggered sync",
		"remote", opts.Remote,
		"target", opts.Target,
		"requirements", len(opts.Requirements),
		"job_id", job.ID,
	)
	return job, nil
}

func (s *regSvc) remote(name string) *config.RemoteConfig {
	for i := range s.remotes {
		if s.remotes[i].Name == name {
			return &s.remotes[i]
		}
	}
	return nil
}

func applyOptions[T service.ListCollectionsOptions | service.ListVersionsOptions | service.ListIndexOptions](
	o *T, opts []service.Option[T],
) error {
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return err
		}
	}
	return nil
}

// paginate returns the 1-based page of items
func paginate[T any](items []T, page, size int) []T {
	start := (page - 1) * size
	if start >= len(items) {
		return []T{}
	}
	end := min(start+size, len(items))
	return items[start:end]
}
