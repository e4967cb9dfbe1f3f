package collections

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/collection-registry/internal/artifact"
	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/config"
	"github.com/stacklok/collection-registry/internal/importer"
	"github.com/stacklok/collection-registry/internal/requirements"
	"github.com/stacklok/collection-registry/internal/service"
	pkgsync "github.com/stacklok/collection-registry/internal/sync"
	"github.com/stacklok/collection-registry/internal/tasking"
)

type recordingTrigger struct {
	calls []pkgsync.Options
	err   error
}

func (r *recordingTrigger) Trigger(_ context.Context, opts pkgsync.Options) (*tasking.Job, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.calls = append(r.calls, opts)
	return &tasking.Job{ID: "sync-job", Name: "sync", State: tasking.StateQueued}, nil
}

type fixture struct {
	svc        service.RegistryService
	catalog    *catalog.MemoryStore
	blobs      *artifact.MemoryStore
	dispatcher *tasking.Dispatcher
	trigger    *recordingTrigger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	blobs := artifact.NewMemoryStore()
	store := catalog.NewMemoryStore()
	imp, err := importer.New(blobs, store)
	require.NoError(t, err)

	dispatcher := tasking.NewDispatcher(tasking.WithWorkers(2))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dispatcher.Shutdown(ctx)
	})

	trigger := &recordingTrigger{}
	remotes := []config.RemoteConfig{{
		Name:         "galaxy",
		URL:          "https://galaxy.example.com",
		Target:       "published",
		Requirements: "collections:\n  - acme.web\n",
	}}

	svc, err := New(
		WithCatalog(store),
		WithIntake(artifact.NewIntake(blobs)),
		WithDispatcher(dispatcher),
		WithImporter(imp),
		WithSync(trigger, remotes),
	)
	require.NoError(t, err)
	return &fixture{svc: svc, catalog: store, blobs: blobs, dispatcher: dispatcher, trigger: trigger}
}

// upload sends a collection artifact and waits for its import job
func (f *fixture) upload(t *testing.T, repo, ns, name, version string) *service.UploadResult {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.Upload(ctx, service.UploadRequest{
		Repository: repo,
		Body:       bytes.NewReader(importer.BuildCollectionArtifact(ns, name, version)),
	})
	require.NoError(t, err)
	job, err := f.dispatcher.Wait(ctx, res.Job.ID)
	require.NoError(t, err)
	require.Equal(t, tasking.StateCompleted, job.State, "failure: %+v", job.Failure)
	return res
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New()
	require.Error(t, err)

	_, err = New(WithCatalog(nil))
	require.Error(t, err)
}

func TestUpload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	data := importer.BuildCollectionArtifact("acme", "web", "1.0.0")
	sum := sha256.Sum256(data)

	res, err := f.svc.Upload(context.Background(), service.UploadRequest{
		Repository: "published",
		Body:       bytes.NewReader(data),
		SHA256:     hex.EncodeToString(sum[:]),
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), res.Artifact.Digest.String())
	assert.Equal(t, "import", res.Job.Name)
	assert.ElementsMatch(t, []string{
		tasking.ArtifactKey(res.Artifact.Digest.String()),
		tasking.RepositoryKey("published"),
	}, res.Job.Keys)

	job, err := f.dispatcher.Wait(context.Background(), res.Job.ID)
	require.NoError(t, err)
	require.Equal(t, tasking.StateCompleted, job.State)

	pv, err := f.svc.GetHighest(context.Background(), "published", "acme", "web")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", pv.Version)

	again, err := f.svc.Upload(context.Background(), service.UploadRequest{
		Repository: "published",
		Body:       bytes.NewReader(data),
	})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
}

func TestUpload_DigestMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.Upload(context.Background(), service.UploadRequest{
		Repository: "published",
		Body:       bytes.NewReader([]byte("tarball")),
		SHA256:     hex.EncodeToString(make([]byte, sha256.Size)),
	})
	require.ErrorIs(t, err, artifact.ErrDigestMismatch)

	jobs, err := f.dispatcher.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Zero(t, f.blobs.Len())
}

func TestUpload_InvalidRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name string
		req  service.UploadRequest
	}{
		{name: "missing repository", req: service.UploadRequest{Body: bytes.NewReader([]byte("x"))}},
		{name: "bad repository", req: service.UploadRequest{Repository: "../etc", Body: bytes.NewReader([]byte("x"))}},
		{name: "missing body", req: service.UploadRequest{Repository: "published"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Upload(context.Background(), tt.req)
			assert.ErrorIs(t, err, service.ErrInvalidRequest)
		})
	}
}

func TestListVersions_Pagination(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, v := range []string{"1.0.0", "1.2.0", "1.10.0", "2.0.0-rc.1", "0.9.0"} {
		f.upload(t, "published", "acme", "web", v)
	}
	ctx := context.Background()

	page, err := f.svc.ListVersions(ctx, "published", "acme", "web")
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, service.DefaultPageSize, page.PageSize)
	require.Len(t, page.Items, 5)

	var got []string
	for _, pv := range page.Items {
		got = append(got, pv.Version)
	}
	assert.Equal(t, []string{"2.0.0-rc.1", "1.10.0", "1.2.0", "1.0.0", "0.9.0"}, got)

	second, err := f.svc.ListVersions(ctx, "published", "acme", "web",
		service.WithPage[service.ListVersionsOptions](2),
		service.WithPageSize[service.ListVersionsOptions](2))
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.Equal(t, "1.2.0", second.Items[0].Version)
	assert.Equal(t, "1.0.0", second.Items[1].Version)

	beyond, err := f.svc.ListVersions(ctx, "published", "acme", "web",
		service.WithPage[service.ListVersionsOptions](9))
	require.NoError(t, err)
	assert.Empty(t, beyond.Items)
	assert.Equal(t, 5, beyond.Total)

	empty, err := f.svc.ListVersions(ctx, "published", "acme", "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Total)
	assert.Equal(t, 1, empty.Page)
	assert.NotNil(t, empty.Items)
	assert.Empty(t, empty.Items)

	_, err = f.svc.ListVersions(ctx, "published", "Acme", "web")
	assert.ErrorIs(t, err, service.ErrInvalidRequest)
}

func TestListCollections(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.upload(t, "published", "acme", "web", "1.0.0")
	f.upload(t, "published", "acme", "web", "1.1.0")
	f.upload(t, "published", "other", "tool", "0.1.0")
	f.upload(t, "staging", "acme", "db", "3.0.0")
	ctx := context.Background()

	all, err := f.svc.ListCollections(ctx, "published")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acme.web", all[0].FullName())
	assert.Equal(t, "1.1.0", all[0].Version)
	assert.Equal(t, "other.tool", all[1].FullName())

	acme, err := f.svc.ListCollections(ctx, "published", service.WithNamespace[service.ListCollectionsOptions]("acme"))
	require.NoError(t, err)
	require.Len(t, acme, 1)

	empty, err := f.svc.ListCollections(ctx, "nothing-here")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestListIndex(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.upload(t, "published", "acme", "web", "1.0.0")
	f.upload(t, "published", "acme", "web", "1.1.0")
	f.upload(t, "published", "other", "tool", "0.1.0")
	ctx := context.Background()

	page, err := f.svc.ListIndex(ctx, "published",
		service.WithNamespace[service.ListIndexOptions]("acme"),
		service.WithPageSize[service.ListIndexOptions](1))
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.True(t, page.HasNext())
	assert.NotEmpty(t, page.LastModified)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "acme", page.Items[0].Version.Namespace)
	require.NotNil(t, page.Items[0].Artifact)
	assert.Positive(t, page.Items[0].Artifact.Size)

	last, err := f.svc.ListIndex(ctx, "published",
		service.WithNamespace[service.ListIndexOptions]("acme"),
		service.WithPage[service.ListIndexOptions](2),
		service.WithPageSize[service.ListIndexOptions](1))
	require.NoError(t, err)
	assert.False(t, last.HasNext())
	require.Len(t, last.Items, 1)

	var digests []string
	for _, item := range append(page.Items, last.Items...) {
		digests = append(digests, item.Artifact.Digest.String())
	}
	assert.Contains(t, digests, first.Artifact.Digest.String())

	empty, err := f.svc.ListIndex(ctx, "staging")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Empty(t, empty.LastModified)
	assert.NotNil(t, empty.Items)
}

func TestGetVersionAndCertify(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.upload(t, "published", "acme", "web", "1.0.0")
	ctx := context.Background()

	pv, err := f.svc.GetVersion(ctx, "published", "acme", "web", "1.0.0")
	require.NoError(t, err)
	assert.False(t, pv.IsCertified)

	pv, err = f.svc.SetCertified(ctx, "published", "acme", "web", "1.0.0", true)
	require.NoError(t, err)
	assert.True(t, pv.IsCertified)

	pv, err = f.svc.GetVersion(ctx, "published", "acme", "web", "1.0.0")
	require.NoError(t, err)
	assert.True(t, pv.IsCertified)

	_, err = f.svc.SetCertified(ctx, "published", "acme", "web", "9.9.9", true)
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	_, err = f.svc.GetVersion(ctx, "published", "acme", "web", "")
	assert.ErrorIs(t, err, service.ErrInvalidRequest)
}

func TestOpenArtifact(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := f.upload(t, "published", "acme", "web", "1.0.0")
	ctx := context.Background()

	rc, ref, err := f.svc.OpenArtifact(ctx, res.Artifact.Digest.String())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, importer.BuildCollectionArtifact("acme", "web", "1.0.0"), data)
	assert.Equal(t, int64(len(data)), ref.Size)

	_, _, err = f.svc.OpenArtifact(ctx, hex.EncodeToString(make([]byte, sha256.Size)))
	assert.ErrorIs(t, err, artifact.ErrNotFound)

	_, _, err = f.svc.OpenArtifact(ctx, "sha256:nothex")
	assert.ErrorIs(t, err, service.ErrInvalidRequest)
}

func TestJobStatusAndCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := f.upload(t, "published", "acme", "web", "1.0.0")
	ctx := context.Background()

	job, err := f.svc.JobStatus(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, tasking.StateCompleted, job.State)
	result, ok := job.Result.(*importer.Result)
	require.True(t, ok)
	assert.True(t, result.Created)

	canceled, err := f.svc.CancelJob(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, tasking.StateCompleted, canceled.State)

	_, err = f.svc.JobStatus(ctx, "missing")
	assert.ErrorIs(t, err, tasking.ErrJobNotFound)
	_, err = f.svc.JobStatus(ctx, "")
	assert.ErrorIs(t, err, service.ErrInvalidRequest)
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()

	override := "collections:\n  - name: acme.db\n    version: \">=2.0.0\"\n"
	badDoc := "collections: {}"
	badConstraint := "collections:\n  - name: acme.db\n    version: \">>nope\"\n"
	off := false

	tests := []struct {
		name     string
		req      service.SyncRequest
		wantErr  error
		validate func(t *testing.T, opts pkgsync.Options)
	}{
		{
			name: "configured remote",
			req:  service.SyncRequest{Remote: "galaxy"},
			validate: func(t *testing.T, opts pkgsync.Options) {
				assert.Equal(t, "published", opts.Target)
				assert.True(t, opts.Optimize)
				require.Len(t, opts.Requirements, 1)
				assert.Equal(t, "acme.web", opts.Requirements[0].Name)
				assert.Equal(t, requirements.AnyVersion, opts.Requirements[0].VersionConstraint)
			},
		},
		{
			name: "overrides",
			req:  service.SyncRequest{Remote: "galaxy", Target: "staging", Requirements: &override, Optimize: &off},
			validate: func(t *testing.T, opts pkgsync.Options) {
				assert.Equal(t, "staging", opts.Target)
				assert.False(t, opts.Optimize)
				require.Len(t, opts.Requirements, 1)
				assert.Equal(t, "acme.db", opts.Requirements[0].Name)
			},
		},
		{name: "unknown remote", req: service.SyncRequest{Remote: "nope"}, wantErr: service.ErrRemoteNotFound},
		{name: "schema violation", req: service.SyncRequest{Remote: "galaxy", Requirements: &badDoc}, wantErr: requirements.ErrSchemaViolation},
		{name: "bad constraint", req: service.SyncRequest{Remote: "galaxy", Requirements: &badConstraint}, wantErr: requirements.ErrSchemaViolation},
		{name: "bad target", req: service.SyncRequest{Remote: "galaxy", Target: "a b"}, wantErr: service.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			job, err := f.svc.TriggerSync(context.Background(), tt.req)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, f.trigger.calls)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "sync-job", job.ID)
			require.Len(t, f.trigger.calls, 1)
			assert.Equal(t, "galaxy", f.trigger.calls[0].Remote)
			tt.validate(t, f.trigger.calls[0])
		})
	}
}

func TestCheckReadiness(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.NoError(t, f.svc.CheckReadiness(context.Background()))
}
