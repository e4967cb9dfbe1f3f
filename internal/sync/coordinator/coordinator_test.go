package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/collection-registry/internal/config"
	"github.com/stacklok/collection-registry/internal/status"
	pkgsync "github.com/stacklok/collection-registry/internal/sync"
	syncmocks "github.com/stacklok/collection-registry/internal/sync/coordinator/mocks"
	statemocks "github.com/stacklok/collection-registry/internal/sync/state/mocks"
	"github.com/stacklok/collection-registry/internal/tasking"
)

func periodicRemote(name string) config.RemoteConfig {
	return config.RemoteConfig{
		Name:         name,
		URL:          "https://galaxy.example.com",
		Target:       "published",
		Requirements: "collections:\n  - acme.web\n",
		SyncPolicy:   &config.SyncPolicyConfig{Interval: "10m"},
	}
}

// applyTo makes UpdateStatusAtomically run the callback against current
func applyTo(current *status.SyncStatus) func(context.Context, status.Key, func(*status.SyncStatus) bool) (bool, error) {
	return func(_ context.Context, _ status.Key, fn func(*status.SyncStatus) bool) (bool, error) {
		return fn(current), nil
	}
}

func TestIsDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-5 * time.Minute)
	old := now.Add(-time.Hour)

	tests := []struct {
		name   string
		status *status.SyncStatus
		want   bool
	}{
		{name: "never attempted", status: &status.SyncStatus{Phase: status.SyncPhaseIdle}, want: true},
		{name: "interval elapsed", status: &status.SyncStatus{Phase: status.SyncPhaseComplete, LastAttempt: &old}, want: true},
		{name: "failed and elapsed", status: &status.SyncStatus{Phase: status.SyncPhaseFailed, LastAttempt: &old}, want: true},
		{name: "too recent", status: &status.SyncStatus{Phase: status.SyncPhaseComplete, LastAttempt: &recent}, want: false},
		{name: "already syncing", status: &status.SyncStatus{Phase: status.SyncPhaseSyncing, LastAttempt: &old}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isDue(tt.status, 10*time.Minute, now))
		})
	}
}

func TestCalculatePollingInterval(t *testing.T) {
	t.Parallel()

	for range 20 {
		d := calculatePollingInterval()
		assert.GreaterOrEqual(t, d, basePollingInterval-pollingJitter)
		assert.Less(t, d, basePollingInterval+pollingJitter)
	}
}

func TestCoordinator_Stop_BeforeStart(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	c := New(syncmocks.NewMockSyncer(ctrl), statemocks.NewMockSyncStateService(ctrl), &config.Config{})
	require.NotNil(t, c)
	assert.NoError(t, c.Stop())
}

func TestTriggerIfDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Minute)

	tests := []struct {
		name       string
		remote     config.RemoteConfig
		current    *status.SyncStatus
		setupSync  func(*syncmocks.MockSyncer)
		wantPhase  status.SyncPhase
		wantMsg    string
		wantAttmpt int
	}{
		{
			name:    "due remote is claimed and triggered",
			remote:  periodicRemote("galaxy"),
			current: &status.SyncStatus{Phase: status.SyncPhaseIdle},
			setupSync: func(m *syncmocks.MockSyncer) {
				m.EXPECT().Trigger(gomock.Any(), gomock.Any()).DoAndReturn(
					func(_ context.Context, opts pkgsync.Options) (*tasking.Job, error) {
						assert.Equal(t, "galaxy", opts.Remote)
						assert.Equal(t, "published", opts.Target)
						assert.True(t, opts.Optimize)
						assert.True(t, opts.RefilterNamespace)
						require.Len(t, opts.Requirements, 1)
						assert.Equal(t, "acme.web", opts.Requirements[0].Name)
						return &tasking.Job{ID: "job-1", State: tasking.StateQueued}, nil
					})
			},
			wantPhase: status.SyncPhaseSyncing,
			wantMsg:   "Sync queued",
		},
		{
			name:      "recent attempt is left alone",
			remote:    periodicRemote("galaxy"),
			current:   &status.SyncStatus{Phase: status.SyncPhaseComplete, LastAttempt: &recent, Message: "done"},
			setupSync: func(*syncmocks.MockSyncer) {},
			wantPhase: status.SyncPhaseComplete,
			wantMsg:   "done",
		},
		{
			name:    "trigger failure releases the claim",
			remote:  periodicRemote("galaxy"),
			current: &status.SyncStatus{Phase: status.SyncPhaseIdle},
			setupSync: func(m *syncmocks.MockSyncer) {
				m.EXPECT().Trigger(gomock.Any(), gomock.Any()).Return(nil, tasking.ErrShutdown)
			},
			wantPhase:  status.SyncPhaseFailed,
			wantMsg:    "Failed to trigger sync: " + tasking.ErrShutdown.Error(),
			wantAttmpt: 1,
		},
		{
			name: "bad requirements never reach the dispatcher",
			remote: func() config.RemoteConfig {
				r := periodicRemote("galaxy")
				r.Requirements = "collections: [[["
				return r
			}(),
			current:    &status.SyncStatus{Phase: status.SyncPhaseIdle},
			setupSync:  func(*syncmocks.MockSyncer) {},
			wantPhase:  status.SyncPhaseFailed,
			wantAttmpt: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			syncer := syncmocks.NewMockSyncer(ctrl)
			stateSvc := statemocks.NewMockSyncStateService(ctrl)
			tt.setupSync(syncer)

			key := status.Key{Remote: tt.remote.Name, Target: tt.remote.Target}
			stateSvc.EXPECT().UpdateStatusAtomically(gomock.Any(), key, gomock.Any()).
				DoAndReturn(applyTo(tt.current)).MinTimes(1)

			c := New(syncer, stateSvc, &config.Config{Remotes: []config.RemoteConfig{tt.remote}}).(*defaultCoordinator)
			c.now = func() time.Time { return now }

			c.triggerIfDue(context.Background(), &c.config.Remotes[0])

			assert.Equal(t, tt.wantPhase, tt.current.Phase)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, tt.current.Message)
			}
			assert.Equal(t, tt.wantAttmpt, tt.current.AttemptCount)
		})
	}
}

func TestStart_TriggersPeriodicRemotesOnly(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	syncer := syncmocks.NewMockSyncer(ctrl)
	stateSvc := statemocks.NewMockSyncStateService(ctrl)

	manual := periodicRemote("manual")
	manual.Target = "staging"
	manual.SyncPolicy = nil
	cfg := &config.Config{Remotes: []config.RemoteConfig{periodicRemote("galaxy"), manual}}

	stateSvc.EXPECT().Initialize(gomock.Any(), []status.Key{
		{Remote: "galaxy", Target: "published"},
		{Remote: "manual", Target: "staging"},
	}).Return(nil)
	stateSvc.EXPECT().UpdateStatusAtomically(gomock.Any(), status.Key{Remote: "galaxy", Target: "published"}, gomock.Any()).
		DoAndReturn(applyTo(&status.SyncStatus{Phase: status.SyncPhaseIdle}))

	triggered := make(chan struct{})
	syncer.EXPECT().Trigger(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, opts pkgsync.Options) (*tasking.Job, error) {
			assert.Equal(t, "galaxy", opts.Remote)
			close(triggered)
			return &tasking.Job{ID: "job-1"}, nil
		})

	c := New(syncer, stateSvc, cfg, WithPollingInterval(time.Hour))
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	select {
	case <-triggered:
	case <-time.After(5 * time.Second):
		t.Fatal("periodic remote was not triggered")
	}

	require.NoError(t, c.Stop())
	require.NoError(t, <-errCh)
}

func TestStart_InitializeFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	stateSvc := statemocks.NewMockSyncStateService(ctrl)
	stateSvc.EXPECT().Initialize(gomock.Any(), gomock.Any()).Return(errors.New("database down"))

	c := New(syncmocks.NewMockSyncer(ctrl), stateSvc, &config.Config{Remotes: []config.RemoteConfig{periodicRemote("galaxy")}})
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database down")
}
