package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collectScope collects from the reader and returns the metric names found under the scope
func collectScope(t *testing.T, reader *sdkmetric.ManualReader, scopeName string) []string {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var names []string
	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != scopeName {
			continue
		}
		for _, m := range scope.Metrics {
			names = append(names, m.Name)
		}
	}
	return names
}

func TestMetricsConstructors_NilProvider(t *testing.T) {
	t.Parallel()

	intake, err := NewIntakeMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, intake)

	tasks, err := NewTaskMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, tasks)

	syncMetrics, err := NewSyncMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, syncMetrics)

	catalog, err := NewCatalogMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, catalog)
}

func TestMetrics_NilReceiversAreNoOps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var intake *IntakeMetrics
	var tasks *TaskMetrics
	var syncMetrics *SyncMetrics
	var catalog *CatalogMetrics

	// None of these should panic
	intake.RecordIngest(ctx, "created", 10)
	tasks.RecordTransition(ctx, "import", "running")
	tasks.RecordDuration(ctx, "import", "completed", time.Second)
	tasks.AddWaiting(ctx, 1)
	syncMetrics.RecordSyncDuration(ctx, "galaxy", "imported", time.Second)
	catalog.RecordAnomalies(ctx, "published", 2)
	catalog.RecordVersionAdded(ctx, "published")
}

func TestIntakeMetrics_RecordIngest(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewIntakeMetrics(mp)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	metrics.RecordIngest(context.Background(), "created", 2048)
	metrics.RecordIngest(context.Background(), "duplicate", 2048)

	names := collectScope(t, reader, IntakeMetricsMeterName)
	assert.Contains(t, names, "collreg_artifact_ingests_total")
	assert.Contains(t, names, "collreg_artifact_ingest_bytes")
}

func TestTaskMetrics_Record(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewTaskMetrics(mp)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	ctx := context.Background()
	metrics.RecordTransition(ctx, "import", "running")
	metrics.RecordDuration(ctx, "import", "completed", 250*time.Millisecond)
	metrics.AddWaiting(ctx, 1)
	metrics.AddWaiting(ctx, -1)

	names := collectScope(t, reader, TaskMetricsMeterName)
	assert.Contains(t, names, "collreg_job_transitions_total")
	assert.Contains(t, names, "collreg_job_duration_seconds")
	assert.Contains(t, names, "collreg_jobs_waiting")
}

func TestSyncMetrics_RecordSyncDuration(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewSyncMetrics(mp)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	metrics.RecordSyncDuration(context.Background(), "galaxy", "noop", 2*time.Second)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var found bool
	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != SyncMetricsMeterName {
			continue
		}
		for _, m := range scope.Metrics {
			if m.Name != "collreg_sync_duration_seconds" {
				continue
			}
			found = true
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			require.Len(t, hist.DataPoints, 1)
			assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
			assert.InDelta(t, 2.0, hist.DataPoints[0].Sum, 0.001)
		}
	}
	assert.True(t, found, "expected sync duration histogram")
}

func TestCatalogMetrics_Record(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewCatalogMetrics(mp)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	ctx := context.Background()
	metrics.RecordAnomalies(ctx, "published", 0)
	metrics.RecordAnomalies(ctx, "published", 3)
	metrics.RecordVersionAdded(ctx, "published")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != CatalogMetricsMeterName {
			continue
		}
		for _, m := range scope.Metrics {
			if m.Name != "collreg_integrity_anomalies_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			assert.Equal(t, int64(3), sum.DataPoints[0].Value)
			return
		}
	}
	t.Fatal("expected anomalies counter")
}
