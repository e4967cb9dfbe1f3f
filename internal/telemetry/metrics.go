package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// IntakeMetricsMeterName is the name used for the artifact intake meter
	IntakeMetricsMeterName = "github.com/stacklok/collection-registry/intake"

	// TaskMetricsMeterName is the name used for the job dispatcher meter
	TaskMetricsMeterName = "github.com/stacklok/collection-registry/tasks"

	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/stacklok/collection-registry/sync"

	// CatalogMetricsMeterName is the name used for the catalog meter
	CatalogMetricsMeterName = "github.com/stacklok/collection-registry/catalog"
)

// IntakeMetrics holds the OpenTelemetry instruments for artifact intake
type IntakeMetrics struct {
	ingests    metric.Int64Counter
	ingestSize metric.Int64Histogram
}

// NewIntakeMetrics creates a new IntakeMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewIntakeMetrics(provider metric.MeterProvider) (*IntakeMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(IntakeMetricsMeterName)

	ingests, err := meter.Int64Counter(
		"collreg_artifact_ingests_total",
		metric.WithDescription("Number of artifact ingests by outcome"),
		metric.WithUnit("{ingest}"),
	)
	if err != nil {
		return nil, err
	}

	ingestSize, err := meter.Int64Histogram(
		"collreg_artifact_ingest_bytes",
		metric.WithDescription("Size of ingested artifacts"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1<<10, 1<<14, 1<<17, 1<<20, 1<<23, 1<<26, 1<<29),
	)
	if err != nil {
		return nil, err
	}

	return &IntakeMetrics{
		ingests:    ingests,
		ingestSize: ingestSize,
	}, nil
}

// RecordIngest records a single ingest attempt and its outcome
// ("created", "duplicate", "mismatch", "error").
func (m *IntakeMetrics) RecordIngest(ctx context.Context, outcome string, size int64) {
	if m == nil || m.ingests == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ingests.Add(ctx, 1, attrs)
	if size > 0 && m.ingestSize != nil {
		m.ingestSize.Record(ctx, size, attrs)
	}
}

// TaskMetrics holds the OpenTelemetry instruments for background jobs
type TaskMetrics struct {
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
	queued      metric.Int64UpDownCounter
}

// NewTaskMetrics creates a new TaskMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewTaskMetrics(provider metric.MeterProvider) (*TaskMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(TaskMetricsMeterName)

	transitions, err := meter.Int64Counter(
		"collreg_job_transitions_total",
		metric.WithDescription("Number of job state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"collreg_job_duration_seconds",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 1800),
	)
	if err != nil {
		return nil, err
	}

	queued, err := meter.Int64UpDownCounter(
		"collreg_jobs_waiting",
		metric.WithDescription("Number of jobs waiting for their reservations"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	return &TaskMetrics{
		transitions: transitions,
		duration:    duration,
		queued:      queued,
	}, nil
}

// RecordTransition records a job moving into the given state
func (m *TaskMetrics) RecordTransition(ctx context.Context, jobName, state string) {
	if m == nil || m.transitions == nil {
		return
	}

	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", jobName),
		attribute.String("state", state),
	))
}

// RecordDuration records how long a job body ran before reaching a terminal state
func (m *TaskMetrics) RecordDuration(ctx context.Context, jobName, state string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}

	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("job", jobName),
		attribute.String("state", state),
	))
}

// AddWaiting adjusts the number of jobs waiting for reservations
func (m *TaskMetrics) AddWaiting(ctx context.Context, delta int64) {
	if m == nil || m.queued == nil {
		return
	}
	m.queued.Add(ctx, delta)
}

// SyncMetrics holds the OpenTelemetry instruments for sync operation metrics
type SyncMetrics struct {
	syncDuration metric.Float64Histogram
	syncRuns     metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"collreg_sync_duration_seconds",
		metric.WithDescription("Duration of sync operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	syncRuns, err := meter.Int64Counter(
		"collreg_sync_runs_total",
		metric.WithDescription("Number of sync runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration: syncDuration,
		syncRuns:     syncRuns,
	}, nil
}

// RecordSyncDuration records the duration and outcome of a sync from a remote
func (m *SyncMetrics) RecordSyncDuration(ctx context.Context, remote, outcome string, duration time.Duration) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("remote", remote),
		attribute.String("outcome", outcome),
	)

	m.syncDuration.Record(ctx, duration.Seconds(), attrs)
	if m.syncRuns != nil {
		m.syncRuns.Add(ctx, 1, attrs)
	}
}

// CatalogMetrics holds the OpenTelemetry instruments for the package catalog
type CatalogMetrics struct {
	anomalies metric.Int64Counter
	versions  metric.Int64Counter
}

// NewCatalogMetrics creates a new CatalogMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewCatalogMetrics(provider metric.MeterProvider) (*CatalogMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(CatalogMetricsMeterName)

	anomalies, err := meter.Int64Counter(
		"collreg_integrity_anomalies_total",
		metric.WithDescription("Number of duplicate package versions detected while resolving the highest version"),
		metric.WithUnit("{anomaly}"),
	)
	if err != nil {
		return nil, err
	}

	versions, err := meter.Int64Counter(
		"collreg_versions_added_total",
		metric.WithDescription("Number of package versions committed to the catalog"),
		metric.WithUnit("{version}"),
	)
	if err != nil {
		return nil, err
	}

	return &CatalogMetrics{
		anomalies: anomalies,
		versions:  versions,
	}, nil
}

// RecordAnomalies records integrity anomalies found for a package
func (m *CatalogMetrics) RecordAnomalies(ctx context.Context, repository string, count int) {
	if m == nil || m.anomalies == nil || count == 0 {
		return
	}
	m.anomalies.Add(ctx, int64(count), metric.WithAttributes(attribute.String("repository", repository)))
}

// RecordVersionAdded records a newly committed package version
func (m *CatalogMetrics) RecordVersionAdded(ctx context.Context, repository string) {
	if m == nil || m.versions == nil {
		return
	}
	m.versions.Add(ctx, 1, metric.WithAttributes(attribute.String("repository", repository)))
}
