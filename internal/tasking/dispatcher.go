package tasking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/collection-registry/internal/otel"
	"github.com/stacklok/collection-registry/internal/telemetry"
)

const (
	// DefaultJobTimeout is the time limit applied to a running job
	DefaultJobTimeout = 30 * time.Minute
	// DefaultLeaseTTL is how long a running job may go without a heartbeat
	DefaultLeaseTTL = 5 * time.Minute
	// defaultJobName labels jobs submitted without a name
	defaultJobName = "job"
)

var (
	// ErrShutdown is returned by Submit once the dispatcher is shutting down
	ErrShutdown = errors.New("dispatcher is shut down")
	// ErrInvalidRequest is returned by Submit for an incomplete request
	ErrInvalidRequest = errors.New("invalid job request")

	errJobTimeout   = errors.New("job timed out")
	errLeaseExpired = errors.New("job lease expired")
	errCanceled     = errors.New("job canceled")
)

// Dispatcher runs submitted jobs on a bounded worker pool once they hold all of
// their reservation keys.
type Dispatcher struct {
	mu           sync.Mutex
	cond         *sync.Cond
	entries      map[string]*entry
	reservations *reservations
	readyQ       []*entry
	closed       bool
	// blocked counts jobs waiting in Await; each one lends its slot to a spare worker
	blocked int
	spares  int

	store      JobStore
	workers    int
	jobTimeout time.Duration
	leaseTTL   time.Duration
	metrics    *telemetry.TaskMetrics
	tracer     trace.Tracer
	now        func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	group      errgroup.Group
	reaperStop chan struct{}
	reaperDone chan struct{}
}

type entry struct {
	job          *Job
	fn           Func
	dispatched   bool
	cancel       context.CancelCauseFunc
	done         chan struct{}
	leaseExpires time.Time
}

type outcome struct {
	result any
	err    error
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithWorkers sets the number of concurrently running jobs
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithJobTimeout sets the time limit for running jobs. Zero disables it.
func WithJobTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.jobTimeout = timeout
	}
}

// WithLeaseTTL sets how long a running job may go without a heartbeat. Zero disables leases.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.leaseTTL = ttl
	}
}

// WithJobStore sets where job snapshots are persisted
func WithJobStore(store JobStore) Option {
	return func(d *Dispatcher) {
		d.store = store
	}
}

// WithMetrics sets the task metrics
func WithMetrics(m *telemetry.TaskMetrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer sets the tracer used for job spans
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// NewDispatcher creates a dispatcher and starts its workers
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		entries:      make(map[string]*entry),
		reservations: newReservations(),
		store:        NewMemoryJobStore(),
		workers:      runtime.NumCPU(),
		jobTimeout:   DefaultJobTimeout,
		leaseTTL:     DefaultLeaseTTL,
		now:          func() time.Time { return time.Now().UTC() },
		reaperStop:   make(chan struct{}),
		reaperDone:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	d.baseCtx, d.baseCancel = context.WithCancelCause(context.Background())

	for range d.workers {
		d.group.Go(func() error {
			d.worker(false)
			return nil
		})
	}

	if d.leaseTTL > 0 {
		go d.reaper()
	} else {
		close(d.reaperDone)
	}

	slog.Debug("Job dispatcher started",
		"workers", d.workers,
		"job_timeout", d.jobTimeout,
		"lease_ttl", d.leaseTTL,
	)
	return d
}

// Submit queues a job and returns its snapshot in the queued state. The job runs
// once it is first in line for every one of its keys.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if req.Fn == nil {
		return nil, fmt.Errorf("%w: job body is required", ErrInvalidRequest)
	}
	name := req.Name
	if name == "" {
		name = defaultJobName
	}

	job := &Job{
		ID:        uuid.NewString(),
		Name:      name,
		Keys:      normalizeKeys(req.Keys),
		State:     StateQueued,
		CreatedAt: d.now(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrShutdown
	}

	e := &entry{job: job, fn: req.Fn, done: make(chan struct{})}
	d.entries[job.ID] = e
	d.reservations.enqueue(job.ID, job.Keys)

	if key := d.reservations.conflict(job.ID, job.Keys); key != "" {
		slog.Debug("Job waiting for reservation",
			"job_id", job.ID,
			"job", job.Name,
			"key", key,
			"held_by", d.reservations.holder(key),
		)
	}

	d.persistLocked(ctx, e)
	d.metrics.RecordTransition(ctx, job.Name, string(StateQueued))
	d.metrics.AddWaiting(ctx, 1)
	d.scheduleLocked(job.ID)

	return job.Clone(), nil
}

// Get returns the current snapshot of a job
func (d *Dispatcher) Get(ctx context.Context, id string) (*Job, error) {
	d.mu.Lock()
	if e, ok := d.entries[id]; ok {
		snapshot := e.job.Clone()
		d.mu.Unlock()
		return snapshot, nil
	}
	d.mu.Unlock()

	return d.store.Get(ctx, id)
}

// List returns snapshots of every known job, oldest first
func (d *Dispatcher) List(ctx context.Context) ([]*Job, error) {
	return d.store.List(ctx)
}

// Wait blocks until the job reaches a terminal state or ctx is done
func (d *Dispatcher) Wait(ctx context.Context, id string) (*Job, error) {
	d.mu.Lock()
	e, ok := d.entries[id]
	d.mu.Unlock()

	if ok {
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.store.Get(ctx, id)
}

// Cancel cancels a job. A queued job is canceled immediately. A running job has its
// context canceled and releases its reservations right away. Canceling a finished
// job is a no-op that returns its snapshot.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*Job, error) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()
		return d.store.Get(ctx, id)
	}

	if e.job.State == StateRunning && e.cancel != nil {
		e.cancel(errCanceled)
	}
	d.finishLocked(e, StateCanceled, nil, nil, "canceled by request")
	snapshot := e.job.Clone()
	d.mu.Unlock()

	return snapshot, nil
}

// Shutdown stops accepting jobs, cancels queued jobs and waits for running jobs.
// When ctx is done first, running jobs are canceled and ctx's error is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, e := range d.entries {
		if e.job.State == StateQueued {
			d.finishLocked(e, StateCanceled, nil, nil, "canceled: dispatcher shutting down")
		}
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		d.baseCancel(ErrShutdown)
		<-done
	}

	close(d.reaperStop)
	<-d.reaperDone
	d.baseCancel(ErrShutdown)

	slog.Debug("Job dispatcher stopped")
	return err
}

// scheduleLocked hands the job to the workers once it holds all of its keys
func (d *Dispatcher) scheduleLocked(id string) {
	e, ok := d.entries[id]
	if !ok || d.closed || e.dispatched || e.job.State != StateQueued {
		return
	}
	if !d.reservations.holdsAll(id, e.job.Keys) {
		return
	}
	e.dispatched = true
	d.readyQ = append(d.readyQ, e)
	d.cond.Signal()
}

// worker runs ready jobs until shutdown. A spare worker also exits once the
// job that borrowed it stops waiting.
func (d *Dispatcher) worker(spare bool) {
	for {
		d.mu.Lock()
		for len(d.readyQ) == 0 && !d.closed && !(spare && d.spares > d.blocked) {
			d.cond.Wait()
		}
		if spare && d.spares > d.blocked {
			d.spares--
			d.mu.Unlock()
			return
		}
		if len(d.readyQ) == 0 {
			d.mu.Unlock()
			return
		}
		e := d.readyQ[0]
		d.readyQ = d.readyQ[1:]
		if e.job.State != StateQueued {
			d.mu.Unlock()
			continue
		}

		ctx, stop := d.startLocked(e)
		d.mu.Unlock()

		d.run(ctx, e)
		stop()
	}
}

// startLocked moves the job to running and returns its context
func (d *Dispatcher) startLocked(e *entry) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(d.baseCtx)
	stopTimeout := func() {}
	if d.jobTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, d.jobTimeout, errJobTimeout)
		stopTimeout = cancelTimeout
	}
	e.cancel = cancel

	started := d.now()
	_ = e.job.transition(StateRunning)
	e.job.StartedAt = &started
	e.job.LastHeartbeat = &started
	e.leaseExpires = started.Add(d.leaseTTL)

	d.persistLocked(ctx, e)
	d.metrics.RecordTransition(ctx, e.job.Name, string(StateRunning))
	d.metrics.AddWaiting(ctx, -1)
	slog.Debug("Job started", "job_id", e.job.ID, "job", e.job.Name)

	return ctx, func() {
		stopTimeout()
		cancel(nil)
	}
}

func (d *Dispatcher) run(ctx context.Context, e *entry) {
	ctx, span := otel.StartSpan(ctx, d.tracer, "tasking.RunJob",
		trace.WithAttributes(
			otel.AttrJobID.String(e.job.ID),
			otel.AttrJobName.String(e.job.Name),
		),
	)
	defer span.End()

	progress := &Progress{d: d, id: e.job.ID}
	ctx = contextWithProgress(ctx, progress)
	results := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: fmt.Errorf("job panicked: %v", r)}
			}
		}()
		res, err := e.fn(ctx, progress)
		results <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-results:
	case <-ctx.Done():
		// The body may keep running; its result is discarded
		out.err = ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case out.err == nil:
		d.finishLocked(e, StateCompleted, out.result, nil, "")
	case ctx.Err() != nil:
		d.finishByCauseLocked(e, context.Cause(ctx))
	default:
		d.finishLocked(e, StateFailed, nil, failureFromError(out.err), "")
	}
	otel.RecordError(span, out.err)
}

func (d *Dispatcher) finishByCauseLocked(e *entry, cause error) {
	switch {
	case errors.Is(cause, errJobTimeout):
		d.finishLocked(e, StateFailed, nil, &Failure{
			Code:    CodeJobTimeout,
			Message: fmt.Sprintf("job exceeded its time limit of %s", d.jobTimeout),
		}, "")
	case errors.Is(cause, errLeaseExpired):
		d.finishLocked(e, StateFailed, nil, &Failure{
			Code:    CodeLeaseExpired,
			Message: fmt.Sprintf("job did not renew its lease within %s", d.leaseTTL),
		}, "")
	case errors.Is(cause, ErrShutdown):
		d.finishLocked(e, StateCanceled, nil, nil, "canceled: dispatcher shutting down")
	default:
		d.finishLocked(e, StateCanceled, nil, nil, "canceled by request")
	}
}

// finishLocked moves the job to a terminal state and releases its reservations.
// The first terminal state wins.
func (d *Dispatcher) finishLocked(e *entry, state State, result any, failure *Failure, note string) {
	job := e.job
	from := job.State
	if err := job.transition(state); err != nil {
		return
	}

	finished := d.now()
	job.FinishedAt = &finished
	job.Result = result
	job.Failure = failure
	if note != "" {
		job.Progress = append(job.Progress, ProgressEntry{Time: finished, Message: note})
	}

	heads := d.reservations.remove(job.ID, job.Keys)
	delete(d.entries, job.ID)

	ctx := d.baseCtx
	d.persistLocked(ctx, e)
	close(e.done)

	d.metrics.RecordTransition(ctx, job.Name, string(state))
	if from == StateQueued {
		d.metrics.AddWaiting(ctx, -1)
	} else if job.StartedAt != nil {
		d.metrics.RecordDuration(ctx, job.Name, string(state), finished.Sub(*job.StartedAt))
	}

	attrs := []any{"job_id", job.ID, "job", job.Name, "state", state}
	if failure != nil {
		attrs = append(attrs, "code", failure.Code, "error", failure.Message)
		slog.Warn("Job finished", attrs...)
	} else {
		slog.Debug("Job finished", attrs...)
	}

	for _, id := range heads {
		d.scheduleLocked(id)
	}
}

func (d *Dispatcher) persistLocked(ctx context.Context, e *entry) {
	if err := d.store.Save(context.WithoutCancel(ctx), e.job); err != nil {
		slog.Error("Failed to persist job", "job_id", e.job.ID, "error", err)
	}
}

func (d *Dispatcher) reaper() {
	defer close(d.reaperDone)

	ticker := time.NewTicker(heartbeatInterval(d.leaseTTL))
	defer ticker.Stop()

	for {
		select {
		case <-d.reaperStop:
			return
		case <-ticker.C:
			d.reapExpired()
		}
	}
}

// reapExpired fails running jobs whose lease was not renewed in time
func (d *Dispatcher) reapExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for _, e := range d.entries {
		if e.job.State != StateRunning || now.Before(e.leaseExpires) {
			continue
		}
		slog.Warn("Reclaiming expired job lease", "job_id", e.job.ID, "job", e.job.Name)
		if e.cancel != nil {
			e.cancel(errLeaseExpired)
		}
		d.finishByCauseLocked(e, errLeaseExpired)
	}
}

// await blocks the job id until every job in ids is finished. While it waits the
// job's worker slot is handed to a spare worker and its lease is renewed.
func (d *Dispatcher) await(ctx context.Context, id string, ids []string) ([]*Job, error) {
	d.mu.Lock()
	d.blocked++
	if d.spares < d.blocked && !d.closed {
		d.spares++
		d.group.Go(func() error {
			d.worker(true)
			return nil
		})
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.blocked--
		d.cond.Broadcast()
		d.mu.Unlock()
	}()

	var tick <-chan time.Time
	if d.leaseTTL > 0 {
		ticker := time.NewTicker(heartbeatInterval(d.leaseTTL))
		defer ticker.Stop()
		tick = ticker.C
	}

	out := make([]*Job, 0, len(ids))
	for _, waitID := range ids {
		d.mu.Lock()
		e, ok := d.entries[waitID]
		d.mu.Unlock()

		for ok {
			select {
			case <-e.done:
				ok = false
			case <-tick:
				d.heartbeat(id)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		job, err := d.Get(ctx, waitID)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func heartbeatInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func (d *Dispatcher) heartbeat(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[id]
	if !ok || e.job.State != StateRunning {
		return
	}
	now := d.now()
	e.job.LastHeartbeat = &now
	e.leaseExpires = now.Add(d.leaseTTL)
}

func (d *Dispatcher) appendProgress(id, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[id]
	if !ok || e.job.State != StateRunning {
		return
	}
	now := d.now()
	e.job.Progress = append(e.job.Progress, ProgressEntry{Time: now, Message: message})
	e.job.LastHeartbeat = &now
	e.leaseExpires = now.Add(d.leaseTTL)
	d.persistLocked(d.baseCtx, e)
}

// normalizeKeys drops empty and repeated keys
func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || slices.Contains(out, k) {
			continue
		}
		out = append(out, k)
	}
	return out
}
