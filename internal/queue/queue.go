// Package queue serializes concurrent synthesis requests into a bounded
// FIFO work queue with exactly one worker. The single worker is what
// enforces the engine adapter's one-caller-at-a-time contract.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alongcar/tts-service/internal/synth"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrOverloaded is returned by Submit when the queue is at capacity.
	ErrOverloaded = errors.New("synthesis queue is full")
	// ErrDraining is returned by Submit once shutdown has begun.
	ErrDraining = errors.New("synthesis queue is draining")
	// ErrCancelled is the terminal error of a cancelled job.
	ErrCancelled = errors.New("job cancelled")
	// ErrAbandoned is the terminal error of a job that outlived the
	// drain grace deadline.
	ErrAbandoned = errors.New("job abandoned during shutdown")
)

// Status is a job's lifecycle state. Every accepted job reaches exactly one
// of the three terminal states.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job tracks one synthesis request from submission to terminal state.
type Job struct {
	ID          string
	Request     synth.Request
	SubmittedAt time.Time

	mu      sync.Mutex
	status  Status
	result  *synth.Audio
	err     error
	discard bool
	done    chan struct{}
}

// Status returns the job's current state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Result returns the job's outcome once it is terminal.
func (j *Job) Result() (*synth.Audio, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// Await blocks until the job reaches a terminal state or ctx expires.
func (j *Job) Await(ctx context.Context) (*synth.Audio, error) {
	select {
	case <-j.done:
		return j.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation. A pending job becomes Cancelled without
// ever reaching the engine. A running job cannot be interrupted; its result
// is computed but discarded.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.status {
	case StatusPending:
		j.status = StatusCancelled
		j.err = ErrCancelled
		close(j.done)
	case StatusRunning:
		j.discard = true
	}
}

// begin moves a pending job to Running, or reports false if it was
// cancelled while queued.
func (j *Job) begin() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusPending {
		return false
	}
	j.status = StatusRunning
	return true
}

// terminate records the outcome exactly once.
func (j *Job) terminate(status Status, result *synth.Audio, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	if j.discard && status == StatusCompleted {
		status, result, err = StatusCancelled, nil, ErrCancelled
	}
	j.status = status
	j.result = result
	j.err = err
	close(j.done)
	return true
}

// Observer is notified after a job reaches a terminal state. elapsed is the
// time the engine spent on the job, zero if it never ran.
type Observer func(job *Job, elapsed time.Duration)

// Queue is the single-consumer work queue in front of the engine adapter.
type Queue struct {
	adapter *synth.Adapter
	log     *slog.Logger

	mu       sync.Mutex
	jobs     chan *Job
	draining bool

	depth      atomic.Int64
	workerDone chan struct{}
	cancel     context.CancelFunc
	observer   atomic.Pointer[Observer]

	jobsTotal metric.Int64Counter
	synthTime metric.Float64Histogram
}

func New(capacity int, adapter *synth.Adapter, log *slog.Logger) *Queue {
	q := &Queue{
		adapter:    adapter,
		log:        log.With(slog.String("component", "synth-queue")),
		jobs:       make(chan *Job, capacity),
		workerDone: make(chan struct{}),
	}
	q.initMetrics()
	return q
}

// SetObserver registers the terminal-state hook (journal, bus mirror).
func (q *Queue) SetObserver(fn Observer) {
	q.observer.Store(&fn)
}

// Depth reports the number of jobs waiting for the worker.
func (q *Queue) Depth() int { return int(q.depth.Load()) }

// Start launches the single worker. No second worker is ever started.
func (q *Queue) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	q.cancel = cancel
	go q.work(ctx)
}

// Submit enqueues a request, failing fast when at capacity or draining.
func (q *Queue) Submit(req synth.Request) (*Job, error) {
	job := &Job{
		ID:          uuid.NewString(),
		Request:     req,
		SubmittedAt: time.Now().UTC(),
		done:        make(chan struct{}),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return nil, ErrDraining
	}
	select {
	case q.jobs <- job:
		q.depth.Add(1)
		return job, nil
	default:
		return nil, ErrOverloaded
	}
}

// Drain stops intake and gives in-flight work up to grace to finish. Jobs
// still unfinished at the deadline are aborted and reported abandoned.
func (q *Queue) Drain(grace time.Duration) {
	q.mu.Lock()
	if !q.draining {
		q.draining = true
		close(q.jobs)
	}
	q.mu.Unlock()

	select {
	case <-q.workerDone:
		return
	case <-time.After(grace):
	}
	q.log.Warn("drain grace deadline exceeded, abandoning remaining jobs",
		slog.Duration("grace", grace))
	q.cancel()
	<-q.workerDone
}

func (q *Queue) work(ctx context.Context) {
	defer close(q.workerDone)
	for job := range q.jobs {
		q.depth.Add(-1)
		q.process(ctx, job)
	}
}

func (q *Queue) process(ctx context.Context, job *Job) {
	if ctx.Err() != nil {
		// Hard stop: never invoke the engine, report the job abandoned.
		job.terminate(StatusFailed, nil, ErrAbandoned)
		q.observe(job, 0)
		return
	}
	if !job.begin() {
		// Cancelled while queued; no engine invocation attributed to it.
		q.observe(job, 0)
		return
	}

	start := time.Now()
	audio, err := q.adapter.Synthesize(ctx, job.Request)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		job.terminate(StatusCompleted, audio, nil)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		job.terminate(StatusFailed, nil, ErrAbandoned)
	default:
		job.terminate(StatusFailed, nil, err)
	}
	q.observe(job, elapsed)
}

func (q *Queue) observe(job *Job, elapsed time.Duration) {
	status := job.Status()
	_, err := job.Result()
	attrs := metric.WithAttributes(attribute.String("status", status.String()))
	if q.jobsTotal != nil {
		q.jobsTotal.Add(context.Background(), 1, attrs)
	}
	if q.synthTime != nil && elapsed > 0 {
		q.synthTime.Record(context.Background(), elapsed.Seconds(), attrs)
	}
	if err != nil && !errors.Is(err, ErrCancelled) {
		q.log.Warn("job finished with error",
			slog.String("job_id", job.ID),
			slog.String("status", status.String()),
			slog.String("error", err.Error()))
	}
	if fn := q.observer.Load(); fn != nil {
		(*fn)(job, elapsed)
	}
}

func (q *Queue) initMetrics() {
	meter := otel.Meter("github.com/alongcar/tts-service/internal/queue")
	var err error
	q.jobsTotal, err = meter.Int64Counter("ttsd.jobs.total",
		metric.WithDescription("Synthesis jobs by terminal status"))
	if err != nil {
		q.log.Warn("failed to create job counter", slog.String("error", err.Error()))
	}
	q.synthTime, err = meter.Float64Histogram("ttsd.synthesis.seconds",
		metric.WithDescription("Engine time per synthesis job"),
		metric.WithUnit("s"))
	if err != nil {
		q.log.Warn("failed to create synthesis histogram", slog.String("error", err.Error()))
	}
	depthGauge, err := meter.Int64ObservableGauge("ttsd.queue.depth",
		metric.WithDescription("Jobs waiting for the synthesis worker"))
	if err != nil {
		q.log.Warn("failed to create depth gauge", slog.String("error", err.Error()))
		return
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depthGauge, q.depth.Load())
		return nil
	}, depthGauge)
	if err != nil {
		q.log.Warn("failed to register depth callback", slog.String("error", err.Error()))
	}
}
