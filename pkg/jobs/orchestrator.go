package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrJobNotFound is returned for ids the orchestrator has never seen.
	ErrJobNotFound = errors.New("job not found")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("orchestrator is closed")
)

// DefaultWorkers is the number of jobs allowed to run at once.
const DefaultWorkers = 2

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Job is a snapshot of one submitted run.
type Job struct {
	ID             string     `json:"job_id"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	Message        string     `json:"message"`
	Error          string     `json:"error,omitempty"`
	CheckpointPath string     `json:"checkpoint_path,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ProgressFunc reports a percentage in [0, 100] with a message.
type ProgressFunc func(percent int, message string)

// Runner is the work behind a job. It returns the checkpoint path it
// produced.
type Runner func(ctx context.Context, progress ProgressFunc) (string, error)

// Recorder persists job transitions and serves jobs no longer in memory.
type Recorder interface {
	Record(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
}

type queued struct {
	id  string
	run Runner
}

// Orchestrator runs jobs on a fixed number of workers. Submissions beyond
// that number wait in a FIFO queue; Submit never waits for a job to run.
type Orchestrator struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    map[string]*Job
	order   []string
	queue   []queued
	closed  bool
	maxJobs int

	wg       sync.WaitGroup
	ctx      context.Context
	recorder Recorder
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder persists every transition through r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithMaxJobs bounds how many finished jobs are kept in memory. Older
// finished jobs remain reachable through the recorder.
func WithMaxJobs(n int) Option {
	return func(o *Orchestrator) { o.maxJobs = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New starts an orchestrator with the given number of workers (DefaultWorkers
// when workers < 1).
func New(workers int, opts ...Option) *Orchestrator {
	if workers < 1 {
		workers = DefaultWorkers
	}
	o := &Orchestrator{
		jobs:    make(map[string]*Job),
		maxJobs: 1000,
		ctx:     context.Background(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	o.cond = sync.NewCond(&o.mu)
	for _, opt := range opts {
		opt(o)
	}

	o.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go o.worker()
	}
	return o
}

// Submit queues run and returns its job id immediately.
func (o *Orchestrator) Submit(run Runner) (string, error) {
	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		Message:   "Queued",
		CreatedAt: time.Now(),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	o.jobs[job.ID] = job
	o.order = append(o.order, job.ID)
	snap := *job
	o.mu.Unlock()

	// The queued record lands before any worker can write a later state.
	o.record(snap)

	o.mu.Lock()
	if o.closed {
		o.failLocked(job, "orchestrator closed before the job started")
		snap = *job
		o.mu.Unlock()
		o.record(snap)
		return job.ID, nil
	}
	o.queue = append(o.queue, queued{id: job.ID, run: run})
	o.cond.Signal()
	o.mu.Unlock()

	o.logger.Info("Job queued", slog.String("job_id", job.ID))
	return job.ID, nil
}

// Status returns a snapshot of the job. Jobs not held in memory are looked
// up through the recorder, if any.
func (o *Orchestrator) Status(ctx context.Context, id string) (Job, error) {
	o.mu.Lock()
	job, ok := o.jobs[id]
	var snap Job
	if ok {
		snap = *job
	}
	o.mu.Unlock()
	if ok {
		return snap, nil
	}
	if o.recorder == nil {
		return Job{}, ErrJobNotFound
	}
	return o.recorder.Get(ctx, id)
}

// List returns snapshots of the jobs held in memory, oldest first.
func (o *Orchestrator) List() []Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Job, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, *o.jobs[id])
	}
	return out
}

// Close stops accepting jobs, fails the ones still queued and waits for the
// running ones to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.wg.Wait()
		return
	}
	o.closed = true
	pending := o.queue
	o.queue = nil
	var snaps []Job
	for _, q := range pending {
		job := o.jobs[q.id]
		o.failLocked(job, "orchestrator closed before the job started")
		snaps = append(snaps, *job)
	}
	o.cond.Broadcast()
	o.mu.Unlock()

	for _, s := range snaps {
		o.record(s)
	}
	o.wg.Wait()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		next := o.queue[0]
		o.queue = o.queue[1:]

		job := o.jobs[next.id]
		now := time.Now()
		job.Status = StatusRunning
		job.Message = "Initializing training..."
		job.StartedAt = &now
		snap := *job
		o.mu.Unlock()

		o.record(snap)
		o.execute(next)
	}
}

// execute runs one job to a terminal state.
func (o *Orchestrator) execute(q queued) {
	logger := o.logger.With(slog.String("job_id", q.id))
	logger.Info("Job started")

	path, err := o.safeRun(q)

	o.mu.Lock()
	job := o.jobs[q.id]
	if err != nil {
		o.failLocked(job, err.Error())
	} else {
		now := time.Now()
		job.Status = StatusSuccess
		job.Progress = 100
		job.CheckpointPath = path
		job.Message = "Completed - Checkpoint: " + path
		job.CompletedAt = &now
	}
	snap := *job
	o.evictLocked()
	o.mu.Unlock()

	o.record(snap)
	if err != nil {
		logger.Error("Job failed", "error", err)
	} else {
		logger.Info("Job completed", slog.String("checkpoint", path))
	}
}

// safeRun turns a panicking runner into an error.
func (o *Orchestrator) safeRun(q queued) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return q.run(context.WithValue(o.ctx, jobIDKey{}, q.id), o.progressFunc(q.id))
}

type jobIDKey struct{}

// IDFromContext returns the id of the job whose runner received ctx.
func IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(jobIDKey{}).(string)
	return id, ok
}

// progressFunc returns the callback a runner uses. Reports are clamped so the
// observed progress never decreases and stays below 100 until success.
func (o *Orchestrator) progressFunc(id string) ProgressFunc {
	return func(percent int, message string) {
		o.mu.Lock()
		defer o.mu.Unlock()
		job, ok := o.jobs[id]
		if !ok || job.Status != StatusRunning {
			return
		}
		job.Progress = max(job.Progress, min(percent, 99))
		job.Message = message
	}
}

func (o *Orchestrator) failLocked(job *Job, msg string) {
	now := time.Now()
	job.Status = StatusError
	job.Error = msg
	job.Message = "Failed: " + msg
	job.CompletedAt = &now
}

// evictLocked drops the oldest finished jobs once more than maxJobs are held.
func (o *Orchestrator) evictLocked() {
	if o.maxJobs <= 0 || len(o.order) <= o.maxJobs {
		return
	}
	excess := len(o.order) - o.maxJobs
	kept := o.order[:0]
	for _, id := range o.order {
		if excess > 0 && o.jobs[id].Status.Terminal() {
			delete(o.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}

func (o *Orchestrator) record(job Job) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.Record(o.ctx, job); err != nil {
		o.logger.Warn("Could not persist job state",
			slog.String("job_id", job.ID), slog.String("status", string(job.Status)), "error", err)
	}
}
