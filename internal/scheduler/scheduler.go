// Package scheduler runs prioritized, retryable jobs on a fixed worker pool.
//
// One Scheduler serves both webhook-triggered dispatch and background polling.
// All queue and active-set mutations happen under a single mutex; idle workers
// park on a condition variable and wake as soon as a job is enqueued.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"inbound-automation/internal/logger"
	"inbound-automation/internal/telemetry"
)

// Handler executes one job payload.
type Handler func(ctx context.Context, payload Payload) error

// BatchHandler executes coalesced payloads of one job type. They succeed or fail together.
type BatchHandler func(ctx context.Context, payloads []Payload) error

// FailureRecorder persists jobs that will never run again.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, job Job, cause error) error
}

// Options tunes a Scheduler. Zero values fall back to defaults.
type Options struct {
	Concurrency    int
	DefaultTimeout time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	MaxRetryDelay  time.Duration
	BatchSize      int
	MaxJobAge      time.Duration
	SweepInterval  time.Duration
	NodeID         int64
	HistoryLimit   int
	Recorders      []FailureRecorder

	// Observer sees every state transition. It runs under the scheduler lock
	// and must not call back into the Scheduler.
	Observer func(job Job, from, to State)
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 1000
	}
	return o
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued            int    `json:"queued"`
	Active            int    `json:"active"`
	Retrying          int    `json:"retrying"`
	Completed         uint64 `json:"completed"`
	FailedPermanently uint64 `json:"failed_permanently"`
	Discarded         uint64 `json:"discarded"`
}

type activeJob struct {
	job    Job
	cancel context.CancelFunc
}

type retryingJob struct {
	job   Job
	timer *time.Timer
}

// Scheduler is a priority queue with a bounded worker pool. Construct one per process.
type Scheduler struct {
	opts Options
	node *snowflake.Node

	mu       sync.Mutex
	cond     *sync.Cond
	queue    jobHeap
	queued   map[JobID]*entry
	active   map[JobID]*activeJob
	retrying map[JobID]*retryingJob
	history  map[JobID]Job
	order    []JobID
	handlers map[string]Handler
	batch    map[string]BatchHandler
	seq      uint64
	started  bool
	closed   bool
	done     chan struct{}
	counts   Stats

	wg sync.WaitGroup
}

// New builds a stopped scheduler. Jobs may be enqueued before Start.
func New(opts Options) (*Scheduler, error) {
	opts = opts.withDefaults()
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", opts.NodeID, err)
	}
	s := &Scheduler{
		opts:     opts,
		node:     node,
		queued:   make(map[JobID]*entry),
		active:   make(map[JobID]*activeJob),
		retrying: make(map[JobID]*retryingJob),
		history:  make(map[JobID]Job),
		handlers: make(map[string]Handler),
		batch:    make(map[string]BatchHandler),
		done:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// RegisterHandler binds a handler to a job type.
func (s *Scheduler) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// RegisterBatchHandler binds a handler that receives up to BatchSize coalesced payloads.
func (s *Scheduler) RegisterBatchHandler(jobType string, handler BatchHandler) {
	if jobType == "" || handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch[jobType] = handler
}

// Enqueue inserts job in priority order and returns at once.
// Missing Type, MaxAttempts, Timeout, CreatedAt and CorrelationID are filled in.
func (s *Scheduler) Enqueue(job Job) JobID {
	if job.Type == "" && job.Payload != nil {
		job.Type = job.Payload.JobType()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.opts.MaxAttempts
	}
	if job.Timeout <= 0 {
		job.Timeout = s.opts.DefaultTimeout
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.ID = JobID(s.node.Generate().Int64())
	if job.CorrelationID == "" {
		job.CorrelationID = strconv.FormatInt(int64(job.ID), 10)
	}
	job.Attempts = 0
	job.State = ""
	job.LastError = ""

	s.mu.Lock()
	s.pushLocked(job)
	s.mu.Unlock()

	telemetry.JobsEnqueued.WithLabelValues(job.Type).Inc()
	return job.ID
}

// Start launches the workers and the stale sweep. Cancelling ctx stops the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.opts.Concurrency; i++ {
		s.wg.Add(1)
		go s.work(ctx)
	}
	s.wg.Add(1)
	go s.sweepLoop()

	go func() {
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-s.done:
		}
	}()

	slog.Info("scheduler started",
		"concurrency", s.opts.Concurrency,
		"default_timeout", s.opts.DefaultTimeout,
		"max_attempts", s.opts.MaxAttempts,
		"retry_delay", s.opts.RetryDelay,
		"batch_size", s.opts.BatchSize)
}

// Stop refuses further execution and waits for running handlers to return.
// Jobs still queued or waiting for a retry are dropped with the process.
func (s *Scheduler) Stop() {
	s.shutdown()
	s.wg.Wait()
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, r := range s.retrying {
		if r.timer != nil {
			r.timer.Stop()
		}
	}
	close(s.done)
	s.cond.Broadcast()
	if len(s.queue) > 0 || len(s.retrying) > 0 {
		slog.Warn("scheduler stopped with pending jobs", "queued", len(s.queue), "retrying", len(s.retrying))
	}
}

// Lookup returns the latest known state of a job.
func (s *Scheduler) Lookup(id JobID) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.queued[id]; ok {
		return e.job, true
	}
	if a, ok := s.active[id]; ok {
		return a.job, true
	}
	if r, ok := s.retrying[id]; ok {
		return r.job, true
	}
	job, ok := s.history[id]
	return job, ok
}

// Stats returns queue sizes and terminal counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.counts
	st.Queued = len(s.queue)
	st.Active = len(s.active)
	st.Retrying = len(s.retrying)
	return st
}

func (s *Scheduler) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		jobs, jobCtx, cancel, ok := s.next(ctx)
		if !ok {
			return
		}
		err := s.execute(jobCtx, jobs)
		cancel()
		s.finish(jobs, err)
	}
}

// next blocks until a job is available and moves it, plus any coalesced
// batch members, from the queue to the active set.
func (s *Scheduler) next(ctx context.Context) ([]Job, context.Context, context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil, nil, nil, false
	}

	first := heap.Pop(&s.queue).(*entry)
	picked := []*entry{first}
	if _, ok := s.batch[first.job.Type]; ok && s.opts.BatchSize > 1 {
		picked = append(picked, s.takeSameTypeLocked(first.job.Type, s.opts.BatchSize-1)...)
	}

	jobCtx, cancel := context.WithTimeout(ctx, first.job.Timeout)
	now := time.Now()
	jobs := make([]Job, 0, len(picked))
	for _, e := range picked {
		delete(s.queued, e.job.ID)
		job := e.job
		job.State = StateActive
		job.StartedAt = now
		s.active[job.ID] = &activeJob{job: job, cancel: cancel}
		s.transition(job, StateQueued, StateActive)
		jobs = append(jobs, job)
	}
	s.updateGaugesLocked()
	return jobs, jobCtx, cancel, true
}

// takeSameTypeLocked removes up to n queued jobs of jobType. Only jobs that
// would be served before every queued job of another type are taken.
func (s *Scheduler) takeSameTypeLocked(jobType string, n int) []*entry {
	var (
		candidates []*entry
		other      *entry
	)
	for _, e := range s.queue {
		if e.job.Type == jobType {
			candidates = append(candidates, e)
		} else if other == nil || before(e, other) {
			other = e
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return before(candidates[i], candidates[j]) })
	var taken []*entry
	for _, e := range candidates {
		if len(taken) == n || (other != nil && !before(e, other)) {
			break
		}
		taken = append(taken, e)
	}
	for _, e := range taken {
		heap.Remove(&s.queue, e.index)
	}
	return taken
}

func (s *Scheduler) execute(ctx context.Context, jobs []Job) (err error) {
	first := jobs[0]
	ctx = logger.WithLogFields(ctx, fieldsFor(first))
	sc := logger.StartSpan(ctx, "scheduler.execute", trace.WithAttributes(
		attribute.String("job.type", first.Type),
		attribute.Int64("job.id", int64(first.ID)),
		attribute.Int("job.attempt", first.Attempts+1),
		attribute.Int("job.batch_size", len(jobs)),
	))
	ctx = sc.Context()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
		telemetry.JobDuration.WithLabelValues(first.Type).Observe(time.Since(start).Seconds())
		sc.RecordError(err)
		sc.End()
	}()

	err = s.invoke(ctx, jobs)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrJobTimeout, first.Timeout, err)
	}
	return err
}

func (s *Scheduler) invoke(ctx context.Context, jobs []Job) error {
	jobType := jobs[0].Type
	s.mu.Lock()
	batchHandler, isBatch := s.batch[jobType]
	handler, isSingle := s.handlers[jobType]
	s.mu.Unlock()

	switch {
	case isBatch:
		payloads := make([]Payload, 0, len(jobs))
		for _, job := range jobs {
			payloads = append(payloads, job.Payload)
		}
		return batchHandler(ctx, payloads)
	case isSingle:
		return handler(ctx, jobs[0].Payload)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
}

type retryNotice struct {
	job   Job
	delay time.Duration
}

func (s *Scheduler) finish(jobs []Job, err error) {
	var (
		completed []Job
		retried   []retryNotice
		failed    []Job
	)

	s.mu.Lock()
	now := time.Now()
	for _, job := range jobs {
		a, ok := s.active[job.ID]
		if !ok {
			// Already force-failed by the sweep.
			continue
		}
		delete(s.active, job.ID)
		job = a.job
		job.FinishedAt = now

		if err == nil {
			s.terminalLocked(job, StateCompleted)
			completed = append(completed, job)
			continue
		}

		job.Attempts++
		job.LastError = err.Error()
		if isConfigError(err) || IsPermanent(err) || job.Attempts >= job.MaxAttempts {
			failed = append(failed, s.terminalLocked(job, StateFailedPermanently))
			continue
		}
		job.FinishedAt = time.Time{}
		retried = append(retried, retryNotice{job: job, delay: s.retryLocked(job)})
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	for _, job := range completed {
		telemetry.JobsCompleted.WithLabelValues(job.Type).Inc()
		slog.DebugContext(logger.WithLogFields(context.Background(), fieldsFor(job)), "job completed",
			"duration_ms", now.Sub(job.StartedAt).Milliseconds())
	}
	for _, r := range retried {
		telemetry.JobsRetried.WithLabelValues(r.job.Type).Inc()
		slog.WarnContext(logger.WithLogFields(context.Background(), fieldsFor(r.job)), "job failed, retry scheduled",
			"attempts", r.job.Attempts,
			"max_attempts", r.job.MaxAttempts,
			"retry_in", r.delay,
			"error", err)
	}
	for _, job := range failed {
		s.reportFailure(job, err)
	}
}

// retryLocked parks job until its backoff elapses, then re-queues it at its original priority.
func (s *Scheduler) retryLocked(job Job) time.Duration {
	delay := backoff(s.opts.RetryDelay, s.opts.MaxRetryDelay, job.Attempts)
	job.State = StateRetrying
	s.transition(job, StateActive, StateRetrying)

	r := &retryingJob{job: job}
	if !s.closed {
		id := job.ID
		r.timer = time.AfterFunc(delay, func() { s.requeue(id) })
	}
	s.retrying[job.ID] = r
	return delay
}

func (s *Scheduler) requeue(id JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.retrying[id]
	if !ok || s.closed {
		return
	}
	delete(s.retrying, id)
	s.pushLocked(r.job)
}

func (s *Scheduler) pushLocked(job Job) {
	from := job.State
	job.State = StateQueued
	s.seq++
	e := &entry{job: job, seq: s.seq}
	heap.Push(&s.queue, e)
	s.queued[job.ID] = e
	s.transition(job, from, StateQueued)
	s.updateGaugesLocked()
	s.cond.Signal()
}

func (s *Scheduler) terminalLocked(job Job, to State) Job {
	from := job.State
	job.State = to
	s.transition(job, from, to)
	switch to {
	case StateCompleted:
		s.counts.Completed++
	case StateFailedPermanently:
		s.counts.FailedPermanently++
	case StateDiscarded:
		s.counts.Discarded++
	}
	s.history[job.ID] = job
	s.order = append(s.order, job.ID)
	if over := len(s.order) - s.opts.HistoryLimit; over > 0 {
		for _, old := range s.order[:over] {
			delete(s.history, old)
		}
		s.order = append([]JobID(nil), s.order[over:]...)
	}
	return job
}

func (s *Scheduler) transition(job Job, from, to State) {
	if s.opts.Observer != nil {
		s.opts.Observer(job, from, to)
	}
}

func (s *Scheduler) updateGaugesLocked() {
	telemetry.QueueDepthGauge.Set(float64(len(s.queue)))
	telemetry.ActiveJobsGauge.Set(float64(len(s.active)))
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Sweep discards queued jobs older than MaxJobAge and force-fails active jobs
// that have run for more than twice their timeout. It returns both counts.
func (s *Scheduler) Sweep(now time.Time) (discarded, forced int) {
	var stuck, expired []Job

	s.mu.Lock()
	if s.opts.MaxJobAge > 0 {
		var stale []*entry
		for _, e := range s.queue {
			if now.Sub(e.job.CreatedAt) > s.opts.MaxJobAge {
				stale = append(stale, e)
			}
		}
		for _, e := range stale {
			heap.Remove(&s.queue, e.index)
			delete(s.queued, e.job.ID)
			job := e.job
			job.FinishedAt = now
			expired = append(expired, s.terminalLocked(job, StateDiscarded))
		}
	}
	for id, a := range s.active {
		if now.Sub(a.job.StartedAt) <= 2*a.job.Timeout {
			continue
		}
		delete(s.active, id)
		a.cancel()
		job := a.job
		job.Attempts++
		job.LastError = ErrStuck.Error()
		job.FinishedAt = now
		stuck = append(stuck, s.terminalLocked(job, StateFailedPermanently))
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	for _, job := range expired {
		telemetry.JobsStale.WithLabelValues("queued_expired").Inc()
		slog.WarnContext(logger.WithLogFields(context.Background(), fieldsFor(job)), "stale job discarded",
			"age", now.Sub(job.CreatedAt))
	}
	for _, job := range stuck {
		telemetry.JobsStale.WithLabelValues("active_stuck").Inc()
		s.reportFailure(job, ErrStuck)
	}
	return len(expired), len(stuck)
}

func (s *Scheduler) reportFailure(job Job, cause error) {
	ctx := logger.WithLogFields(context.Background(), fieldsFor(job))
	telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
	if isConfigError(cause) {
		telemetry.JobsConfigErrors.WithLabelValues(job.Type).Inc()
		slog.ErrorContext(ctx, "job configuration error, not retried",
			"attempts", job.Attempts,
			"error", cause)
	} else {
		slog.ErrorContext(ctx, "job failed permanently",
			"attempts", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"permanent", IsPermanent(cause),
			"error", cause)
	}

	if len(s.opts.Recorders) == 0 {
		return
	}
	recCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, rec := range s.opts.Recorders {
		if err := rec.RecordFailure(recCtx, job, cause); err != nil {
			slog.ErrorContext(ctx, "record failed job", "error", err)
		}
	}
}

func fieldsFor(job Job) logger.LogFields {
	return logger.LogFields{
		CorrelationID: job.CorrelationID,
		JobID:         logger.Ptr(int64(job.ID)),
		JobType:       job.Type,
		Component:     "scheduler",
	}
}

// maxBackoff bounds retry waits when no MaxRetryDelay is configured.
const maxBackoff = time.Hour

// backoff returns base * 2^(attempt-1), capped at limit (or maxBackoff).
func backoff(base, limit time.Duration, attempt int) time.Duration {
	if limit <= 0 || limit > maxBackoff {
		limit = maxBackoff
	}
	wait := base
	for i := 1; i < attempt && wait < limit; i++ {
		wait *= 2
	}
	if wait > limit {
		wait = limit
	}
	return wait
}
