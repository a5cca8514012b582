package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/metrics"
)

var (
	// ErrQueueFull is returned when the pending backlog is at capacity.
	ErrQueueFull = errors.New("job queue full")
	// ErrQueueClosed is returned by Enqueue after Stop.
	ErrQueueClosed = errors.New("job queue closed")
)

// Reporter records progress of a running job.
type Reporter func(done, total int)

// Handler executes one job type. params is the raw JSON given to Enqueue.
type Handler func(ctx context.Context, params json.RawMessage, report Reporter) (*Result, error)

type entry struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
	events broadcaster
}

// Queue runs jobs on a fixed number of workers.
type Queue struct {
	mu       sync.Mutex
	handlers map[Type]Handler
	jobs     map[uuid.UUID]*entry
	order    []uuid.UUID
	pending  chan uuid.UUID
	workers  int
	closed   bool
	stop     context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewQueue creates a queue with workers goroutines and room for backlog
// pending jobs.
func NewQueue(workers, backlog int, logger *zap.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if backlog < 1 {
		backlog = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		handlers: make(map[Type]Handler),
		jobs:     make(map[uuid.UUID]*entry),
		pending:  make(chan uuid.UUID, backlog),
		workers:  workers,
		logger:   logger,
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (q *Queue) Register(t Type, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
}

// Start launches the workers. Jobs run with contexts derived from ctx.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.stop = cancel
	q.mu.Unlock()

	for range q.workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for id := range q.pending {
				q.run(ctx, id)
			}
		}()
	}
}

// Stop refuses new jobs and waits for queued ones to drain. When ctx expires
// first, running jobs are cancelled and Stop returns ctx's error.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.pending)
	}
	stop := q.stop
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		if stop != nil {
			stop()
		}
		return nil
	case <-ctx.Done():
		if stop != nil {
			stop()
		}
		<-drained
		return ctx.Err()
	}
}

// Enqueue records a pending job and hands it to the workers.
func (q *Queue) Enqueue(_ context.Context, t Type, params json.RawMessage) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.handlers[t]; !ok {
		return Job{}, &database.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", t)}
	}
	if params != nil && !json.Valid(params) {
		return Job{}, &database.ValidationError{Field: "params", Reason: "not valid JSON"}
	}
	if q.closed {
		return Job{}, ErrQueueClosed
	}

	e := &entry{
		job: Job{
			ID:        uuid.New(),
			Type:      t,
			Params:    params,
			Status:    StatusPending,
			Revision:  1,
			CreatedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	select {
	case q.pending <- e.job.ID:
	default:
		return Job{}, ErrQueueFull
	}
	q.jobs[e.job.ID] = e
	q.order = append(q.order, e.job.ID)

	q.logger.Info("job enqueued", zap.String("job_id", e.job.ID.String()), zap.String("type", string(t)))
	return e.snapshot(), nil
}

// Get returns a job snapshot.
func (q *Queue) Get(id uuid.UUID) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return Job{}, database.NewNotFound("job", id)
	}
	return e.snapshot(), nil
}

// List returns all jobs, oldest first.
func (q *Queue) List() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.jobs[id].snapshot())
	}
	return out
}

// Cancel stops a pending or running job. A job already in a terminal state
// yields a conflict.
func (q *Queue) Cancel(id uuid.UUID) (Job, error) {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return Job{}, database.NewNotFound("job", id)
	}
	from := e.job.Status
	if err := q.transitionLocked(e, from, e.job.Revision, StatusCancelled); err != nil {
		q.mu.Unlock()
		return Job{}, err
	}
	if e.cancel != nil {
		e.cancel()
	}
	snap := e.snapshot()
	q.mu.Unlock()

	metrics.JobsFinished.WithLabelValues(string(snap.Type), string(StatusCancelled)).Inc()
	e.events.close(Event{Type: "cancelled", Message: "job cancelled", Data: snap})
	q.logger.Info("job cancelled", zap.String("job_id", id.String()), zap.String("from", string(from)))
	return snap, nil
}

// Subscribe streams events of a job until it reaches a terminal state.
// The returned function releases the subscription.
func (q *Queue) Subscribe(id uuid.UUID) (<-chan Event, func(), error) {
	q.mu.Lock()
	e, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return nil, nil, database.NewNotFound("job", id)
	}
	ch := e.events.subscribe()
	return ch, func() { e.events.unsubscribe(ch) }, nil
}

// Wait blocks until the job is terminal or ctx is done.
func (q *Queue) Wait(ctx context.Context, id uuid.UUID) (Job, error) {
	q.mu.Lock()
	e, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return Job{}, database.NewNotFound("job", id)
	}
	select {
	case <-e.done:
		return q.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// transitionLocked moves e from one status to another when the revision
// still matches. q.mu must be held.
func (q *Queue) transitionLocked(e *entry, from Status, rev int64, to Status) error {
	if e.job.Status != from || e.job.Revision != rev {
		return database.NewConflict("job", e.job.ID, rev)
	}
	if from.Terminal() {
		return database.NewConflict("job", e.job.ID, rev)
	}
	now := time.Now().UTC()
	e.job.Status = to
	e.job.Revision++
	switch {
	case to == StatusRunning:
		e.job.StartedAt = &now
	case to.Terminal():
		e.job.CompletedAt = &now
		close(e.done)
	}
	return nil
}

func (q *Queue) run(base context.Context, id uuid.UUID) {
	q.mu.Lock()
	e := q.jobs[id]
	if e.job.Status != StatusPending {
		// cancelled while queued
		q.mu.Unlock()
		return
	}
	handler := q.handlers[e.job.Type]
	ctx, cancel := context.WithCancel(base)
	defer cancel()
	e.cancel = cancel
	if err := q.transitionLocked(e, StatusPending, e.job.Revision, StatusRunning); err != nil {
		q.mu.Unlock()
		return
	}
	rev := e.job.Revision
	params := e.job.Params
	jobType := e.job.Type
	q.mu.Unlock()

	log := q.logger.With(zap.String("job_id", id.String()), zap.String("type", string(jobType)))
	log.Info("job started")
	e.events.send(Event{Type: "started"})

	report := func(done, total int) {
		q.mu.Lock()
		e.job.Progress = Progress{Done: done, Total: total}
		q.mu.Unlock()
		e.events.send(Event{Type: "progress", Data: Progress{Done: done, Total: total}})
	}

	res, err := invoke(ctx, handler, params, report)

	status := StatusCompleted
	switch {
	case err != nil && ctx.Err() != nil:
		status = StatusCancelled
	case err != nil:
		status = StatusFailed
	}

	q.mu.Lock()
	if terr := q.transitionLocked(e, StatusRunning, rev, status); terr != nil {
		// Cancel already moved the job to a terminal state.
		q.mu.Unlock()
		log.Debug("job finished after cancellation", zap.Error(err))
		return
	}
	e.job.Result = res
	if err != nil {
		e.job.Error = err.Error()
	}
	snap := e.snapshot()
	q.mu.Unlock()

	metrics.JobsFinished.WithLabelValues(string(jobType), string(status)).Inc()
	if err != nil {
		log.Warn("job ended", zap.String("status", string(status)), zap.Error(err))
	} else {
		log.Info("job completed")
	}
	e.events.close(Event{Type: string(status), Data: snap})
}

// invoke runs h, turning a panic into a failed job.
func invoke(ctx context.Context, h Handler, params json.RawMessage, report Reporter) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, params, report)
}

func (e *entry) snapshot() Job {
	j := e.job
	if j.Result != nil {
		r := *j.Result
		r.Errors = append([]string(nil), j.Result.Errors...)
		j.Result = &r
	}
	return j
}
