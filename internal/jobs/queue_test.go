package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/face-engine/internal/database"
)

func startQueue(t *testing.T, workers int) *Queue {
	t.Helper()
	q := NewQueue(workers, 16, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func waitJob(t *testing.T, q *Queue, job Job) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := q.Wait(ctx, job.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return got
}

func TestJobCompletes(t *testing.T) {
	q := startQueue(t, 2)
	q.Register(TypeReplay, func(_ context.Context, params json.RawMessage, _ Reporter) (*Result, error) {
		var p ReplayParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return &Result{Created: p.Limit}, nil
	})
	q.Start(context.Background())

	job, err := q.Enqueue(context.Background(), TypeReplay, json.RawMessage(`{"limit":3}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Status != StatusPending || job.Revision != 1 {
		t.Errorf("enqueued job = %s rev %d", job.Status, job.Revision)
	}

	got := waitJob(t, q, job)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, error %q", got.Status, got.Error)
	}
	if got.Revision != 3 {
		t.Errorf("revision = %d, want 3", got.Revision)
	}
	if got.Result == nil || got.Result.Created != 3 {
		t.Errorf("result = %+v", got.Result)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("timestamps not set")
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := startQueue(t, 1)
	q.Register(TypeCluster, func(context.Context, json.RawMessage, Reporter) (*Result, error) { return nil, nil })

	if _, err := q.Enqueue(context.Background(), Type("resize"), nil); !errors.Is(err, database.ErrValidationFailed) {
		t.Errorf("unknown type: err = %v", err)
	}
	if _, err := q.Enqueue(context.Background(), TypeCluster, json.RawMessage(`{bad`)); !errors.Is(err, database.ErrValidationFailed) {
		t.Errorf("bad params: err = %v", err)
	}
	if len(q.List()) != 0 {
		t.Error("rejected jobs were recorded")
	}
}

func TestJobFailures(t *testing.T) {
	q := startQueue(t, 1)
	q.Register(TypeReconcile, func(context.Context, json.RawMessage, Reporter) (*Result, error) {
		return nil, errors.New("index down")
	})
	q.Register(TypeReplay, func(context.Context, json.RawMessage, Reporter) (*Result, error) {
		panic("boom")
	})
	q.Start(context.Background())

	failed, _ := q.Enqueue(context.Background(), TypeReconcile, nil)
	panicked, _ := q.Enqueue(context.Background(), TypeReplay, nil)

	if got := waitJob(t, q, failed); got.Status != StatusFailed || got.Error != "index down" {
		t.Errorf("failed job = %s %q", got.Status, got.Error)
	}
	if got := waitJob(t, q, panicked); got.Status != StatusFailed || got.Error == "" {
		t.Errorf("panicking job = %s %q", got.Status, got.Error)
	}
}

func TestCancelPending(t *testing.T) {
	q := startQueue(t, 1)
	var calls atomic.Int32
	q.Register(TypeCluster, func(context.Context, json.RawMessage, Reporter) (*Result, error) {
		calls.Add(1)
		return &Result{}, nil
	})

	job, err := q.Enqueue(context.Background(), TypeCluster, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	cancelled, err := q.Cancel(job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.Revision != 2 {
		t.Errorf("cancelled = %s rev %d", cancelled.Status, cancelled.Revision)
	}

	_, err = q.Cancel(job.ID)
	var ce *database.ConflictError
	if !errors.As(err, &ce) || ce.ExpectedRevision != 2 {
		t.Errorf("second cancel: err = %v", err)
	}

	q.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if calls.Load() != 0 {
		t.Error("cancelled job was executed")
	}
	if got, _ := q.Get(job.ID); got.Status != StatusCancelled {
		t.Errorf("status after drain = %s", got.Status)
	}
}

func TestCancelRunning(t *testing.T) {
	q := startQueue(t, 1)
	started := make(chan struct{})
	var sawCancel atomic.Bool
	q.Register(TypeSuggest, func(ctx context.Context, _ json.RawMessage, _ Reporter) (*Result, error) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return nil, ctx.Err()
	})
	q.Start(context.Background())

	job, _ := q.Enqueue(context.Background(), TypeSuggest, nil)
	<-started

	if _, err := q.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := waitJob(t, q, job)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !sawCancel.Load() {
		t.Error("handler context was not cancelled")
	}
	if got, _ := q.Get(job.ID); got.Status != StatusCancelled || got.Result != nil {
		t.Errorf("late completion overwrote the cancelled job: %+v", got)
	}
}

func TestQueueFullAndClosed(t *testing.T) {
	q := NewQueue(1, 1, nil)
	q.Register(TypeReplay, func(context.Context, json.RawMessage, Reporter) (*Result, error) { return nil, nil })

	if _, err := q.Enqueue(context.Background(), TypeReplay, nil); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), TypeReplay, nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}

	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), TypeReplay, nil); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("err = %v, want ErrQueueClosed", err)
	}
}

func TestGetUnknown(t *testing.T) {
	q := NewQueue(1, 1, nil)
	job := Job{}
	if _, err := q.Get(job.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Get: err = %v", err)
	}
	if _, err := q.Cancel(job.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Cancel: err = %v", err)
	}
}

func TestSubscribeReceivesProgress(t *testing.T) {
	q := startQueue(t, 1)
	gate := make(chan struct{})
	q.Register(TypeCentroidBuild, func(_ context.Context, _ json.RawMessage, report Reporter) (*Result, error) {
		<-gate
		report(1, 2)
		report(2, 2)
		return &Result{Created: 2}, nil
	})
	q.Start(context.Background())

	job, _ := q.Enqueue(context.Background(), TypeCentroidBuild, nil)
	events, release, err := q.Subscribe(job.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer release()
	close(gate)

	var progress int
	var last Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if !ok {
				done = true
				break
			}
			if ev.Type == "progress" {
				progress++
			}
			last = ev
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
	if progress != 2 {
		t.Errorf("progress events = %d, want 2", progress)
	}
	if last.Type != string(StatusCompleted) {
		t.Errorf("last event = %q", last.Type)
	}
	if got, _ := q.Get(job.ID); got.Progress != (Progress{Done: 2, Total: 2}) {
		t.Errorf("progress = %+v", got.Progress)
	}
}
