// Package jobs runs long engine operations on a bounded worker pool and
// tracks their status for the operator API.
package jobs

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-engine/internal/constants"
)

// Type names a job kind.
type Type string

// Job types accepted by the queue.
const (
	TypeCluster       Type = "cluster"
	TypeCentroidBuild Type = "centroid_build"
	TypeSuggest       Type = "suggest"
	TypeReconcile     Type = "reconcile"
	TypeReplay        Type = "replay"
)

// Status represents the status of a job.
type Status string

// Status constants define the lifecycle states of a job.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result counts what a job did.
type Result struct {
	Created int      `json:"created"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
	Details any      `json:"details,omitempty"`
}

// Progress is the last reported position of a running job.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Job is a snapshot of a queued job.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Type        Type            `json:"type"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      Status          `json:"status"`
	Revision    int64           `json:"revision"`
	Progress    Progress        `json:"progress"`
	Result      *Result         `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Event is pushed to subscribers when a job changes.
type Event struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// broadcaster fans events out to subscribers without blocking the job.
type broadcaster struct {
	mu        sync.RWMutex
	listeners []chan Event
	closed    bool
}

func (b *broadcaster) subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, constants.EventChannelBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.listeners = append(b.listeners, ch)
	return ch
}

func (b *broadcaster) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (b *broadcaster) send(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		select {
		case l <- ev:
		default:
			// slow subscriber, drop
		}
	}
}

// close delivers ev as the final event and closes every subscription.
func (b *broadcaster) close(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, l := range b.listeners {
		select {
		case l <- ev:
		default:
		}
		close(l)
	}
	b.listeners = nil
}
