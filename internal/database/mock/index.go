package mock

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/kozaktomas/face-engine/internal/database"
)

// ErrInjected is the default cause of injected index failures.
var ErrInjected = errors.New("injected index failure")

// MockIndex is an exact, in-memory database.EmbeddingIndex with failure injection.
type MockIndex struct {
	mu     sync.Mutex
	points map[string]database.Point

	// Error injection. A non-nil error fails every call of that operation.
	UpsertError        error
	SearchError        error
	RetrieveError      error
	GetError           error
	SetPayloadError    error
	DeletePayloadError error
	DeleteError        error

	// FailRetrieveFor fails any Retrieve call whose ids include one of these.
	FailRetrieveFor map[string]bool
	// FailGetFor fails Get for these ids.
	FailGetFor map[string]bool
	// FailSetPayloadFor fails SetPayloadFields calls touching these ids.
	FailSetPayloadFor map[string]bool

	// UpsertHook runs before each Upsert is applied; a returned error fails the call.
	UpsertHook func(points []database.Point) error

	// Call counters
	UpsertCalls     int
	SearchCalls     int
	RetrieveCalls   int
	GetCalls        int
	SetPayloadCalls int
}

var _ database.EmbeddingIndex = (*MockIndex)(nil)

// NewMockIndex creates an empty index.
func NewMockIndex() *MockIndex {
	return &MockIndex{points: make(map[string]database.Point)}
}

func fail(op string, err error) error {
	return &database.IndexError{Op: op, Err: err}
}

// Point returns a copy of a stored point.
func (m *MockIndex) Point(id string) (database.Point, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.points[id]
	if !ok {
		return database.Point{}, false
	}
	return clonePoint(p), true
}

// Put stores a point without going through Upsert.
func (m *MockIndex) Put(p database.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[p.ID] = clonePoint(p)
}

func (m *MockIndex) Upsert(_ context.Context, points []database.Point) error {
	m.mu.Lock()
	m.UpsertCalls++
	hook := m.UpsertHook
	injected := m.UpsertError
	m.mu.Unlock()

	if hook != nil {
		if err := hook(points); err != nil {
			return fail(database.OpUpsert, err)
		}
	}
	if injected != nil {
		return fail(database.OpUpsert, injected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.points[p.ID] = clonePoint(p)
	}
	return nil
}

func (m *MockIndex) Search(
	_ context.Context, vector []float32, filter database.SearchFilter, limit int, scoreThreshold float64,
) ([]database.ScoredPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchCalls++
	if m.SearchError != nil {
		return nil, fail(database.OpSearch, m.SearchError)
	}

	var hits []database.ScoredPoint
	for id, p := range m.points {
		if !filter.Matches(p.Payload) {
			continue
		}
		score := database.CosineSimilarity(vector, p.Vector)
		if score < scoreThreshold {
			continue
		}
		hits = append(hits, database.ScoredPoint{ID: id, Score: score, Payload: clonePayload(p.Payload)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *MockIndex) Retrieve(_ context.Context, ids []string) ([]database.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RetrieveCalls++
	if m.RetrieveError != nil {
		return nil, fail(database.OpRetrieve, m.RetrieveError)
	}
	for _, id := range ids {
		if m.FailRetrieveFor[id] {
			return nil, fail(database.OpRetrieve, ErrInjected)
		}
	}
	var out []database.Point
	for _, id := range ids {
		if p, ok := m.points[id]; ok {
			out = append(out, clonePoint(p))
		}
	}
	return out, nil
}

func (m *MockIndex) Get(_ context.Context, id string) (*database.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.GetError != nil {
		return nil, fail(database.OpGet, m.GetError)
	}
	if m.FailGetFor[id] {
		return nil, fail(database.OpGet, ErrInjected)
	}
	p, ok := m.points[id]
	if !ok {
		return nil, &database.NotFoundError{Entity: "point", ID: id}
	}
	out := clonePoint(p)
	return &out, nil
}

func (m *MockIndex) SetPayloadFields(_ context.Context, ids []string, fields database.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetPayloadCalls++
	if m.SetPayloadError != nil {
		return fail(database.OpSetPayload, m.SetPayloadError)
	}
	for _, id := range ids {
		if m.FailSetPayloadFor[id] {
			return fail(database.OpSetPayload, ErrInjected)
		}
	}
	for _, id := range ids {
		p, ok := m.points[id]
		if !ok {
			continue
		}
		for k, v := range fields {
			p.Payload[k] = v
		}
		m.points[id] = p
	}
	return nil
}

func (m *MockIndex) DeletePayloadFields(_ context.Context, ids []string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeletePayloadError != nil {
		return fail(database.OpDeletePayload, m.DeletePayloadError)
	}
	for _, id := range ids {
		p, ok := m.points[id]
		if !ok {
			continue
		}
		for _, k := range keys {
			delete(p.Payload, k)
		}
	}
	return nil
}

func (m *MockIndex) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteError != nil {
		return fail(database.OpDelete, m.DeleteError)
	}
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *MockIndex) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points), nil
}

func clonePoint(p database.Point) database.Point {
	vec := make([]float32, len(p.Vector))
	copy(vec, p.Vector)
	return database.Point{ID: p.ID, Vector: vec, Payload: clonePayload(p.Payload)}
}

func clonePayload(p database.Payload) database.Payload {
	out := make(database.Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
