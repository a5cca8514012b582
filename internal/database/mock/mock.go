// Package mock provides in-memory implementations of the store and index
// interfaces for testing. MockStore enforces the same revision checks and
// uniqueness rules as the PostgreSQL schema.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/facematch"
)

// MockStore is an in-memory database.Store.
type MockStore struct {
	mu          sync.Mutex
	persons     map[uuid.UUID]database.Person
	faces       map[uuid.UUID]database.FaceInstance
	prototypes  map[uuid.UUID]database.PersonPrototype
	centroids   map[uuid.UUID]database.PersonCentroid
	centroidSeq map[uuid.UUID]int
	suggestions map[uuid.UUID]database.FaceSuggestion
	tasks       map[uuid.UUID]database.ReconcileTask
	seq         int

	// Now supplies timestamps; defaults to time.Now.
	Now func() time.Time

	// Error injection
	GetFacesError         error
	ListFacesError        error
	ApplyAssignmentsError error
	InsertCentroidError   error
	PromoteCentroidError  error
	AcceptError           error
	EnqueueError          error

	// BeforePromote runs before PromoteCentroid takes the lock.
	BeforePromote func(id uuid.UUID)
}

var _ database.Store = (*MockStore)(nil)

// NewMockStore creates an empty store.
func NewMockStore() *MockStore {
	return &MockStore{
		persons:     make(map[uuid.UUID]database.Person),
		faces:       make(map[uuid.UUID]database.FaceInstance),
		prototypes:  make(map[uuid.UUID]database.PersonPrototype),
		centroids:   make(map[uuid.UUID]database.PersonCentroid),
		centroidSeq: make(map[uuid.UUID]int),
		suggestions: make(map[uuid.UUID]database.FaceSuggestion),
		tasks:       make(map[uuid.UUID]database.ReconcileTask),
		Now:         time.Now,
	}
}

func (m *MockStore) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// AddPerson stores a person as-is, filling ID and Revision when zero.
func (m *MockStore) AddPerson(p database.Person) database.Person {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Revision == 0 {
		p.Revision = 1
	}
	if p.Status == "" {
		p.Status = database.PersonNamed
	}
	m.persons[p.ID] = p
	return p
}

// AddFace stores a face as-is, filling ID, PointID and Revision when zero.
func (m *MockStore) AddFace(f database.FaceInstance) database.FaceInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.PointID == "" {
		f.PointID = f.ID.String()
	}
	if f.Revision == 0 {
		f.Revision = 1
	}
	m.faces[f.ID] = cloneFace(f)
	return f
}

// AddCentroid stores a centroid as-is, bypassing the lifecycle checks.
func (m *MockStore) AddCentroid(c database.PersonCentroid) database.PersonCentroid {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Revision == 0 {
		c.Revision = 1
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.seq++
	m.centroidSeq[c.ID] = m.seq
	m.centroids[c.ID] = c
	return c
}

// AddSuggestion stores a suggestion as-is.
func (m *MockStore) AddSuggestion(s database.FaceSuggestion) database.FaceSuggestion {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Revision == 0 {
		s.Revision = 1
	}
	if s.Status == "" {
		s.Status = database.SuggestionPending
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	m.suggestions[s.ID] = s
	return s
}

// ActiveCentroidCount returns the number of active centroids of a person.
func (m *MockStore) ActiveCentroidCount(personID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.centroids {
		if c.PersonID == personID && c.State == database.CentroidActive {
			n++
		}
	}
	return n
}

// PendingReconcileCount returns the number of pending reconcile tasks.
func (m *MockStore) PendingReconcileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == database.ReconcilePending {
			n++
		}
	}
	return n
}

// --- persons ---

func (m *MockStore) GetPerson(_ context.Context, id uuid.UUID) (*database.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok {
		return nil, database.NewNotFound("person", id)
	}
	return &p, nil
}

func (m *MockStore) FindPersonByName(_ context.Context, name string) (*database.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := facematch.NormalizePersonName(name)
	for _, p := range m.persons {
		if p.Name != "" && facematch.NormalizePersonName(p.Name) == want {
			return &p, nil
		}
	}
	return nil, &database.NotFoundError{Entity: "person", ID: name}
}

func (m *MockStore) ListPersons(_ context.Context, statuses ...database.PersonStatus) ([]database.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Person
	for _, p := range m.persons {
		if len(statuses) > 0 && !containsStatus(statuses, p.Status) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func containsStatus(list []database.PersonStatus, s database.PersonStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *MockStore) CreatePerson(_ context.Context, p *database.Person) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createPersonLocked(p)
	return nil
}

func (m *MockStore) createPersonLocked(p *database.Person) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = database.PersonNamed
	}
	p.Revision = 1
	p.CreatedAt = m.now()
	p.UpdatedAt = p.CreatedAt
	m.persons[p.ID] = *p
}

func (m *MockStore) CreatePersonWithFaces(
	_ context.Context, p *database.Person, assignments []database.FaceAssignment,
) ([]database.FaceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkAssignmentsLocked(assignments); err != nil {
		return nil, err
	}
	m.createPersonLocked(p)
	pid := p.ID
	for i := range assignments {
		assignments[i].PersonID = &pid
	}
	return m.applyAssignmentsLocked(assignments), nil
}

// --- faces ---

func (m *MockStore) GetFace(_ context.Context, id uuid.UUID) (*database.FaceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.faces[id]
	if !ok {
		return nil, database.NewNotFound("face", id)
	}
	f = cloneFace(f)
	return &f, nil
}

func (m *MockStore) GetFaces(_ context.Context, ids []uuid.UUID) ([]database.FaceInstance, error) {
	if m.GetFacesError != nil {
		return nil, m.GetFacesError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]database.FaceInstance, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if f, ok := m.faces[id]; ok {
			out = append(out, cloneFace(f))
		}
	}
	return out, nil
}

func faceMatches(f database.FaceInstance, filter database.FaceFilter) bool {
	if filter.PersonID != nil && (f.PersonID == nil || *f.PersonID != *filter.PersonID) {
		return false
	}
	if filter.ClusterID != "" && f.ClusterID != filter.ClusterID {
		return false
	}
	if filter.Unassigned && f.PersonID != nil {
		return false
	}
	if filter.Assigned && f.PersonID == nil {
		return false
	}
	if filter.AssetID != "" && f.AssetID != filter.AssetID {
		return false
	}
	if filter.AfterID != nil && f.ID.String() <= filter.AfterID.String() {
		return false
	}
	return true
}

func (m *MockStore) ListFaces(_ context.Context, filter database.FaceFilter) ([]database.FaceInstance, error) {
	if m.ListFacesError != nil {
		return nil, m.ListFacesError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.FaceInstance
	for _, f := range m.faces {
		if faceMatches(f, filter) {
			out = append(out, cloneFace(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MockStore) CountFaces(ctx context.Context, filter database.FaceFilter) (int, error) {
	filter.Limit = 0
	faces, err := m.ListFaces(ctx, filter)
	return len(faces), err
}

func (m *MockStore) CreateFaces(_ context.Context, faces []database.FaceInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for i := range faces {
		f := &faces[i]
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		if f.PointID == "" {
			f.PointID = f.ID.String()
		}
		f.Revision = 1
		f.CreatedAt = now
		f.UpdatedAt = now
		m.faces[f.ID] = cloneFace(*f)
	}
	return nil
}

func (m *MockStore) ApplyAssignments(
	_ context.Context, assignments []database.FaceAssignment,
) ([]database.FaceInstance, error) {
	if m.ApplyAssignmentsError != nil {
		return nil, m.ApplyAssignmentsError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkAssignmentsLocked(assignments); err != nil {
		return nil, err
	}
	return m.applyAssignmentsLocked(assignments), nil
}

func (m *MockStore) checkAssignmentsLocked(assignments []database.FaceAssignment) error {
	for _, a := range assignments {
		f, ok := m.faces[a.FaceID]
		if !ok {
			return database.NewNotFound("face", a.FaceID)
		}
		if f.Revision != a.ExpectedRevision {
			return database.NewConflict("face", a.FaceID, a.ExpectedRevision)
		}
		if a.PersonID != nil {
			if _, ok := m.persons[*a.PersonID]; !ok {
				return database.NewNotFound("person", *a.PersonID)
			}
		}
	}
	return nil
}

func (m *MockStore) applyAssignmentsLocked(assignments []database.FaceAssignment) []database.FaceInstance {
	now := m.now()
	out := make([]database.FaceInstance, 0, len(assignments))
	for _, a := range assignments {
		f := m.faces[a.FaceID]
		f.PersonID = copyUUID(a.PersonID)
		f.ClusterID = a.ClusterID
		f.Revision++
		f.UpdatedAt = now
		m.faces[f.ID] = f
		out = append(out, cloneFace(f))
	}
	return out
}

// --- prototypes ---

func (m *MockStore) ListPrototypes(_ context.Context, personID uuid.UUID) ([]database.PersonPrototype, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.PersonPrototype
	for _, p := range m.prototypes {
		if p.PersonID == personID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role == database.PrototypePrimary
		}
		return out[i].FaceID.String() < out[j].FaceID.String()
	})
	return out, nil
}

func (m *MockStore) PrototypeFaceIDs(_ context.Context, faceIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(faceIDs))
	for _, id := range faceIDs {
		want[id] = true
	}
	out := make(map[uuid.UUID]bool)
	for _, p := range m.prototypes {
		if want[p.FaceID] {
			out[p.FaceID] = true
		}
	}
	return out, nil
}

func (m *MockStore) AddPrototype(_ context.Context, p *database.PersonPrototype) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.persons[p.PersonID]; !ok {
		return database.NewNotFound("person", p.PersonID)
	}
	if _, ok := m.faces[p.FaceID]; !ok {
		return database.NewNotFound("face", p.FaceID)
	}
	if p.Role == "" {
		p.Role = database.PrototypeSecondary
	}
	for id, existing := range m.prototypes {
		if existing.PersonID != p.PersonID {
			continue
		}
		if existing.FaceID == p.FaceID {
			delete(m.prototypes, id)
			continue
		}
		if p.Role == database.PrototypePrimary && existing.Role == database.PrototypePrimary {
			existing.Role = database.PrototypeSecondary
			m.prototypes[id] = existing
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = m.now()
	m.prototypes[p.ID] = *p
	return nil
}

func (m *MockStore) RemovePrototype(_ context.Context, personID, faceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.prototypes {
		if p.PersonID == personID && p.FaceID == faceID {
			delete(m.prototypes, id)
			return nil
		}
	}
	return database.NewNotFound("prototype", faceID)
}

// --- centroids ---

func (m *MockStore) GetCentroid(_ context.Context, id uuid.UUID) (*database.PersonCentroid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.centroids[id]
	if !ok {
		return nil, database.NewNotFound("centroid", id)
	}
	return &c, nil
}

func (m *MockStore) GetActiveCentroid(_ context.Context, key database.CentroidKey) (*database.PersonCentroid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.activeLocked(key); ok {
		return &c, nil
	}
	return nil, database.NewNotFound("active centroid", key.PersonID)
}

func (m *MockStore) activeLocked(key database.CentroidKey) (database.PersonCentroid, bool) {
	for _, c := range m.centroids {
		if c.State == database.CentroidActive && c.Key() == key {
			return c, true
		}
	}
	return database.PersonCentroid{}, false
}

func (m *MockStore) ListActiveCentroids(
	_ context.Context, modelVersion, algorithmVersion string, personIDs []uuid.UUID,
) ([]database.PersonCentroid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(personIDs))
	for _, id := range personIDs {
		want[id] = true
	}
	var out []database.PersonCentroid
	for _, c := range m.centroids {
		if c.State != database.CentroidActive || c.Type != database.CentroidGlobal {
			continue
		}
		if c.ModelVersion != modelVersion || c.AlgorithmVersion != algorithmVersion {
			continue
		}
		if len(want) > 0 && !want[c.PersonID] {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID.String() < out[j].PersonID.String() })
	return out, nil
}

func (m *MockStore) ListCentroids(_ context.Context, personID uuid.UUID) ([]database.PersonCentroid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.PersonCentroid
	for _, c := range m.centroids {
		if c.PersonID == personID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.centroidSeq[out[i].ID] > m.centroidSeq[out[j].ID] })
	return out, nil
}

func (m *MockStore) InsertCentroid(_ context.Context, c *database.PersonCentroid) error {
	if m.InsertCentroidError != nil {
		return m.InsertCentroidError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.State != database.CentroidBuilding {
		return &database.ValidationError{Field: "state", Reason: "new centroids must be building"}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Revision = 1
	c.CreatedAt = m.now()
	c.UpdatedAt = c.CreatedAt
	m.seq++
	m.centroidSeq[c.ID] = m.seq
	m.centroids[c.ID] = *c
	return nil
}

func (m *MockStore) TransitionCentroid(
	_ context.Context, id uuid.UUID, expectedRevision int64, to database.CentroidState,
) (*database.PersonCentroid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.centroids[id]
	if !ok {
		return nil, database.NewNotFound("centroid", id)
	}
	if to == database.CentroidActive {
		return nil, &database.ValidationError{Field: "state", Reason: "activation goes through PromoteCentroid"}
	}
	if c.Revision != expectedRevision {
		return nil, database.NewConflict("centroid", id, expectedRevision)
	}
	next, err := c.State.Transition(to)
	if err != nil {
		return nil, err
	}
	c.State = next
	c.Revision++
	c.UpdatedAt = m.now()
	m.centroids[id] = c
	return &c, nil
}

func (m *MockStore) PromoteCentroid(
	_ context.Context, id uuid.UUID, expectedRevision int64, supersede []database.RevisionRef,
) (*database.PersonCentroid, error) {
	if m.BeforePromote != nil {
		m.BeforePromote(id)
	}
	if m.PromoteCentroidError != nil {
		return nil, m.PromoteCentroidError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.centroids[id]
	if !ok {
		return nil, database.NewNotFound("centroid", id)
	}
	if c.Revision != expectedRevision || c.State != database.CentroidBuilding {
		return nil, database.NewConflict("centroid", id, expectedRevision)
	}
	for _, ref := range supersede {
		old, ok := m.centroids[ref.ID]
		if !ok || old.State != database.CentroidActive || old.Revision != ref.Revision {
			return nil, database.NewConflict("centroid", ref.ID, ref.Revision)
		}
	}
	// Mirrors the partial unique index: only superseded rows may be active in the key.
	superseded := make(map[uuid.UUID]bool, len(supersede))
	for _, ref := range supersede {
		superseded[ref.ID] = true
	}
	if active, ok := m.activeLocked(c.Key()); ok && !superseded[active.ID] {
		return nil, database.NewConflict("centroid", active.ID, active.Revision)
	}

	now := m.now()
	for _, ref := range supersede {
		old := m.centroids[ref.ID]
		old.State = database.CentroidDeprecated
		old.Revision++
		old.UpdatedAt = now
		m.centroids[ref.ID] = old
	}
	c.State = database.CentroidActive
	c.Revision++
	c.UpdatedAt = now
	m.centroids[id] = c
	return &c, nil
}

// --- suggestions ---

func (m *MockStore) GetSuggestion(_ context.Context, id uuid.UUID) (*database.FaceSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok {
		return nil, database.NewNotFound("suggestion", id)
	}
	return &s, nil
}

func (m *MockStore) ListSuggestions(_ context.Context, filter database.SuggestionFilter) ([]database.FaceSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.FaceSuggestion
	for _, s := range m.suggestions {
		if filter.PersonID != nil && s.PersonID != *filter.PersonID {
			continue
		}
		if filter.FaceID != nil && s.FaceID != *filter.FaceID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !s.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MockStore) pendingPairLocked(faceID, personID uuid.UUID) bool {
	for _, s := range m.suggestions {
		if s.Status == database.SuggestionPending && s.FaceID == faceID && s.PersonID == personID {
			return true
		}
	}
	return false
}

func (m *MockStore) CreateSuggestions(
	_ context.Context, suggestions []database.FaceSuggestion,
) ([]database.FaceSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var created []database.FaceSuggestion
	for _, s := range suggestions {
		if m.pendingPairLocked(s.FaceID, s.PersonID) {
			continue
		}
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		s.Status = database.SuggestionPending
		s.Revision = 1
		s.CreatedAt = now
		s.ReviewedAt = nil
		m.suggestions[s.ID] = s
		created = append(created, s)
	}
	return created, nil
}

func (m *MockStore) AcceptSuggestion(_ context.Context, req database.AcceptRequest) (*database.FaceInstance, error) {
	if m.AcceptError != nil {
		return nil, m.AcceptError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.suggestions[req.SuggestionID]
	if !ok {
		return nil, database.NewNotFound("suggestion", req.SuggestionID)
	}
	f, ok := m.faces[req.FaceID]
	if !ok {
		return nil, database.NewNotFound("face", req.FaceID)
	}
	if f.Revision != req.FaceRevision {
		return nil, database.NewConflict("face", req.FaceID, req.FaceRevision)
	}
	if s.Revision != req.SuggestionRevision || s.Status != database.SuggestionPending {
		return nil, database.NewConflict("suggestion", req.SuggestionID, req.SuggestionRevision)
	}

	now := m.now()
	pid := req.PersonID
	f.PersonID = &pid
	f.ClusterID = ""
	f.Revision++
	f.UpdatedAt = now
	m.faces[f.ID] = f

	s.Status = database.SuggestionAccepted
	s.Revision++
	s.ReviewedAt = &now
	m.suggestions[s.ID] = s

	for id, other := range m.suggestions {
		if id != s.ID && other.FaceID == f.ID && other.Status == database.SuggestionPending {
			other.Status = database.SuggestionExpired
			other.Revision++
			other.ReviewedAt = &now
			m.suggestions[id] = other
		}
	}

	f = cloneFace(f)
	return &f, nil
}

func (m *MockStore) SetSuggestionStatus(
	_ context.Context, id uuid.UUID, expectedRevision int64, to database.SuggestionStatus,
) (*database.FaceSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok {
		return nil, database.NewNotFound("suggestion", id)
	}
	if to == database.SuggestionAccepted {
		return nil, &database.ValidationError{Field: "status", Reason: "acceptance goes through AcceptSuggestion"}
	}
	if s.Revision != expectedRevision || s.Status != database.SuggestionPending {
		return nil, database.NewConflict("suggestion", id, expectedRevision)
	}
	next, err := s.Status.Transition(to)
	if err != nil {
		return nil, err
	}
	now := m.now()
	s.Status = next
	s.Revision++
	s.ReviewedAt = &now
	m.suggestions[id] = s
	return &s, nil
}

func (m *MockStore) ExpireSuggestions(_ context.Context, createdBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, s := range m.suggestions {
		if s.Status != database.SuggestionPending {
			continue
		}
		face, ok := m.faces[s.FaceID]
		stale := !createdBefore.IsZero() && s.CreatedAt.Before(createdBefore)
		if stale || (ok && face.PersonID != nil) {
			s.Status = database.SuggestionExpired
			s.Revision++
			s.ReviewedAt = &now
			m.suggestions[id] = s
			n++
		}
	}
	return n, nil
}

// --- reconcile tasks ---

func (m *MockStore) EnqueueReconcile(_ context.Context, t *database.ReconcileTask) error {
	if m.EnqueueError != nil {
		return m.EnqueueError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Status = database.ReconcilePending
	m.seq++
	t.CreatedAt = m.now().Add(time.Duration(m.seq))
	t.UpdatedAt = t.CreatedAt
	m.tasks[t.ID] = *t
	return nil
}

func (m *MockStore) ListPendingReconcile(_ context.Context, limit int) ([]database.ReconcileTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.ReconcileTask
	for _, t := range m.tasks {
		if t.Status == database.ReconcilePending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) CompleteReconcile(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return database.NewNotFound("reconcile task", id)
	}
	t.Status = database.ReconcileDone
	t.UpdatedAt = m.now()
	m.tasks[id] = t
	return nil
}

func (m *MockStore) FailReconcile(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return database.NewNotFound("reconcile task", id)
	}
	t.Attempts++
	t.Reason = reason
	t.UpdatedAt = m.now()
	m.tasks[id] = t
	return nil
}

func copyUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneFace(f database.FaceInstance) database.FaceInstance {
	f.PersonID = copyUUID(f.PersonID)
	return f
}
