package centroid

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/database/mock"
	"github.com/kozaktomas/face-engine/internal/facesync"
	"github.com/kozaktomas/face-engine/internal/retriever"
)

const (
	modelVersion = "arcface-r100"
	algoVersion  = "trimmed-mean-v1"
)

type fixture struct {
	store     *mock.MockStore
	faces     *mock.MockIndex
	centroids *mock.MockIndex
	manager   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{store: mock.NewMockStore(), faces: mock.NewMockIndex(), centroids: mock.NewMockIndex()}
	r := retriever.New(fx.faces, 8, nil)
	syncer := facesync.New(fx.store, fx.faces, fx.centroids, r, nil)
	m, err := New(fx.store, r, fx.centroids, syncer, Options{
		ModelVersion:     modelVersion,
		AlgorithmVersion: algoVersion,
		MinFaces:         3,
		TrimFraction:     0.1,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fx.manager = m
	return fx
}

// addPerson creates a named person with n faces pointing roughly along axis 0.
func (fx *fixture) addPerson(name string, n int) database.Person {
	p := fx.store.AddPerson(database.Person{Name: name})
	for i := 0; i < n; i++ {
		fx.addFace(p.ID, i)
	}
	return p
}

func (fx *fixture) addFace(personID uuid.UUID, i int) database.FaceInstance {
	pid := personID
	face := fx.store.AddFace(database.FaceInstance{AssetID: uuid.NewString(), PersonID: &pid})
	vec := []float32{1, 0.05 * float32(i%3), 0.05 * float32(i%5), 0}
	fx.faces.Put(database.Point{ID: face.PointID, Vector: vec, Payload: database.FacePayloadFor(&face, false).ToPayload()})
	return face
}

func (fx *fixture) activeCount(personID uuid.UUID) int {
	return fx.store.ActiveCentroidCount(personID)
}

func TestBuildPromotes(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	p := fx.addPerson("Alice", 5)

	res, err := fx.manager.Build(ctx, p.ID, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Outcome != OutcomePromoted || res.SourceFaces != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	c := res.Centroid
	if c.State != database.CentroidActive || c.Type != database.CentroidGlobal {
		t.Errorf("unexpected centroid: %+v", c)
	}
	if fx.activeCount(p.ID) != 1 {
		t.Errorf("active centroids = %d, want 1", fx.activeCount(p.ID))
	}

	point, ok := fx.centroids.Point(c.PointID)
	if !ok {
		t.Fatal("centroid point not written")
	}
	if point.Payload.String(database.PayloadCentroidID) != c.ID.String() ||
		point.Payload.String(database.PayloadPersonID) != p.ID.String() {
		t.Errorf("unexpected payload: %v", point.Payload)
	}
	var norm float64
	for _, x := range point.Vector {
		norm += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-5 {
		t.Errorf("centroid not normalized: %v", point.Vector)
	}
	if _, ok := fx.faces.Point(c.PointID); ok {
		t.Error("centroid written to the faces collection")
	}
}

func TestBuildSkipsUnchangedAndForceSupersedes(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	p := fx.addPerson("Alice", 4)

	first, err := fx.manager.Build(ctx, p.ID, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	again, err := fx.manager.Build(ctx, p.ID, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if again.Outcome != OutcomeSkipped || again.Centroid.ID != first.Centroid.ID {
		t.Fatalf("expected skip returning the active centroid, got %+v", again)
	}

	forced, err := fx.manager.Build(ctx, p.ID, BuildOptions{Force: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if forced.Outcome != OutcomePromoted || forced.Centroid.ID == first.Centroid.ID {
		t.Fatalf("expected new centroid, got %+v", forced)
	}
	if len(forced.Superseded) != 1 || forced.Superseded[0] != first.Centroid.ID {
		t.Errorf("Superseded = %v", forced.Superseded)
	}
	old, _ := fx.store.GetCentroid(ctx, first.Centroid.ID)
	if old.State != database.CentroidDeprecated {
		t.Errorf("old centroid state = %s, want deprecated", old.State)
	}
	if _, ok := fx.centroids.Point(first.Centroid.PointID); ok {
		t.Error("superseded centroid point still indexed")
	}
	if fx.activeCount(p.ID) != 1 {
		t.Errorf("active centroids = %d, want 1", fx.activeCount(p.ID))
	}
}

func TestBuildInsufficientFaces(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	p := fx.addPerson("Alice", 2)

	res, err := fx.manager.Build(ctx, p.ID, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Outcome != OutcomeInsufficient || res.Centroid != nil {
		t.Errorf("expected insufficient result, got %+v", res)
	}
	rows, _ := fx.store.ListCentroids(ctx, p.ID)
	if len(rows) != 0 {
		t.Errorf("insufficient build created rows: %+v", rows)
	}
}

func TestBuildUnknownPerson(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.manager.Build(context.Background(), uuid.New(), BuildOptions{})
	if !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// A rebuild whose index write fails keeps the previous centroid active.
func TestBuildIndexFailureKeepsActiveCentroid(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	p := fx.addPerson("Alice", 10)
	c1 := fx.store.AddCentroid(database.PersonCentroid{
		PersonID:         p.ID,
		ModelVersion:     modelVersion,
		AlgorithmVersion: algoVersion,
		Type:             database.CentroidGlobal,
		State:            database.CentroidActive,
		SourceFaceCount:  10,
		SourceHash:       "previous",
		PointID:          "c1",
	})
	fx.centroids.UpsertError = errors.New("connection reset")

	res, err := fx.manager.Build(ctx, p.ID, BuildOptions{})
	if !errors.Is(err, database.ErrExternalStoreUnavailable) {
		t.Fatalf("expected ExternalStoreUnavailable, got %v", err)
	}
	if res == nil || res.Outcome != OutcomeFailed || res.Centroid == nil || res.Centroid.ID != c1.ID {
		t.Fatalf("unexpected result: %+v", res)
	}

	stored, _ := fx.store.GetCentroid(ctx, c1.ID)
	if stored.State != database.CentroidActive {
		t.Errorf("C1 state = %s, want active", stored.State)
	}
	rows, _ := fx.store.ListCentroids(ctx, p.ID)
	if len(rows) != 2 || rows[0].State != database.CentroidFailed {
		t.Fatalf("expected a failed row beside C1, got %+v", rows)
	}
	if fx.activeCount(p.ID) != 1 {
		t.Errorf("active centroids = %d, want 1", fx.activeCount(p.ID))
	}
}

func TestBuildNeverLeavesPersonWithoutActiveCentroid(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	p := fx.addPerson("Alice", 6)
	if _, err := fx.manager.Build(ctx, p.ID, BuildOptions{}); err != nil {
		t.Fatalf("Build: %v", err)
	}

	var before []int
	fx.store.BeforePromote = func(uuid.UUID) { before = append(before, fx.activeCount(p.ID)) }
	for i := 0; i < 3; i++ {
		if _, err := fx.manager.Build(ctx, p.ID, BuildOptions{Force: true}); err != nil {
			t.Fatalf("Build: %v", err)
		}
		if n := fx.activeCount(p.ID); n != 1 {
			t.Fatalf("after rebuild %d: active centroids = %d", i, n)
		}
	}
	for i, n := range before {
		if n != 1 {
			t.Errorf("before promote %d: active centroids = %d", i, n)
		}
	}
}

func TestConcurrentBuildsResolveToOneActive(t *testing.T) {
	for _, withPrior := range []bool{false, true} {
		name := "first build"
		if withPrior {
			name = "rebuild"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fx := newFixture(t)
			p := fx.addPerson("Alice", 5)
			if withPrior {
				if _, err := fx.manager.Build(ctx, p.ID, BuildOptions{}); err != nil {
					t.Fatalf("Build: %v", err)
				}
			}

			// Hold both builds at the index write so both read the same active row.
			var arrived sync.WaitGroup
			arrived.Add(2)
			fx.centroids.UpsertHook = func([]database.Point) error {
				arrived.Done()
				arrived.Wait()
				return nil
			}

			results := make([]*BuildResult, 2)
			errs := make([]error, 2)
			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], errs[i] = fx.manager.Build(ctx, p.ID, BuildOptions{Force: true})
				}(i)
			}
			wg.Wait()

			outcomes := map[Outcome]int{}
			for i := range results {
				if errs[i] != nil {
					t.Fatalf("build %d: %v", i, errs[i])
				}
				outcomes[results[i].Outcome]++
			}
			if outcomes[OutcomePromoted] != 1 || outcomes[OutcomeLostRace] != 1 {
				t.Fatalf("outcomes = %v", outcomes)
			}
			if results[0].Centroid.ID != results[1].Centroid.ID {
				t.Error("builds disagree on the active centroid")
			}
			if fx.activeCount(p.ID) != 1 {
				t.Errorf("active centroids = %d, want 1", fx.activeCount(p.ID))
			}

			rows, _ := fx.store.ListCentroids(ctx, p.ID)
			states := map[database.CentroidState]int{}
			for _, r := range rows {
				states[r.State]++
			}
			if states[database.CentroidBuilding] != 0 {
				t.Errorf("rows left building: %v", states)
			}
		})
	}
}

func TestBuildPromoteErrorIsReturned(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	p := fx.addPerson("Alice", 3)
	first, err := fx.manager.Build(ctx, p.ID, BuildOptions{})
	if err != nil {
		t.Fatalf("first Build: %v", err)
	}

	fx.store.PromoteCentroidError = errors.New("db gone")
	res, err := fx.manager.Build(ctx, p.ID, BuildOptions{Force: true})
	if err == nil {
		t.Fatal("expected error")
	}
	if res == nil || res.Outcome != OutcomeFailed {
		t.Fatalf("result = %+v, want failed outcome", res)
	}

	rows, _ := fx.store.ListCentroids(ctx, p.ID)
	states := map[database.CentroidState]int{}
	for _, r := range rows {
		states[r.State]++
	}
	if states[database.CentroidBuilding] != 0 || states[database.CentroidFailed] != 1 {
		t.Errorf("states = %v, want one failed and none building", states)
	}
	if fx.activeCount(p.ID) != 1 {
		t.Errorf("previous centroid no longer active")
	}
	if n, _ := fx.centroids.Count(ctx); n != 1 {
		t.Errorf("centroid points = %d, want only the active one", n)
	}
	if _, ok := fx.centroids.Point(first.Centroid.PointID); !ok {
		t.Error("active centroid point removed")
	}
}

func TestBuildPromoteErrorQueuesPointRemoval(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	p := fx.addPerson("Alice", 3)
	fx.store.PromoteCentroidError = errors.New("db gone")
	fx.centroids.DeleteError = errors.New("index down")

	if _, err := fx.manager.Build(ctx, p.ID, BuildOptions{}); err == nil {
		t.Fatal("expected error")
	}
	tasks, err := fx.store.ListPendingReconcile(ctx, 0)
	if err != nil {
		t.Fatalf("ListPendingReconcile: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Kind != database.ReconcileCentroidPoint {
		t.Fatalf("tasks = %+v, want one centroid_point task", tasks)
	}
}

func TestStale(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	p := fx.addPerson("Alice", 3)

	stale, err := fx.manager.Stale(ctx, p.ID, BuildOptions{})
	if err != nil || !stale {
		t.Fatalf("person without centroid: stale=%v err=%v", stale, err)
	}
	if _, err := fx.manager.Build(ctx, p.ID, BuildOptions{}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if stale, _ := fx.manager.Stale(ctx, p.ID, BuildOptions{}); stale {
		t.Error("fresh centroid reported stale")
	}
	fx.addFace(p.ID, 7)
	if stale, _ := fx.manager.Stale(ctx, p.ID, BuildOptions{}); !stale {
		t.Error("new source face not detected")
	}
}

func TestBuildClusterCentroid(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	p := fx.addPerson("Alice", 2)
	for i := 0; i < 3; i++ {
		f := fx.addFace(p.ID, i)
		pid := p.ID
		if _, err := fx.store.ApplyAssignments(ctx, []database.FaceAssignment{
			{FaceID: f.ID, ExpectedRevision: f.Revision, PersonID: &pid, ClusterID: "beard"},
		}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := fx.manager.Build(ctx, p.ID, BuildOptions{Type: database.CentroidCluster, ClusterLabel: "beard"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Outcome != OutcomePromoted || res.SourceFaces != 3 || res.Centroid.ClusterLabel != "beard" {
		t.Fatalf("unexpected result: %+v", res)
	}
	// The global slot is independent of the cluster slot.
	global, err := fx.manager.Build(ctx, p.ID, BuildOptions{})
	if err != nil || global.Outcome != OutcomePromoted || global.SourceFaces != 5 {
		t.Fatalf("global build: %+v, %v", global, err)
	}
	if fx.activeCount(p.ID) != 2 {
		t.Errorf("active centroids = %d, want 2", fx.activeCount(p.ID))
	}
}

func TestBuildAll(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.addPerson("Alice", 4)
	fx.addPerson("Bob", 1)
	fx.store.AddPerson(database.Person{Status: database.PersonUnnamedGroup})

	var calls int
	res, err := fx.manager.BuildAll(ctx, BuildOptions{}, func(done, total int) {
		calls++
		if total != 2 {
			t.Errorf("total = %d, want 2", total)
		}
	})
	if err != nil {
		t.Fatalf("BuildAll: %v", err)
	}
	if res.Created != 1 || res.Skipped != 1 || res.Failed != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if calls != 2 {
		t.Errorf("progress calls = %d, want 2", calls)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"missing versions", Options{MinFaces: 1}},
		{"zero min faces", Options{ModelVersion: "m", AlgorithmVersion: "a"}},
		{"trim too large", Options{ModelVersion: "m", AlgorithmVersion: "a", MinFaces: 1, TrimFraction: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.opts.Validate(); !errors.Is(err, database.ErrValidationFailed) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}
