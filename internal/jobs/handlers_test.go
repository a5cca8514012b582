package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-engine/internal/centroid"
	"github.com/kozaktomas/face-engine/internal/clustering"
	"github.com/kozaktomas/face-engine/internal/facesync"
	"github.com/kozaktomas/face-engine/internal/suggestion"
)

type fakeEngine struct {
	clusterReq clustering.Request
	failFor    uuid.UUID
}

func (f *fakeEngine) Cluster(_ context.Context, req clustering.Request) (*clustering.Result, error) {
	f.clusterReq = req
	return &clustering.Result{Stats: clustering.Stats{Assigned: 2, Clustered: 8, Noise: 4}}, nil
}

func (f *fakeEngine) Build(context.Context, uuid.UUID, centroid.BuildOptions) (*centroid.BuildResult, error) {
	return &centroid.BuildResult{Outcome: centroid.OutcomePromoted}, nil
}

func (f *fakeEngine) BuildAll(
	_ context.Context, _ centroid.BuildOptions, progress func(done, total int),
) (*centroid.BatchResult, error) {
	progress(1, 1)
	return &centroid.BatchResult{Created: 3, Skipped: 1, Failed: 1, Errors: []string{"x: no faces"}}, nil
}

func (f *fakeEngine) Generate(_ context.Context, id uuid.UUID, _ suggestion.SearchParams) (*suggestion.GenerateResult, error) {
	if id == f.failFor {
		return nil, errors.New("person vanished")
	}
	return &suggestion.GenerateResult{Created: 2, Skipped: 1}, nil
}

func (f *fakeEngine) Reconcile(context.Context, facesync.ReconcileOptions) (*facesync.Report, error) {
	return &facesync.Report{
		Checked:     10,
		Divergences: []facesync.Divergence{{Field: "personId"}, {Field: "clusterId"}},
		Missing:     []uuid.UUID{uuid.New()},
		Repaired:    2,
	}, nil
}

func (f *fakeEngine) ReplayPending(context.Context, int) (*facesync.ReplayResult, error) {
	return &facesync.ReplayResult{Done: 4, Failed: 1}, nil
}

func runJob(t *testing.T, f *fakeEngine, typ Type, params string) Job {
	t.Helper()
	q := startQueue(t, 1)
	RegisterHandlers(q, Components{Clusterer: f, Centroids: f, Suggester: f, Reconciler: f})
	q.Start(context.Background())

	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	job, err := q.Enqueue(context.Background(), typ, raw)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return waitJob(t, q, job)
}

func TestHandlers(t *testing.T) {
	failing := uuid.New()

	tests := []struct {
		name   string
		typ    Type
		params string
		want   Result
	}{
		{"cluster", TypeCluster, `{"min_cluster_size":5,"dry_run":true}`, Result{Created: 10, Skipped: 4}},
		{"centroid single", TypeCentroidBuild, `{"person_id":"` + uuid.NewString() + `"}`, Result{Created: 1}},
		{"centroid all", TypeCentroidBuild, ``, Result{Created: 3, Skipped: 1, Failed: 1}},
		{
			"suggest", TypeSuggest,
			`{"person_ids":["` + uuid.NewString() + `","` + failing.String() + `"]}`,
			Result{Created: 2, Skipped: 1, Failed: 1},
		},
		{"reconcile", TypeReconcile, `{"repair":true}`, Result{Created: 2, Skipped: 7, Failed: 1}},
		{"replay", TypeReplay, `{"limit":10}`, Result{Created: 4, Failed: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := runJob(t, &fakeEngine{failFor: failing}, tt.typ, tt.params)
			if got.Status != StatusCompleted {
				t.Fatalf("status = %s, error %q", got.Status, got.Error)
			}
			r := got.Result
			if r.Created != tt.want.Created || r.Skipped != tt.want.Skipped || r.Failed != tt.want.Failed {
				t.Errorf("result = %d/%d/%d, want %d/%d/%d",
					r.Created, r.Skipped, r.Failed, tt.want.Created, tt.want.Skipped, tt.want.Failed)
			}
		})
	}
}

func TestClusterParamsReachRequest(t *testing.T) {
	f := &fakeEngine{}
	id := uuid.New()
	runJob(t, f, TypeCluster,
		`{"face_ids":["`+id.String()+`"],"after_id":"`+id.String()+`","algorithm":"threshold","cluster_threshold":0.7}`)

	if len(f.clusterReq.FaceIDs) != 1 || f.clusterReq.FaceIDs[0] != id {
		t.Errorf("FaceIDs = %v", f.clusterReq.FaceIDs)
	}
	if f.clusterReq.AfterID == nil || *f.clusterReq.AfterID != id {
		t.Errorf("AfterID = %v", f.clusterReq.AfterID)
	}
	if f.clusterReq.Options.Algorithm != clustering.AlgorithmThreshold || f.clusterReq.Options.ClusterThreshold != 0.7 {
		t.Errorf("Options = %+v", f.clusterReq.Options)
	}
}

func TestHandlerParamErrors(t *testing.T) {
	got := runJob(t, &fakeEngine{}, TypeSuggest, `{}`)
	if got.Status != StatusFailed || !strings.Contains(got.Error, "person_ids") {
		t.Errorf("missing persons: %s %q", got.Status, got.Error)
	}

	got = runJob(t, &fakeEngine{}, TypeReplay, `{"limit":"ten"}`)
	if got.Status != StatusFailed || !strings.Contains(got.Error, "params") {
		t.Errorf("bad params: %s %q", got.Status, got.Error)
	}
}

func TestRegisterSkipsMissingComponents(t *testing.T) {
	q := NewQueue(1, 4, nil)
	RegisterHandlers(q, Components{Reconciler: &fakeEngine{}})
	if _, err := q.Enqueue(context.Background(), TypeCluster, nil); err == nil {
		t.Error("cluster should be unregistered")
	}
	if _, err := q.Enqueue(context.Background(), TypeReplay, nil); err != nil {
		t.Errorf("replay should be registered: %v", err)
	}
}
