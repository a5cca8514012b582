package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-engine/internal/config"
	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/jobs"
	"github.com/kozaktomas/face-engine/internal/suggestion"
	"github.com/kozaktomas/face-engine/internal/web/handlers"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fakeReviewer struct {
	accepted map[uuid.UUID]bool
}

func (f *fakeReviewer) Accept(_ context.Context, id uuid.UUID, _ int64) (suggestion.Outcome, *database.FaceInstance, error) {
	if f.accepted[id] {
		return suggestion.OutcomeConflict, nil, database.NewConflict("suggestion", id, 2)
	}
	f.accepted[id] = true
	return suggestion.OutcomeAccepted, &database.FaceInstance{ID: uuid.New(), Revision: 2}, nil
}

func (f *fakeReviewer) Reject(_ context.Context, id uuid.UUID, _ int64) (suggestion.Outcome, error) {
	return suggestion.OutcomeNotFound, database.NewNotFound("suggestion", id)
}

func (f *fakeReviewer) BulkAct(_ context.Context, ids []uuid.UUID, _ suggestion.Action) ([]suggestion.ItemResult, error) {
	out := make([]suggestion.ItemResult, len(ids))
	for i, id := range ids {
		out[i] = suggestion.ItemResult{SuggestionID: id, Outcome: suggestion.OutcomeAccepted}
	}
	return out, nil
}

type fakeLister struct{ filter database.SuggestionFilter }

func (f *fakeLister) ListSuggestions(_ context.Context, filter database.SuggestionFilter) ([]database.FaceSuggestion, error) {
	f.filter = filter
	return []database.FaceSuggestion{{ID: uuid.New(), Status: database.SuggestionPending, Confidence: 0.9}}, nil
}

type testEnv struct {
	srv    *Server
	queue  *jobs.Queue
	gate   chan struct{}
	lister *fakeLister
}

func newTestEnv(t *testing.T, token string, checks map[string]handlers.Checker) *testEnv {
	t.Helper()
	env := &testEnv{gate: make(chan struct{}), lister: &fakeLister{}}
	env.queue = jobs.NewQueue(1, 8, nil)
	env.queue.Register(jobs.TypeReplay, func(ctx context.Context, _ json.RawMessage, report jobs.Reporter) (*jobs.Result, error) {
		select {
		case <-env.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		report(1, 1)
		return &jobs.Result{Created: 1}, nil
	})
	env.queue.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.queue.Stop(ctx)
	})

	env.srv = NewServer(config.HTTPConfig{Addr: ":0", Token: token}, Deps{
		Jobs:        env.queue,
		Reviewer:    &fakeReviewer{accepted: map[uuid.UUID]bool{}},
		Suggestions: env.lister,
		Checks:      checks,
	}, nil)
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) jobs.Job {
	t.Helper()
	var j jobs.Job
	if err := json.NewDecoder(rec.Body).Decode(&j); err != nil {
		t.Fatalf("decoding job: %v (%s)", err, rec.Body.String())
	}
	return j
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "", map[string]handlers.Checker{"postgres": pinger{}})
	if rec := env.do(http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthy: status = %d", rec.Code)
	}

	env = newTestEnv(t, "", map[string]handlers.Checker{"postgres": pinger{}, "index": pinger{errors.New("down")}})
	rec := env.do(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("degraded: status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.do(http.MethodGet, "/healthz", "")
	rec := env.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "face_engine_http_requests_total") {
		t.Errorf("metrics: status = %d", rec.Code)
	}
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(http.MethodPost, "/api/v1/jobs", `{"type":"replay","params":{"limit":5}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: status = %d body %s", rec.Code, rec.Body.String())
	}
	created := decodeJob(t, rec)
	if rec.Header().Get("Location") != "/api/v1/jobs/"+created.ID.String() {
		t.Errorf("Location = %q", rec.Header().Get("Location"))
	}

	rec = env.do(http.MethodGet, "/api/v1/jobs/"+created.ID.String(), "")
	if rec.Code != http.StatusOK || decodeJob(t, rec).ID != created.ID {
		t.Fatalf("get: status = %d", rec.Code)
	}

	close(env.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := env.queue.Wait(ctx, created.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	rec = env.do(http.MethodGet, "/api/v1/jobs/"+created.ID.String(), "")
	done := decodeJob(t, rec)
	if done.Status != jobs.StatusCompleted || done.Result == nil || done.Result.Created != 1 {
		t.Errorf("finished job = %+v", done)
	}

	// terminal jobs cannot be cancelled
	if rec := env.do(http.MethodDelete, "/api/v1/jobs/"+created.ID.String(), ""); rec.Code != http.StatusConflict {
		t.Errorf("cancel completed: status = %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/api/v1/jobs", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), created.ID.String()) {
		t.Errorf("list: status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, "", nil)
	created := decodeJob(t, env.do(http.MethodPost, "/api/v1/jobs", `{"type":"replay"}`))

	rec := env.do(http.MethodDelete, "/api/v1/jobs/"+created.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d body %s", rec.Code, rec.Body.String())
	}
	if got := decodeJob(t, rec); got.Status != jobs.StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}
}

func TestJobErrors(t *testing.T) {
	env := newTestEnv(t, "", nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad body", http.MethodPost, "/api/v1/jobs", `{`, http.StatusBadRequest},
		{"missing type", http.MethodPost, "/api/v1/jobs", `{}`, http.StatusBadRequest},
		{"unknown type", http.MethodPost, "/api/v1/jobs", `{"type":"resize"}`, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/api/v1/jobs/nope", "", http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/api/v1/jobs/" + uuid.NewString(), "", http.StatusNotFound},
		{"cancel unknown", http.MethodDelete, "/api/v1/jobs/" + uuid.NewString(), "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t, "s3cret", nil)

	if rec := env.do(http.MethodGet, "/api/v1/jobs", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("without token: status = %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with token: status = %d", rec.Code)
	}
	// probes stay open
	if rec := env.do(http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz: status = %d", rec.Code)
	}
}

func TestJobEventsStream(t *testing.T) {
	env := newTestEnv(t, "", nil)
	created := decodeJob(t, env.do(http.MethodPost, "/api/v1/jobs", `{"type":"replay"}`))

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + created.ID.String() + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	close(env.gate)

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	if len(events) < 2 || events[0] != "status" || events[len(events)-1] != "completed" {
		t.Errorf("events = %v", events)
	}
}

func TestSuggestionRoutes(t *testing.T) {
	env := newTestEnv(t, "", nil)
	person := uuid.New()

	rec := env.do(http.MethodGet, "/api/v1/suggestions?person_id="+person.String()+"&limit=5", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"confidence":0.9`) {
		t.Fatalf("list: status = %d body %s", rec.Code, rec.Body.String())
	}
	if env.lister.filter.PersonID == nil || *env.lister.filter.PersonID != person || env.lister.filter.Limit != 5 {
		t.Errorf("filter = %+v", env.lister.filter)
	}
	if rec := env.do(http.MethodGet, "/api/v1/suggestions?status=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status: %d", rec.Code)
	}

	id := uuid.NewString()
	if rec := env.do(http.MethodPost, "/api/v1/suggestions/"+id+"/accept", ""); rec.Code != http.StatusOK {
		t.Errorf("first accept: status = %d", rec.Code)
	}
	rec = env.do(http.MethodPost, "/api/v1/suggestions/"+id+"/accept", `{"revision":1}`)
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), `"outcome":"conflict"`) {
		t.Errorf("second accept: status = %d body %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(http.MethodPost, "/api/v1/suggestions/"+id+"/reject", ""); rec.Code != http.StatusNotFound {
		t.Errorf("reject: status = %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/v1/suggestions/bulk", `{"ids":["`+id+`"],"action":"accept"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"outcome":"accepted"`) {
		t.Errorf("bulk: status = %d body %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(http.MethodPost, "/api/v1/suggestions/bulk", `{"ids":[]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty bulk: status = %d", rec.Code)
	}
}
