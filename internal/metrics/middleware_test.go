package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/api/v1/jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/abc", http.NoBody)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/jobs/{id}", "404"))
	if got < 1 {
		t.Errorf("expected request counted under route pattern, got %v", got)
	}
}

func TestEngineCounters(t *testing.T) {
	before := testutil.ToFloat64(Conflicts.WithLabelValues("face"))
	Conflicts.WithLabelValues("face").Inc()
	if got := testutil.ToFloat64(Conflicts.WithLabelValues("face")); got != before+1 {
		t.Errorf("Conflicts = %v, want %v", got, before+1)
	}
}
