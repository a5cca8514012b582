package retriever

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/database/mock"
)

func seeded(n int) *mock.MockIndex {
	idx := mock.NewMockIndex()
	for i := 0; i < n; i++ {
		idx.Put(database.Point{
			ID:      fmt.Sprintf("p%02d", i),
			Vector:  []float32{float32(i), 1},
			Payload: database.Payload{database.PayloadAssetID: fmt.Sprintf("asset-%d", i)},
		})
	}
	return idx
}

// singles reads ids one by one through Get, the reference path.
func singles(t *testing.T, idx database.EmbeddingIndex, ids []string) map[string]database.Point {
	t.Helper()
	out := map[string]database.Point{}
	for _, id := range ids {
		p, err := idx.Get(context.Background(), id)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		out[id] = *p
	}
	return out
}

func TestGetPointsMatchesSingleReads(t *testing.T) {
	ids := []string{"p00", "p01", "p02", "missing", "p03", "p01", "p04", "p05", "p06", "nope", "p07"}

	tests := []struct {
		name      string
		batchSize int
		failFor   map[string]bool
	}{
		{"one batch", 100, nil},
		{"small batches", 3, nil},
		{"batch size one", 1, nil},
		{"failing chunk falls back", 3, map[string]bool{"p04": true}},
		{"every chunk fails", 2, map[string]bool{"p00": true, "p02": true, "p04": true, "p06": true, "p07": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := seeded(8)
			want := singles(t, idx, ids)

			idx.FailRetrieveFor = tt.failFor
			r := New(idx, tt.batchSize, nil)
			got, err := r.GetPoints(context.Background(), ids)
			if err != nil {
				t.Fatalf("GetPoints: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("batch result differs from single reads\n got: %v\nwant: %v", got, want)
			}
		})
	}
}

func TestGetManyOmitsMissing(t *testing.T) {
	r := New(seeded(3), 2, nil)
	got, err := r.GetMany(context.Background(), []string{"p00", "x", "p02", ""})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 vectors, got %v", got)
	}
	if got["p02"][0] != 2 {
		t.Errorf("wrong vector for p02: %v", got["p02"])
	}
}

func TestGetPointsChunking(t *testing.T) {
	idx := seeded(10)
	r := New(idx, 4, nil)
	if _, err := r.GetPoints(context.Background(), []string{"p00", "p01", "p02", "p03", "p04", "p05", "p06", "p07", "p08", "p09"}); err != nil {
		t.Fatalf("GetPoints: %v", err)
	}
	if idx.RetrieveCalls != 3 {
		t.Errorf("RetrieveCalls = %d, want 3", idx.RetrieveCalls)
	}
	if idx.GetCalls != 0 {
		t.Errorf("GetCalls = %d, want 0", idx.GetCalls)
	}
}

func TestGetPointsFallbackFailure(t *testing.T) {
	idx := seeded(4)
	idx.FailRetrieveFor = map[string]bool{"p01": true}
	idx.FailGetFor = map[string]bool{"p01": true}

	r := New(idx, 2, nil)
	_, err := r.GetPoints(context.Background(), []string{"p00", "p01", "p02"})
	if !errors.Is(err, database.ErrExternalStoreUnavailable) {
		t.Fatalf("expected ExternalStoreUnavailable, got %v", err)
	}
	// Only the failing chunk goes through single reads.
	if idx.GetCalls != 2 {
		t.Errorf("GetCalls = %d, want 2", idx.GetCalls)
	}
}

func TestGetPointsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(seeded(2), 1, nil)
	if _, err := r.GetPoints(ctx, []string{"p00"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
