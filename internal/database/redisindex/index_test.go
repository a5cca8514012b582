package redisindex

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/mock"
	"go.uber.org/mock/gomock"

	"github.com/kozaktomas/face-engine/internal/database"
)

func newTestIndex(t *testing.T) (*Index, *mock.Client) {
	t.Helper()
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	return New(c, "faces", 3), c
}

func TestBuildFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter database.SearchFilter
		want   string
	}{
		{"empty", database.SearchFilter{}, "*"},
		{"unassigned", database.UnassignedFaces(), "ismissing(@personId)"},
		{
			"must escapes uuid dashes",
			database.SearchFilter{Must: map[string]string{"personId": "a-b"}},
			`@personId:{a\-b}`,
		},
		{
			"combined",
			database.SearchFilter{
				Must:      map[string]string{"modelVersion": "m1", "centroidType": "global"},
				MustNot:   map[string]string{"isPrototype": "true"},
				IsMissing: []string{"clusterId"},
			},
			"@centroidType:{global} @modelVersion:{m1} -@isPrototype:{true} ismissing(@clusterId)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildFilter(tt.filter); got != tt.want {
				t.Errorf("buildFilter() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVectorBytes(t *testing.T) {
	in := []float32{1.5, -2, 0.25}
	out := bytesToVector(vectorToBytes(in))
	for i := range in {
		if math.Abs(float64(in[i]-out[i])) > 1e-9 {
			t.Fatalf("got %v, want %v", out, in)
		}
	}
}

func TestEnsureSchemaCreatesMissingIndex(t *testing.T) {
	x, c := newTestIndex(t)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("FT.INFO", "faces")).
		Return(mock.Result(mock.RedisError("Unknown index name")))
	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			joined := strings.Join(cmd, " ")
			return cmd[0] == "FT.CREATE" && cmd[1] == "faces" &&
				strings.Contains(joined, "PREFIX 1 faces:") &&
				strings.Contains(joined, "VECTOR HNSW") &&
				strings.Contains(joined, "personId TAG CASESENSITIVE INDEXMISSING")
		})).
		Return(mock.Result(mock.RedisString("OK")))

	if err := x.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
}

func TestEnsureSchemaExisting(t *testing.T) {
	x, c := newTestIndex(t)
	c.EXPECT().
		Do(gomock.Any(), mock.Match("FT.INFO", "faces")).
		Return(mock.Result(mock.RedisArray()))

	if err := x.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
}

func TestGet(t *testing.T) {
	x, c := newTestIndex(t)
	c.EXPECT().
		Do(gomock.Any(), mock.Match("HGETALL", "faces:p1")).
		Return(mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
			"vector":         mock.RedisString(vectorToBytes([]float32{1, 0, 0})),
			"faceInstanceId": mock.RedisString("f1"),
			"isPrototype":    mock.RedisString("true"),
		})))
	c.EXPECT().
		Do(gomock.Any(), mock.Match("HGETALL", "faces:gone")).
		Return(mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{})))

	p, err := x.Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Vector[0] != 1 || p.Payload.String("faceInstanceId") != "f1" || !p.Payload.Bool("isPrototype") {
		t.Errorf("unexpected point: %+v", p)
	}

	if _, err := x.Get(context.Background(), "gone"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRetrieveOmitsMissing(t *testing.T) {
	x, c := newTestIndex(t)
	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
				"vector": mock.RedisString(vectorToBytes([]float32{0, 1, 0})),
			})),
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{})),
		})

	points, err := x.Retrieve(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(points) != 1 || points[0].ID != "a" {
		t.Errorf("unexpected points: %+v", points)
	}
}

func TestSearch(t *testing.T) {
	x, c := newTestIndex(t)
	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "FT.SEARCH" && cmd[1] == "faces" &&
				strings.HasPrefix(cmd[2], "(ismissing(@personId))=>[KNN 5 @vector $BLOB]")
		})).
		Return(mock.Result(mock.RedisArray(
			mock.RedisInt64(2),
			mock.RedisString("faces:near"),
			mock.RedisArray(
				mock.RedisString("__vector_score"), mock.RedisString("0.1"),
				mock.RedisString("faceInstanceId"), mock.RedisString("f-near"),
			),
			mock.RedisString("faces:far"),
			mock.RedisArray(
				mock.RedisString("__vector_score"), mock.RedisString("0.7"),
				mock.RedisString("faceInstanceId"), mock.RedisString("f-far"),
			),
		)))

	hits, err := x.Search(context.Background(), []float32{1, 0, 0}, database.UnassignedFaces(), 5, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "near" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if math.Abs(hits[0].Score-0.9) > 1e-9 {
		t.Errorf("score = %v, want 0.9", hits[0].Score)
	}
	if _, ok := hits[0].Payload["__vector_score"]; ok {
		t.Error("score leaked into payload")
	}
}

func TestSearchRejectsWrongDimension(t *testing.T) {
	x, _ := newTestIndex(t)
	_, err := x.Search(context.Background(), []float32{1, 0}, database.SearchFilter{}, 5, 0)
	if !errors.Is(err, database.ErrExternalStoreUnavailable) {
		t.Errorf("expected index error, got %v", err)
	}
}

func TestUpsertFailureIsIndexError(t *testing.T) {
	x, c := newTestIndex(t)
	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisInt64(0)),
			mock.ErrorResult(context.DeadlineExceeded),
		})

	err := x.Upsert(context.Background(), []database.Point{{ID: "p", Vector: []float32{1, 0, 0}}})
	var ie *database.IndexError
	if !errors.As(err, &ie) || ie.Op != database.OpUpsert {
		t.Fatalf("expected upsert IndexError, got %v", err)
	}
	if !errors.Is(err, database.ErrExternalStoreUnavailable) {
		t.Error("index error does not match ErrExternalStoreUnavailable")
	}
}

func TestSetPayloadSkipsMissingPoints(t *testing.T) {
	x, c := newTestIndex(t)
	gomock.InOrder(
		c.EXPECT().
			DoMulti(gomock.Any(), mock.Match("EXISTS", "faces:a"), mock.Match("EXISTS", "faces:b")).
			Return([]rueidis.RedisResult{
				mock.Result(mock.RedisInt64(1)),
				mock.Result(mock.RedisInt64(0)),
			}),
		c.EXPECT().
			DoMulti(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
				return cmd[0] == "HSET" && cmd[1] == "faces:a" && cmd[2] == "personId" && cmd[3] == "p1"
			})).
			Return([]rueidis.RedisResult{mock.Result(mock.RedisInt64(1))}),
	)

	err := x.SetPayloadFields(context.Background(), []string{"a", "b"}, database.Payload{"personId": "p1"})
	if err != nil {
		t.Fatalf("SetPayloadFields: %v", err)
	}
}

func TestCount(t *testing.T) {
	x, c := newTestIndex(t)
	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "FT.SEARCH" && cmd[2] == "*"
		})).
		Return(mock.Result(mock.RedisArray(mock.RedisInt64(42))))

	n, err := x.Count(context.Background())
	if err != nil || n != 42 {
		t.Errorf("Count = %d, %v", n, err)
	}
}
