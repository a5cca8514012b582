package database

import (
	"testing"

	"github.com/google/uuid"
)

func TestFacePayloadRoundTrip(t *testing.T) {
	person := uuid.New()
	tests := []struct {
		name    string
		payload FacePayload
	}{
		{
			name: "assigned prototype",
			payload: FacePayload{
				AssetID:        "asset-1",
				FaceInstanceID: uuid.New(),
				PersonID:       &person,
				IsPrototype:    true,
			},
		},
		{
			name: "clustered",
			payload: FacePayload{
				AssetID:        "asset-2",
				FaceInstanceID: uuid.New(),
				ClusterID:      "cluster-7",
			},
		},
		{
			name: "unassigned",
			payload: FacePayload{
				AssetID:        "asset-3",
				FaceInstanceID: uuid.New(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.payload.ToPayload()

			// Readers must find the face under the canonical key.
			if raw.String(PayloadFaceInstanceID) != tt.payload.FaceInstanceID.String() {
				t.Fatalf("canonical key %q missing from %v", PayloadFaceInstanceID, raw)
			}

			got, ok := FacePayloadFrom(raw)
			if !ok {
				t.Fatal("FacePayloadFrom rejected a payload written by ToPayload")
			}
			if got.FaceInstanceID != tt.payload.FaceInstanceID {
				t.Errorf("FaceInstanceID = %s, want %s", got.FaceInstanceID, tt.payload.FaceInstanceID)
			}
			if got.AssetID != tt.payload.AssetID || got.ClusterID != tt.payload.ClusterID {
				t.Errorf("got %+v, want %+v", got, tt.payload)
			}
			if got.IsPrototype != tt.payload.IsPrototype {
				t.Errorf("IsPrototype = %v, want %v", got.IsPrototype, tt.payload.IsPrototype)
			}
			if (got.PersonID == nil) != (tt.payload.PersonID == nil) {
				t.Fatalf("PersonID presence mismatch: %v vs %v", got.PersonID, tt.payload.PersonID)
			}
			if got.PersonID != nil && *got.PersonID != *tt.payload.PersonID {
				t.Errorf("PersonID = %s, want %s", got.PersonID, tt.payload.PersonID)
			}
		})
	}
}

func TestFacePayloadFromRejectsOtherKeys(t *testing.T) {
	// A payload keyed by anything but faceInstanceId is not a face point.
	p := Payload{"face_id": uuid.NewString(), PayloadAssetID: "a"}
	if _, ok := FacePayloadFrom(p); ok {
		t.Error("expected payload without canonical key to be rejected")
	}
}

func TestPayloadAccessorsFromStrings(t *testing.T) {
	// Remote backends return every field as a string.
	p := Payload{PayloadIsPrototype: "true", PayloadClusterID: ""}
	if !p.Bool(PayloadIsPrototype) {
		t.Error("expected string true to parse")
	}
	if p.Has(PayloadClusterID) {
		t.Error("empty string must count as missing")
	}
	if p.Has(PayloadPersonID) {
		t.Error("absent key must count as missing")
	}
}

func TestSearchFilterMatches(t *testing.T) {
	person := uuid.New()
	assigned := FacePayload{AssetID: "a", FaceInstanceID: uuid.New(), PersonID: &person}.ToPayload()
	unassigned := FacePayload{AssetID: "b", FaceInstanceID: uuid.New()}.ToPayload()

	tests := []struct {
		name   string
		filter SearchFilter
		p      Payload
		want   bool
	}{
		{"empty filter", SearchFilter{}, assigned, true},
		{"unassigned matches missing", UnassignedFaces(), unassigned, true},
		{"assigned fails missing", UnassignedFaces(), assigned, false},
		{"must match", SearchFilter{Must: map[string]string{PayloadPersonID: person.String()}}, assigned, true},
		{"must mismatch", SearchFilter{Must: map[string]string{PayloadAssetID: "z"}}, assigned, false},
		{"must not", SearchFilter{MustNot: map[string]string{PayloadAssetID: "a"}}, assigned, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(tt.p); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if got-tt.want > 0.0001 || tt.want-got > 0.0001 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}
