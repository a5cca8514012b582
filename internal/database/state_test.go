package database

import (
	"errors"
	"testing"
)

func TestCentroidStateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    CentroidState
		to      CentroidState
		wantErr bool
	}{
		{"building to active", CentroidBuilding, CentroidActive, false},
		{"building to failed", CentroidBuilding, CentroidFailed, false},
		{"building to deprecated after lost race", CentroidBuilding, CentroidDeprecated, false},
		{"active to deprecated", CentroidActive, CentroidDeprecated, false},
		{"active to failed", CentroidActive, CentroidFailed, true},
		{"active to building", CentroidActive, CentroidBuilding, true},
		{"failed is absorbing", CentroidFailed, CentroidActive, true},
		{"deprecated is terminal", CentroidDeprecated, CentroidActive, true},
		{"building to building", CentroidBuilding, CentroidBuilding, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.from.Transition(tt.to)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %s -> %s", tt.from, tt.to)
				}
				if !errors.Is(err, ErrValidationFailed) {
					t.Errorf("expected ErrValidationFailed, got %v", err)
				}
				if got != tt.from {
					t.Errorf("state changed on illegal transition: %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.to {
				t.Errorf("got %s, want %s", got, tt.to)
			}
		})
	}
}

func TestCentroidStateTerminal(t *testing.T) {
	if CentroidBuilding.Terminal() || CentroidActive.Terminal() {
		t.Error("building and active must not be terminal")
	}
	if !CentroidDeprecated.Terminal() || !CentroidFailed.Terminal() {
		t.Error("deprecated and failed must be terminal")
	}
}

func TestSuggestionStatusTransition(t *testing.T) {
	tests := []struct {
		from SuggestionStatus
		to   SuggestionStatus
		ok   bool
	}{
		{SuggestionPending, SuggestionAccepted, true},
		{SuggestionPending, SuggestionRejected, true},
		{SuggestionPending, SuggestionExpired, true},
		{SuggestionPending, SuggestionPending, false},
		{SuggestionAccepted, SuggestionRejected, false},
		{SuggestionAccepted, SuggestionAccepted, false},
		{SuggestionRejected, SuggestionAccepted, false},
		{SuggestionExpired, SuggestionPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			_, err := tt.from.Transition(tt.to)
			if (err == nil) != tt.ok {
				t.Errorf("Transition(%s -> %s) err = %v, want ok=%v", tt.from, tt.to, err, tt.ok)
			}
		})
	}
}

func TestStatusValid(t *testing.T) {
	if !CentroidActive.Valid() || CentroidState("ready").Valid() {
		t.Error("CentroidState.Valid mismatch")
	}
	if !SuggestionExpired.Valid() || SuggestionStatus("done").Valid() {
		t.Error("SuggestionStatus.Valid mismatch")
	}
	if !PersonUnnamedGroup.Valid() || PersonStatus("ghost").Valid() {
		t.Error("PersonStatus.Valid mismatch")
	}
}
