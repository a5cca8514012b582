package database

import "fmt"

// CentroidState is the lifecycle state of a PersonCentroid.
type CentroidState string

const (
	CentroidBuilding   CentroidState = "building"
	CentroidActive     CentroidState = "active"
	CentroidDeprecated CentroidState = "deprecated"
	CentroidFailed     CentroidState = "failed"
)

var centroidTransitions = map[CentroidState][]CentroidState{
	CentroidBuilding: {CentroidActive, CentroidFailed, CentroidDeprecated},
	CentroidActive:   {CentroidDeprecated},
}

// Valid reports whether s is a known centroid state.
func (s CentroidState) Valid() bool {
	switch s {
	case CentroidBuilding, CentroidActive, CentroidDeprecated, CentroidFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s CentroidState) Terminal() bool {
	return s == CentroidDeprecated || s == CentroidFailed
}

// CanTransition reports whether s -> to is legal.
func (s CentroidState) CanTransition(to CentroidState) bool {
	for _, next := range centroidTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns to if s -> to is legal, otherwise a validation error.
func (s CentroidState) Transition(to CentroidState) (CentroidState, error) {
	if !s.CanTransition(to) {
		return s, &ValidationError{
			Field:  "state",
			Reason: fmt.Sprintf("illegal centroid transition %s -> %s", s, to),
		}
	}
	return to, nil
}

// SuggestionStatus is the review status of a FaceSuggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
	SuggestionRejected SuggestionStatus = "rejected"
	SuggestionExpired  SuggestionStatus = "expired"
)

// Valid reports whether s is a known suggestion status.
func (s SuggestionStatus) Valid() bool {
	switch s {
	case SuggestionPending, SuggestionAccepted, SuggestionRejected, SuggestionExpired:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is legal. Only pending suggestions move.
func (s SuggestionStatus) CanTransition(to SuggestionStatus) bool {
	if s != SuggestionPending {
		return false
	}
	return to == SuggestionAccepted || to == SuggestionRejected || to == SuggestionExpired
}

// Transition returns to if s -> to is legal, otherwise a validation error.
func (s SuggestionStatus) Transition(to SuggestionStatus) (SuggestionStatus, error) {
	if !s.CanTransition(to) {
		return s, &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("illegal suggestion transition %s -> %s", s, to),
		}
	}
	return to, nil
}
