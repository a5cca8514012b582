package suggestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-engine/internal/database"
)

func (fx *fixture) pending(faceID, personID uuid.UUID) database.FaceSuggestion {
	return fx.store.AddSuggestion(database.FaceSuggestion{FaceID: faceID, PersonID: personID, Confidence: 0.8})
}

func TestAccept(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	alice := fx.store.AddPerson(database.Person{Name: "Alice"})
	bob := fx.store.AddPerson(database.Person{Name: "Bob"})
	face := fx.addFace(vec(1, 0, 0), nil, nil)
	s := fx.pending(face.ID, alice.ID)
	rival := fx.pending(face.ID, bob.ID)

	outcome, updated, err := fx.engine.Accept(ctx, s.ID, face.Revision)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if outcome != OutcomeAccepted || updated.PersonID == nil || *updated.PersonID != alice.ID {
		t.Fatalf("unexpected accept: %s %+v", outcome, updated)
	}

	got, _ := fx.store.GetSuggestion(ctx, s.ID)
	if got.Status != database.SuggestionAccepted || got.ReviewedAt == nil {
		t.Errorf("suggestion not accepted: %+v", got)
	}
	other, _ := fx.store.GetSuggestion(ctx, rival.ID)
	if other.Status != database.SuggestionExpired {
		t.Errorf("rival suggestion status = %s, want expired", other.Status)
	}
	p, _ := fx.index.Point(face.PointID)
	if p.Payload.String(database.PayloadPersonID) != alice.ID.String() {
		t.Errorf("assignment not propagated: %v", p.Payload)
	}
}

func TestAcceptStaleFaceRevision(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	alice := fx.store.AddPerson(database.Person{Name: "Alice"})
	face := fx.addFace(vec(1, 0, 0), nil, nil)
	s := fx.pending(face.ID, alice.ID)

	// Someone else touched the face after the reviewer loaded it.
	if _, err := fx.store.ApplyAssignments(ctx, []database.FaceAssignment{
		{FaceID: face.ID, ExpectedRevision: face.Revision, ClusterID: "c-9"},
	}); err != nil {
		t.Fatal(err)
	}

	outcome, _, err := fx.engine.Accept(ctx, s.ID, face.Revision)
	if outcome != OutcomeConflict || !errors.Is(err, database.ErrConflict) {
		t.Fatalf("expected conflict, got %s %v", outcome, err)
	}
	row, _ := fx.store.GetFace(ctx, face.ID)
	if row.PersonID != nil {
		t.Error("face assigned despite conflict")
	}
	got, _ := fx.store.GetSuggestion(ctx, s.ID)
	if got.Status != database.SuggestionPending {
		t.Errorf("suggestion status = %s, want pending", got.Status)
	}
}

func TestAcceptTwiceConcurrently(t *testing.T) {
	for round := 0; round < 20; round++ {
		ctx := context.Background()
		fx := newFixture()
		alice := fx.store.AddPerson(database.Person{Name: "Alice"})
		face := fx.addFace(vec(1, 0, 0), nil, nil)
		s := fx.pending(face.ID, alice.ID)

		start := make(chan struct{})
		outcomes := make([]Outcome, 2)
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				outcomes[i], _, errs[i] = fx.engine.Accept(ctx, s.ID, 0)
			}(i)
		}
		close(start)
		wg.Wait()

		accepted, conflicts := 0, 0
		for i := range outcomes {
			switch outcomes[i] {
			case OutcomeAccepted:
				accepted++
				if errs[i] != nil {
					t.Errorf("accepted with error: %v", errs[i])
				}
			case OutcomeConflict:
				conflicts++
				if !errors.Is(errs[i], database.ErrConflict) {
					t.Errorf("conflict outcome without ErrConflict: %v", errs[i])
				}
			}
		}
		if accepted != 1 || conflicts != 1 {
			t.Fatalf("round %d: accepted=%d conflicts=%d (%v %v)", round, accepted, conflicts, errs[0], errs[1])
		}
		row, _ := fx.store.GetFace(ctx, face.ID)
		if row.Revision != face.Revision+1 {
			t.Fatalf("round %d: face revision = %d, want a single increment", round, row.Revision)
		}
	}
}

func TestAcceptPropagationFailureStillSucceeds(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	alice := fx.store.AddPerson(database.Person{Name: "Alice"})
	face := fx.addFace(vec(1, 0, 0), nil, nil)
	s := fx.pending(face.ID, alice.ID)
	fx.index.SetPayloadError = errors.New("unavailable")

	outcome, _, err := fx.engine.Accept(ctx, s.ID, 0)
	if err != nil || outcome != OutcomeAccepted {
		t.Fatalf("Accept = %s, %v", outcome, err)
	}
	if fx.store.PendingReconcileCount() != 1 {
		t.Error("failed propagation not queued for reconciliation")
	}
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	alice := fx.store.AddPerson(database.Person{Name: "Alice"})
	face := fx.addFace(vec(1, 0, 0), nil, nil)
	s := fx.pending(face.ID, alice.ID)

	if outcome, err := fx.engine.Reject(ctx, s.ID, s.Revision); err != nil || outcome != OutcomeRejected {
		t.Fatalf("Reject = %s, %v", outcome, err)
	}
	outcome, err := fx.engine.Reject(ctx, s.ID, 0)
	if outcome != OutcomeConflict || !errors.Is(err, database.ErrConflict) {
		t.Errorf("second reject = %s, %v; want conflict", outcome, err)
	}
	if outcome, _, err := fx.engine.Accept(ctx, s.ID, 0); outcome != OutcomeConflict || err == nil {
		t.Errorf("accept after reject = %s, %v; want conflict", outcome, err)
	}
	if outcome, err := fx.engine.Reject(ctx, uuid.New(), 0); outcome != OutcomeNotFound || !errors.Is(err, database.ErrNotFound) {
		t.Errorf("reject of unknown id = %s, %v", outcome, err)
	}
}

// Two overlapping bulk accepts: every shared suggestion is accepted by exactly
// one of them and reported as a conflict by the other.
func TestConcurrentBulkAccept(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	alice := fx.store.AddPerson(database.Person{Name: "Alice"})

	ids := make([]uuid.UUID, 5)
	for i := 1; i <= 4; i++ {
		face := fx.addFace(vec(1, float32(i), 0), nil, nil)
		ids[i] = fx.pending(face.ID, alice.ID).ID
	}

	batches := [][]uuid.UUID{{ids[1], ids[2], ids[3]}, {ids[2], ids[3], ids[4]}}
	results := make([][]ItemResult, 2)
	var wg sync.WaitGroup
	for i := range batches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			results[i], err = fx.engine.BulkAct(ctx, batches[i], ActionAccept)
			if err != nil {
				t.Errorf("BulkAct: %v", err)
			}
		}(i)
	}
	wg.Wait()

	accepted := map[uuid.UUID]int{}
	conflicts := map[uuid.UUID]int{}
	for _, rs := range results {
		for _, r := range rs {
			switch r.Outcome {
			case OutcomeAccepted:
				accepted[r.SuggestionID]++
			case OutcomeConflict:
				conflicts[r.SuggestionID]++
			default:
				t.Errorf("unexpected outcome %s for %s: %s", r.Outcome, r.SuggestionID, r.Error)
			}
		}
	}
	for i := 1; i <= 4; i++ {
		if accepted[ids[i]] != 1 {
			t.Errorf("suggestion %d accepted %d times", i, accepted[ids[i]])
		}
	}
	for _, i := range []int{2, 3} {
		if conflicts[ids[i]] != 1 {
			t.Errorf("shared suggestion %d: %d conflicts, want 1", i, conflicts[ids[i]])
		}
	}
}

func TestBulkActContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	alice := fx.store.AddPerson(database.Person{Name: "Alice"})
	a := fx.pending(fx.addFace(vec(1, 0, 0), nil, nil).ID, alice.ID)
	b := fx.pending(fx.addFace(vec(0, 1, 0), nil, nil).ID, alice.ID)

	results, err := fx.engine.BulkAct(ctx, []uuid.UUID{a.ID, uuid.New(), b.ID}, ActionReject)
	if err != nil {
		t.Fatalf("BulkAct: %v", err)
	}
	want := []Outcome{OutcomeRejected, OutcomeNotFound, OutcomeRejected}
	for i, r := range results {
		if r.Outcome != want[i] {
			t.Errorf("item %d outcome = %s, want %s", i, r.Outcome, want[i])
		}
	}

	if _, err := fx.engine.BulkAct(ctx, nil, "merge"); !errors.Is(err, database.ErrValidationFailed) {
		t.Errorf("expected validation error for unknown action, got %v", err)
	}
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	alice := fx.store.AddPerson(database.Person{Name: "Alice"})
	bob := fx.store.AddPerson(database.Person{Name: "Bob"})
	bid := bob.ID

	taken := fx.addFace(vec(1, 0, 0), &bid, &bid)
	free := fx.addFace(vec(0, 1, 0), nil, nil)
	stale := fx.pending(taken.ID, alice.ID)
	fresh := fx.pending(free.ID, alice.ID)

	n, err := fx.engine.ExpireStale(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("ExpireStale = %d, %v; want 1", n, err)
	}
	got, _ := fx.store.GetSuggestion(ctx, stale.ID)
	if got.Status != database.SuggestionExpired {
		t.Errorf("stale suggestion status = %s", got.Status)
	}

	if n, _ := fx.engine.ExpireStale(ctx, 0); n != 0 {
		t.Errorf("unexpected expiry without age limit: %d", n)
	}
	time.Sleep(2 * time.Millisecond)
	if n, _ := fx.engine.ExpireStale(ctx, time.Millisecond); n != 1 {
		t.Errorf("aged suggestion not expired: %d", n)
	}
	got, _ = fx.store.GetSuggestion(ctx, fresh.ID)
	if got.Status != database.SuggestionExpired {
		t.Errorf("fresh suggestion status = %s", got.Status)
	}
}
