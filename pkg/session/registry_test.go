package session

import (
	"context"
	"errors"
	"testing"
)

func newTestRegistry(t *testing.T, maxActive int) *Registry {
	t.Helper()
	return NewRegistry(RegistryConfig{MaxActiveSessions: maxActive})
}

func TestRegistryCreateAndGet(t *testing.T) {
	r := newTestRegistry(t, 10)
	ctx := context.Background()

	s, err := r.Create(ctx, "student-1", "exam-1")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if s.Status != StatusPending {
		t.Errorf("new session status = %s, want pending", s.Status)
	}

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.OwnerID != "student-1" || got.ExamID != "exam-1" {
		t.Errorf("unexpected session: %+v", got)
	}

	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) = %v, want ErrNotFound", err)
	}
}

func TestRegistryCapacity(t *testing.T) {
	r := newTestRegistry(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.Create(ctx, "s", "e"); err != nil {
			t.Fatalf("Create %d error: %v", i, err)
		}
	}
	if _, err := r.Create(ctx, "s", "e"); !errors.Is(err, ErrCapacity) {
		t.Errorf("third Create = %v, want ErrCapacity", err)
	}
}

func TestRegistryRiskMonotonic(t *testing.T) {
	r := newTestRegistry(t, 10)
	ctx := context.Background()
	s, _ := r.Create(ctx, "student-1", "exam-1")

	if _, err := r.RecordViolations(ctx, s.ID, 2, 0.6); err != nil {
		t.Fatalf("RecordViolations error: %v", err)
	}
	// a lower recomputed score must not lower the stored one
	got, err := r.RecordViolations(ctx, s.ID, 1, 0.3)
	if err != nil {
		t.Fatalf("RecordViolations error: %v", err)
	}
	if got.RiskScore != 0.6 {
		t.Errorf("risk score = %v, want 0.6 (monotonic)", got.RiskScore)
	}
	if got.ViolationCount != 3 {
		t.Errorf("violation count = %d, want 3", got.ViolationCount)
	}

	reset, err := r.Update(ctx, s.ID, Patch{ResetRisk: true})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if reset.RiskScore != 0 {
		t.Errorf("explicit reset should zero the score, got %v", reset.RiskScore)
	}
}

func TestRegistryRecordViolationsAfterClose(t *testing.T) {
	r := newTestRegistry(t, 10)
	ctx := context.Background()
	s, _ := r.Create(ctx, "student-1", "exam-1")

	if _, err := r.Terminate(ctx, s.ID); err != nil {
		t.Fatalf("Terminate error: %v", err)
	}
	if _, err := r.RecordViolations(ctx, s.ID, 1, 0.5); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("RecordViolations after terminate = %v, want ErrSessionClosed", err)
	}
}

func TestRegistryInvalidTransition(t *testing.T) {
	r := newTestRegistry(t, 10)
	ctx := context.Background()
	s, _ := r.Create(ctx, "student-1", "exam-1")

	if _, err := r.End(ctx, s.ID); err != nil {
		t.Fatalf("End error: %v", err)
	}
	active := StatusActive
	if _, err := r.Update(ctx, s.ID, Patch{Status: &active}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reactivating ended session = %v, want ErrInvalidTransition", err)
	}
	// ending again is an idempotent retry, not an error
	if _, err := r.End(ctx, s.ID); err != nil {
		t.Errorf("repeated End should be idempotent, got %v", err)
	}
}

func TestRegistryRoomMembership(t *testing.T) {
	r := newTestRegistry(t, 10)
	ctx := context.Background()
	s, _ := r.Create(ctx, "student-1", "exam-1")

	r.RecordRoomJoin(s.ID, "session:abc")
	r.RecordRoomJoin(s.ID, "session:abc") // duplicate join is a no-op
	got, _ := r.Get(s.ID)
	if len(got.Rooms) != 1 {
		t.Fatalf("rooms = %v, want exactly one entry", got.Rooms)
	}

	r.RecordRoomLeave(s.ID, "session:abc")
	r.RecordRoomLeave(s.ID, "session:abc") // duplicate leave is a no-op
	got, _ = r.Get(s.ID)
	if len(got.Rooms) != 0 {
		t.Fatalf("rooms = %v, want empty", got.Rooms)
	}
}

func TestRegistryListActiveExcludesTerminal(t *testing.T) {
	r := newTestRegistry(t, 10)
	ctx := context.Background()

	a, _ := r.Create(ctx, "s1", "e")
	b, _ := r.Create(ctx, "s2", "e")
	r.End(ctx, b.ID)

	active := r.ListActive()
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("ListActive = %+v, want only %s", active, a.ID)
	}
	// the ended record is still readable until swept
	if _, err := r.Get(b.ID); err != nil {
		t.Errorf("ended session should remain readable, got %v", err)
	}
}
