package cnp

import (
	"errors"
	"testing"
	"time"

	"carenet/pkg/ledger"
	"carenet/pkg/resource"
)

var beds = resource.Ref{Kind: resource.Bed}

func newTestCoordinator(t *testing.T, total int, ttl time.Duration) (*Coordinator, *ledger.Ledger, *MemoryJournal, *time.Time) {
	t.Helper()
	l := ledger.NewLedger("hospital-a", map[resource.Ref]int{beds: total})
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return clock })
	c := NewCoordinator(l, ttl)
	j := NewMemoryJournal()
	c.SetJournal(j)
	return c, l, j, &clock
}

func TestCoordinatorLegalTransitions(t *testing.T) {
	c, _, j, _ := newTestCoordinator(t, 2, time.Minute)

	r, err := c.Reserve("neg-1", "P1", beds, 1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := c.Commit(r.ID); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// reserved -> committed is terminal: no release, no second commit.
	if err := c.Commit(r.ID); !errors.Is(err, ledger.ErrUnknownReservation) {
		t.Fatalf("recommit: want ErrUnknownReservation, got %v", err)
	}
	if err := c.Release(r.ID); err != nil {
		t.Fatalf("release after commit must be a no-op: %v", err)
	}

	got := j.Transitions(r.ID)
	want := []string{TransitionReserved, TransitionCommitted}
	if len(got) != len(want) {
		t.Fatalf("journal %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("journal %v, want %v", got, want)
		}
	}
}

func TestCoordinatorReleasedIsTerminal(t *testing.T) {
	c, _, j, _ := newTestCoordinator(t, 2, time.Minute)

	r, _ := c.Reserve("neg-1", "P1", beds, 1)
	if err := c.Release(r.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := c.Commit(r.ID); !errors.Is(err, ledger.ErrUnknownReservation) {
		t.Fatalf("commit after release: want ErrUnknownReservation, got %v", err)
	}
	// Repeated release journals nothing new.
	if err := c.Release(r.ID); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if got := j.Transitions(r.ID); len(got) != 2 {
		t.Fatalf("journal recorded idempotent release twice: %v", got)
	}
}

func TestSweepReleasesOnlyExpiredHolds(t *testing.T) {
	c, l, j, clock := newTestCoordinator(t, 2, time.Minute)

	short, _ := c.Reserve("neg-1", "P1", beds, 1)
	*clock = clock.Add(30 * time.Second)
	young, _ := c.Reserve("neg-2", "P2", beds, 1)

	if n := c.SweepExpired(clock.Add(45 * time.Second)); n != 1 {
		t.Fatalf("want 1 swept, got %d", n)
	}

	c1 := l.Snapshot()[beds.String()]
	if c1.Available != 1 || c1.Reserved != 1 {
		t.Fatalf("counters after sweep: %+v", c1)
	}
	if got := j.Transitions(short.ID); got[len(got)-1] != TransitionExpired {
		t.Fatalf("short hold journal: %v", got)
	}
	if r, _ := l.Reservation(young.ID); r.State != ledger.StateReserved {
		t.Fatalf("young hold swept early: %+v", r)
	}
}

func TestCommitPastTTLJournalsExpiry(t *testing.T) {
	// An expired hold that the sweeper has not reached yet is released by
	// the commit attempt itself; the journal must record that, not end on
	// reserved.
	c, l, j, clock := newTestCoordinator(t, 1, time.Minute)

	r, _ := c.Reserve("neg-1", "P1", beds, 1)
	*clock = clock.Add(2 * time.Minute)

	if err := c.Commit(r.ID); !errors.Is(err, ledger.ErrUnknownReservation) {
		t.Fatalf("expired commit: want ErrUnknownReservation, got %v", err)
	}
	got := j.Transitions(r.ID)
	want := []string{TransitionReserved, TransitionExpired}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("journal %v, want %v", got, want)
	}

	// Neither a later release nor the sweeper journals it a second time.
	if err := c.Release(r.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	c.SweepExpired(*clock)
	if got := j.Transitions(r.ID); len(got) != 2 {
		t.Fatalf("expiry journaled more than once: %v", got)
	}
	cnt := l.Snapshot()[beds.String()]
	if cnt.Available != 1 || cnt.Reserved != 0 {
		t.Fatalf("capacity not restored: %+v", cnt)
	}
}

func TestSweepThenLateCommitRejected(t *testing.T) {
	c, l, _, clock := newTestCoordinator(t, 1, time.Minute)

	r, _ := c.Reserve("neg-1", "P1", beds, 1)
	*clock = clock.Add(2 * time.Minute)
	if n := c.SweepExpired(*clock); n != 1 {
		t.Fatalf("want 1 swept, got %d", n)
	}
	if err := c.Commit(r.ID); !errors.Is(err, ledger.ErrUnknownReservation) {
		t.Fatalf("late commit: want ErrUnknownReservation, got %v", err)
	}
	cnt := l.Snapshot()[beds.String()]
	if cnt.Available != 1 || cnt.Reserved != 0 {
		t.Fatalf("capacity not restored: %+v", cnt)
	}
}
