package cnp

import (
	"context"
	"log"
	"sync"
	"time"

	"carenet/pkg/ledger"
	"carenet/pkg/resource"
)

// Journal durably records reservation transitions. The engine works without
// one; services plug in a Postgres-backed implementation.
type Journal interface {
	RecordReservation(ctx context.Context, r ledger.Reservation, transition string) error
}

// Reservation transitions as written to the journal.
const (
	TransitionReserved  = "reserved"
	TransitionCommitted = "committed"
	TransitionReleased  = "released"
	TransitionExpired   = "expired"
)

// Coordinator wraps the provisional-hold-then-commit discipline around a
// ledger. It is the only mutation path the protocol uses: reserve on bid,
// commit on award, release on rejection, cancellation or TTL expiry.
type Coordinator struct {
	ledger  *ledger.Ledger
	journal Journal
	ttl     time.Duration
}

func NewCoordinator(l *ledger.Ledger, ttl time.Duration) *Coordinator {
	return &Coordinator{ledger: l, ttl: ttl}
}

// SetJournal installs a durable journal. Without one, transitions are not
// recorded anywhere.
func (c *Coordinator) SetJournal(j Journal) { c.journal = j }

func (c *Coordinator) TTL() time.Duration { return c.ttl }

// Reserve takes a provisional hold with the coordinator's TTL.
func (c *Coordinator) Reserve(negotiationID, patientID string, ref resource.Ref, qty int) (ledger.Reservation, error) {
	r, err := c.ledger.TryReserve(negotiationID, patientID, ref, qty, c.ttl)
	if err != nil {
		return ledger.Reservation{}, err
	}
	c.record(r, TransitionReserved)
	return r, nil
}

// Commit turns a hold permanent. Committing an already-released or
// already-committed reservation is rejected with ErrUnknownReservation.
func (c *Coordinator) Commit(reservationID string) error {
	before, held := c.ledger.Reservation(reservationID)
	if err := c.ledger.Commit(reservationID); err != nil {
		// Committing past the TTL releases the hold inside the ledger;
		// journal that transition so the durable record does not end on
		// reserved.
		if held && before.State == ledger.StateReserved {
			if r, ok := c.ledger.Reservation(reservationID); ok && r.State == ledger.StateReleased {
				c.record(r, TransitionExpired)
			}
		}
		return err
	}
	if r, ok := c.ledger.Reservation(reservationID); ok {
		c.record(r, TransitionCommitted)
	}
	return nil
}

// Release returns a hold to available capacity. Idempotent; only an actual
// transition is journaled.
func (c *Coordinator) Release(reservationID string) error {
	r, ok := c.ledger.Reservation(reservationID)
	if !ok || r.State != ledger.StateReserved {
		return nil
	}
	if err := c.ledger.Release(reservationID); err != nil {
		return err
	}
	if r, ok := c.ledger.Reservation(reservationID); ok {
		c.record(r, TransitionReleased)
	}
	return nil
}

// SweepExpired releases every hold whose TTL elapsed, bounding leakage from
// unresponsive counterparties. Returns the number of holds released.
func (c *Coordinator) SweepExpired(now time.Time) int {
	expired := c.ledger.ExpiredHolds(now)
	for _, id := range expired {
		if err := c.ledger.Release(id); err != nil {
			log.Printf("[coordinator] release of expired hold %s: %v", id, err)
			continue
		}
		if r, ok := c.ledger.Reservation(id); ok {
			c.record(r, TransitionExpired)
		}
	}
	return len(expired)
}

// RunSweeper periodically sweeps expired holds until the context ends.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := c.SweepExpired(now); n > 0 {
				log.Printf("[coordinator] %s swept %d expired holds", c.ledger.AgentID(), n)
			}
		}
	}
}

func (c *Coordinator) record(r ledger.Reservation, transition string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordReservation(context.Background(), r, transition); err != nil {
		log.Printf("[coordinator] journal %s %s: %v", transition, r.ID, err)
	}
}

// MemoryJournal keeps transitions in memory. Used in tests and when no
// database is configured.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

type JournalEntry struct {
	Reservation ledger.Reservation
	Transition  string
	At          time.Time
}

func NewMemoryJournal() *MemoryJournal { return &MemoryJournal{} }

func (m *MemoryJournal) RecordReservation(_ context.Context, r ledger.Reservation, transition string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, JournalEntry{Reservation: r, Transition: transition, At: time.Now()})
	return nil
}

// Transitions returns the recorded transition names for one reservation.
func (m *MemoryJournal) Transitions(reservationID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		if e.Reservation.ID == reservationID {
			out = append(out, e.Transition)
		}
	}
	return out
}
