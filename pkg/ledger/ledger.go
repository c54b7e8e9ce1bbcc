// Package ledger is the per-provider accounting of total/available/reserved
// capacity. It is the only mutable shared state in an agent; every mutation
// is serialized through one mutex so the counters never transiently violate
// available + reserved <= total.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"carenet/pkg/resource"
)

var (
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrOutOfScope           = errors.New("resource kind not offered")
	ErrUnknownReservation   = errors.New("unknown or expired reservation")
)

type State string

const (
	StateReserved  State = "reserved"
	StateCommitted State = "committed"
	StateReleased  State = "released"
)

type Counters struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
}

// Reservation is a provisional-then-committed hold tied to one negotiation.
type Reservation struct {
	ID            string        `json:"id"`
	NegotiationID string        `json:"negotiation_id"`
	PatientID     string        `json:"patient_id"`
	Resource      resource.Ref  `json:"resource"`
	Qty           int           `json:"qty"`
	State         State         `json:"state"`
	ReservedAt    time.Time     `json:"reserved_at"`
	TTL           time.Duration `json:"ttl"`
}

func (r Reservation) ExpiresAt() time.Time { return r.ReservedAt.Add(r.TTL) }

// ChangeFunc observes counter transitions. Called after the mutation, outside
// no lock is held by the caller's goroutine beyond the ledger's own; the
// observer must not call back into the ledger.
type ChangeFunc func(agentID string, res resource.Ref, before, after Counters)

// Ledger owns one provider agent's capacity. Construct with NewLedger; the
// zero value is not usable.
type Ledger struct {
	mu            sync.Mutex
	agentID       string
	counters      map[string]Counters
	reservations  map[string]*Reservation
	byNegotiation map[string]string
	onChange      ChangeFunc
	now           func() time.Time
}

func NewLedger(agentID string, capacity map[resource.Ref]int) *Ledger {
	l := &Ledger{
		agentID:       agentID,
		counters:      make(map[string]Counters, len(capacity)),
		reservations:  make(map[string]*Reservation),
		byNegotiation: make(map[string]string),
		now:           time.Now,
	}
	for ref, total := range capacity {
		l.counters[ref.String()] = Counters{Total: total, Available: total}
	}
	return l
}

// OnChange registers the change observer. Must be called before the ledger
// is shared across goroutines.
func (l *Ledger) OnChange(fn ChangeFunc) { l.onChange = fn }

// SetClock overrides the time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

func (l *Ledger) AgentID() string { return l.agentID }

// Offers reports whether this ledger tracks the given resource at all.
func (l *Ledger) Offers(ref resource.Ref) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.counters[ref.String()]
	return ok
}

// Snapshot returns a copy of every counter, keyed by resource ref string.
// Safe to hand to the pure bid evaluator.
func (l *Ledger) Snapshot() map[string]Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := make(map[string]Counters, len(l.counters))
	for k, v := range l.counters {
		snap[k] = v
	}
	return snap
}

// Utilization reports the committed share of total capacity for a resource,
// in [0,1]. Used as the fairness input to bid scoring.
func (l *Ledger) Utilization(ref resource.Ref) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[ref.String()]
	if !ok || c.Total == 0 {
		return 0
	}
	inUse := c.Total - c.Available - c.Reserved
	return float64(inUse) / float64(c.Total)
}

// TryReserve atomically moves qty from available to reserved, refusing
// without side effects when capacity is short. Calling it again for the
// same negotiation returns the existing hold rather than stacking a second
// one; redelivered CFPs must not double-reserve.
func (l *Ledger) TryReserve(negotiationID, patientID string, ref resource.Ref, qty int, ttl time.Duration) (Reservation, error) {
	if qty <= 0 {
		return Reservation{}, fmt.Errorf("reserve qty must be positive, got %d", qty)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.byNegotiation[negotiationID]; ok {
		if r := l.reservations[id]; r != nil && r.State == StateReserved {
			return *r, nil
		}
	}

	key := ref.String()
	before, ok := l.counters[key]
	if !ok {
		return Reservation{}, ErrOutOfScope
	}
	if before.Available < qty {
		return Reservation{}, ErrInsufficientCapacity
	}

	after := before
	after.Available -= qty
	after.Reserved += qty
	l.counters[key] = after

	r := &Reservation{
		ID:            "rsv_" + uuid.NewString(),
		NegotiationID: negotiationID,
		PatientID:     patientID,
		Resource:      ref,
		Qty:           qty,
		State:         StateReserved,
		ReservedAt:    l.now(),
		TTL:           ttl,
	}
	l.reservations[r.ID] = r
	l.byNegotiation[negotiationID] = r.ID
	l.notify(ref, before, after)
	return *r, nil
}

// Commit permanently consumes a reserved hold: qty leaves the reserved
// counter and stays out of available until an external discharge. A hold
// past its TTL is released and the commit is rejected.
func (l *Ledger) Commit(reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok || r.State != StateReserved {
		return ErrUnknownReservation
	}
	if l.now().After(r.ExpiresAt()) {
		l.releaseLocked(r)
		return ErrUnknownReservation
	}

	key := r.Resource.String()
	before := l.counters[key]
	after := before
	after.Reserved -= r.Qty
	l.counters[key] = after
	r.State = StateCommitted
	l.notify(r.Resource, before, after)
	return nil
}

// Release returns a reserved hold's qty to available. Idempotent: releasing
// an unknown, already-released or already-committed reservation is a no-op.
func (l *Ledger) Release(reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok || r.State != StateReserved {
		return nil
	}
	l.releaseLocked(r)
	return nil
}

func (l *Ledger) releaseLocked(r *Reservation) {
	key := r.Resource.String()
	before := l.counters[key]
	after := before
	after.Reserved -= r.Qty
	after.Available += r.Qty
	l.counters[key] = after
	r.State = StateReleased
	l.notify(r.Resource, before, after)
}

// Discharge returns previously committed capacity to available, e.g. when a
// patient leaves. Clamped so the invariant holds even against a stray call.
func (l *Ledger) Discharge(ref resource.Ref, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("discharge qty must be positive, got %d", qty)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ref.String()
	before, ok := l.counters[key]
	if !ok {
		return ErrOutOfScope
	}
	inUse := before.Total - before.Available - before.Reserved
	if qty > inUse {
		return fmt.Errorf("discharge of %d exceeds %d in use for %s", qty, inUse, key)
	}
	after := before
	after.Available += qty
	l.counters[key] = after
	l.notify(ref, before, after)
	return nil
}

// Reservation returns a copy of the reservation, if known.
func (l *Ledger) Reservation(reservationID string) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

// ReservationForNegotiation returns the hold tied to a negotiation id.
func (l *Ledger) ReservationForNegotiation(negotiationID string) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byNegotiation[negotiationID]
	if !ok {
		return Reservation{}, false
	}
	r := l.reservations[id]
	return *r, true
}

// ExpiredHolds lists reservations still in reserved state whose TTL elapsed
// at or before now. The sweeper releases them.
func (l *Ledger) ExpiredHolds(now time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for id, r := range l.reservations {
		if r.State == StateReserved && now.After(r.ExpiresAt()) {
			out = append(out, id)
		}
	}
	return out
}

func (l *Ledger) notify(ref resource.Ref, before, after Counters) {
	if l.onChange != nil {
		l.onChange(l.agentID, ref, before, after)
	}
}
