// Package store persists reservation transitions and ledger events to
// Postgres. It implements cnp.Journal; the engine runs unchanged without it.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"carenet/pkg/ledger"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Migrate creates the tables. Idempotent; agent daemons run it at boot.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS reservations(
  reservation_id text PRIMARY KEY,
  negotiation_id text NOT NULL,
  patient_id     text NOT NULL,
  resource       text NOT NULL,
  qty            int  NOT NULL,
  state          text NOT NULL,
  reserved_at    timestamptz NOT NULL,
  expires_at     timestamptz NOT NULL,
  updated_at     timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS reservations_negotiation_idx ON reservations(negotiation_id);

CREATE TABLE IF NOT EXISTS reservation_transitions(
  id             bigserial PRIMARY KEY,
  reservation_id text NOT NULL,
  transition     text NOT NULL,
  recorded_at    timestamptz NOT NULL DEFAULT now()
);
`)
	return err
}

// RecordReservation upserts the reservation row and appends the transition.
func (s *Store) RecordReservation(ctx context.Context, r ledger.Reservation, transition string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO reservations(reservation_id,negotiation_id,patient_id,resource,qty,state,reserved_at,expires_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (reservation_id) DO UPDATE SET state=$6, updated_at=now()
`, r.ID, r.NegotiationID, r.PatientID, r.Resource.String(), r.Qty, string(r.State), r.ReservedAt, r.ExpiresAt())
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO reservation_transitions(reservation_id,transition) VALUES($1,$2)`,
		r.ID, transition)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type ReservationRow struct {
	ReservationID string    `json:"reservation_id"`
	NegotiationID string    `json:"negotiation_id"`
	PatientID     string    `json:"patient_id"`
	Resource      string    `json:"resource"`
	Qty           int       `json:"qty"`
	State         string    `json:"state"`
	ReservedAt    time.Time `json:"reserved_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ReservationsForNegotiation lists the persisted rows for one negotiation.
func (s *Store) ReservationsForNegotiation(ctx context.Context, negotiationID string) ([]ReservationRow, error) {
	rows, err := s.DB.Query(ctx, `
SELECT reservation_id,negotiation_id,patient_id,resource,qty,state,reserved_at,expires_at
FROM reservations WHERE negotiation_id=$1 ORDER BY reserved_at`, negotiationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReservationRow
	for rows.Next() {
		var r ReservationRow
		if err := rows.Scan(&r.ReservationID, &r.NegotiationID, &r.PatientID, &r.Resource, &r.Qty, &r.State, &r.ReservedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
