// Package events is the outward notification boundary. Metrics and other
// consumers subscribe here; they observe committing transitions and never
// mutate core state.
package events

import (
	"carenet/pkg/ledger"
	"carenet/pkg/resource"
)

// Outcome describes how a negotiation ended.
type Outcome struct {
	State    string `json:"state"` // AWARDED or UNPLACEABLE
	Winner   string `json:"winner,omitempty"`
	Qty      int    `json:"qty,omitempty"`
	Attempts int    `json:"attempts"`
}

const (
	OutcomeAwarded     = "AWARDED"
	OutcomeUnplaceable = "UNPLACEABLE"
)

type Hook interface {
	OnLedgerChanged(agentID string, res resource.Ref, before, after ledger.Counters)
	OnNegotiationResolved(negotiationID string, outcome Outcome)
}

// Nop discards every event.
type Nop struct{}

func (Nop) OnLedgerChanged(string, resource.Ref, ledger.Counters, ledger.Counters) {}
func (Nop) OnNegotiationResolved(string, Outcome)                                  {}

// Multi fans one event out to several hooks, in order.
type Multi []Hook

func (m Multi) OnLedgerChanged(agentID string, res resource.Ref, before, after ledger.Counters) {
	for _, h := range m {
		h.OnLedgerChanged(agentID, res, before, after)
	}
}

func (m Multi) OnNegotiationResolved(negotiationID string, outcome Outcome) {
	for _, h := range m {
		h.OnNegotiationResolved(negotiationID, outcome)
	}
}
