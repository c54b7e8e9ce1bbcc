package cnp

import (
	"context"
	"fmt"
	"log"
	"time"

	"carenet/pkg/bid"
	"carenet/pkg/directory"
	"carenet/pkg/events"
	"carenet/pkg/ledger"
	"carenet/pkg/protocol"
	"carenet/pkg/resource"
	"carenet/pkg/transport"
)

// AgentConfig carries the deployment-time knobs for one agent. None of the
// durations or weights have built-in defaults; config supplies them.
type AgentConfig struct {
	ID             string
	Capacity       map[resource.Ref]int
	Weights        bid.Weights
	CollectTimeout time.Duration
	ReservationTTL time.Duration
	MaxRetries     int
}

// Agent is one autonomous node: its ledger, allocation coordinator, and the
// initiator and participant halves of the protocol, fed from a single inbox.
// Both roles run simultaneously; an agent can seek a bed while bidding on
// supplies.
type Agent struct {
	ID          string
	Ledger      *ledger.Ledger
	Coordinator *Coordinator
	Initiator   *Initiator
	Participant *Participant
}

func NewAgent(cfg AgentConfig, sender transport.Sender, dir directory.Provider, hook events.Hook) (*Agent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if cfg.ReservationTTL <= 0 {
		return nil, fmt.Errorf("reservation ttl must be positive")
	}
	if hook == nil {
		hook = events.Nop{}
	}

	l := ledger.NewLedger(cfg.ID, cfg.Capacity)
	l.OnChange(hook.OnLedgerChanged)
	coord := NewCoordinator(l, cfg.ReservationTTL)

	init, err := NewInitiator(cfg.ID, sender, dir, InitiatorConfig{
		CollectTimeout: cfg.CollectTimeout,
		MaxRetries:     cfg.MaxRetries,
	}, hook)
	if err != nil {
		return nil, err
	}
	part, err := NewParticipant(cfg.ID, l, coord, cfg.Weights, sender)
	if err != nil {
		return nil, err
	}

	return &Agent{
		ID:          cfg.ID,
		Ledger:      l,
		Coordinator: coord,
		Initiator:   init,
		Participant: part,
	}, nil
}

// HandleEnvelope routes one inbound envelope to the owning role. Malformed
// envelopes are logged and dropped, never retried.
func (a *Agent) HandleEnvelope(env protocol.Envelope) {
	if err := env.Validate(); err != nil {
		log.Printf("[%s] dropping malformed envelope: %v", a.ID, err)
		return
	}
	var err error
	switch env.Performative {
	case protocol.Propose, protocol.Refuse, protocol.InformDone:
		err = a.Initiator.HandleMessage(env)
	case protocol.CFP, protocol.AcceptProposal, protocol.RejectProposal, protocol.Cancel:
		err = a.Participant.HandleMessage(env)
	}
	if err != nil {
		log.Printf("[%s] handle %s for %s: %v", a.ID, env.Performative, env.NegotiationID, err)
	}
}

// Run consumes the inbox until the context ends, advancing deadline and TTL
// clocks on every tick. Message handling for one negotiation id is strictly
// in delivery order; the inbox is the serialization point.
func (a *Agent) Run(ctx context.Context, inbox <-chan protocol.Envelope, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-inbox:
			if !ok {
				return
			}
			a.HandleEnvelope(env)
		case now := <-t.C:
			a.Tick(now)
		}
	}
}

// Tick advances every time-driven transition: collection deadlines, expired
// holds, and stale bookkeeping on both protocol roles.
func (a *Agent) Tick(now time.Time) {
	a.Initiator.ExpireDeadlines(now)
	if n := a.Coordinator.SweepExpired(now); n > 0 {
		log.Printf("[%s] swept %d expired holds", a.ID, n)
	}
	a.Participant.SweepTerminal(now)
	a.Initiator.SweepTerminal(now, a.Coordinator.TTL())
}

// RequestPlacement opens a negotiation for the patient request and returns
// the session whose Done channel resolves to the outcome.
func (a *Agent) RequestPlacement(req resource.PatientRequest) (*Session, error) {
	return a.Initiator.Start(req)
}
