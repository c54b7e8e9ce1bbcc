package cnp

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"carenet/pkg/bid"
	"carenet/pkg/ledger"
	"carenet/pkg/protocol"
	"carenet/pkg/transport"
)

type ParticipantState string

const (
	ParticipantIdle       ParticipantState = "IDLE"
	ParticipantEvaluating ParticipantState = "EVALUATING"
	ParticipantBidSent    ParticipantState = "BID_SENT"
	ParticipantRefused    ParticipantState = "REFUSED"
	ParticipantAwaiting   ParticipantState = "AWAITING_DECISION"
	ParticipantCommitted  ParticipantState = "COMMITTED"
	ParticipantReleased   ParticipantState = "RELEASED"
)

// participantSession tracks one negotiation id on the provider side.
type participantSession struct {
	state         ParticipantState
	reservationID string
	lastProposal  protocol.ProposePayload
	// applied records the last-applied message per performative+sender so
	// redelivery never double-mutates the ledger.
	applied map[string]bool
}

// Participant drives the provider side of a contract-net round. On a CFP it
// evaluates, provisionally reserves before bidding so it can never promise
// capacity it does not hold, then commits or releases on the initiator's
// decision.
type Participant struct {
	agentID string
	ledger  *ledger.Ledger
	coord   *Coordinator
	weights bid.Weights
	sender  transport.Sender

	mu       sync.Mutex
	sessions map[string]*participantSession
}

func NewParticipant(agentID string, l *ledger.Ledger, coord *Coordinator, weights bid.Weights, sender transport.Sender) (*Participant, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Participant{
		agentID:  agentID,
		ledger:   l,
		coord:    coord,
		weights:  weights,
		sender:   sender,
		sessions: make(map[string]*participantSession),
	}, nil
}

// HandleMessage consumes a CFP, ACCEPT_PROPOSAL, REJECT_PROPOSAL or CANCEL.
// Malformed messages are logged and dropped; duplicates are deduplicated by
// (negotiation-id, performative, sender) and handled idempotently.
func (p *Participant) HandleMessage(env protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.sessions[env.NegotiationID]
	if !ok {
		ps = &participantSession{state: ParticipantIdle, applied: make(map[string]bool)}
		p.sessions[env.NegotiationID] = ps
	}

	key := string(env.Performative) + "|" + env.Sender
	switch env.Performative {
	case protocol.CFP:
		return p.handleCFPLocked(env, ps, key)
	case protocol.AcceptProposal:
		if ps.applied[key] {
			return nil
		}
		ps.applied[key] = true
		return p.handleAcceptLocked(env, ps)
	case protocol.RejectProposal, protocol.Cancel:
		if ps.applied[key] {
			return nil
		}
		ps.applied[key] = true
		return p.handleReleaseLocked(env, ps)
	default:
		log.Printf("[participant] %s: unexpected %s from %s", env.NegotiationID, env.Performative, env.Sender)
		return nil
	}
}

func (p *Participant) handleCFPLocked(env protocol.Envelope, ps *participantSession, key string) error {
	// A bid already stands for this negotiation: resend it instead of
	// reserving again, so a widened re-broadcast or a redelivered CFP
	// keeps the original hold.
	if ps.state == ParticipantAwaiting {
		if r, ok := p.ledger.ReservationForNegotiation(env.NegotiationID); ok && r.State == ledger.StateReserved {
			return p.sendProposeLocked(env, ps, ps.lastProposal)
		}
		// The hold was swept while the decision was pending. The session
		// is released; this CFP may bid against current capacity.
		ps.state = ParticipantReleased
	}
	if ps.applied[key] && ps.state != ParticipantIdle && ps.state != ParticipantRefused && ps.state != ParticipantReleased {
		return nil
	}
	ps.applied[key] = true

	var cfp protocol.CFPPayload
	if err := env.DecodePayload(&cfp); err != nil {
		log.Printf("[participant] %s: dropping malformed CFP from %s: %v", env.NegotiationID, env.Sender, err)
		return nil
	}
	req := cfp.Request
	if err := req.Validate(); err != nil {
		log.Printf("[participant] %s: dropping invalid request from %s: %v", env.NegotiationID, env.Sender, err)
		return nil
	}

	ps.state = ParticipantEvaluating
	verdict := bid.Evaluate(req, p.ledger.Snapshot(), p.ledger.Utilization(req.Resource), p.weights)
	if !verdict.Propose {
		ps.state = ParticipantRefused
		return p.sendRefuseLocked(env, verdict.Reason)
	}

	// Hold before bidding. Losing the race to a concurrent negotiation
	// turns the bid into a refusal, never an over-promise.
	r, err := p.coord.Reserve(env.NegotiationID, req.ID, req.Resource, verdict.Qty)
	switch {
	case errors.Is(err, ledger.ErrInsufficientCapacity):
		ps.state = ParticipantRefused
		return p.sendRefuseLocked(env, protocol.ReasonInsufficientCapacity)
	case errors.Is(err, ledger.ErrOutOfScope):
		ps.state = ParticipantRefused
		return p.sendRefuseLocked(env, protocol.ReasonOutOfScope)
	case err != nil:
		return fmt.Errorf("reserve for %s: %w", env.NegotiationID, err)
	}

	ps.reservationID = r.ID
	ps.state = ParticipantBidSent
	ps.lastProposal = protocol.ProposePayload{Score: verdict.Score, Qty: r.Qty, Expiry: r.ExpiresAt()}
	return p.sendProposeLocked(env, ps, ps.lastProposal)
}

func (p *Participant) sendProposeLocked(env protocol.Envelope, ps *participantSession, payload protocol.ProposePayload) error {
	reply, err := protocol.NewEnvelope(protocol.Propose, env.NegotiationID, p.agentID, env.Sender, payload)
	if err != nil {
		return err
	}
	if err := p.sender.Send(reply); err != nil {
		log.Printf("[participant] %s: send PROPOSE: %v", env.NegotiationID, err)
	}
	ps.state = ParticipantAwaiting
	return nil
}

func (p *Participant) sendRefuseLocked(env protocol.Envelope, reason string) error {
	reply, err := protocol.NewEnvelope(protocol.Refuse, env.NegotiationID, p.agentID, env.Sender,
		protocol.RefusePayload{Reason: reason})
	if err != nil {
		return err
	}
	if err := p.sender.Send(reply); err != nil {
		log.Printf("[participant] %s: send REFUSE: %v", env.NegotiationID, err)
	}
	return nil
}

// handleAcceptLocked commits the hold. This is the single point where
// capacity becomes permanently consumed.
func (p *Participant) handleAcceptLocked(env protocol.Envelope, ps *participantSession) error {
	if ps.state == ParticipantCommitted {
		return nil
	}
	if ps.state != ParticipantAwaiting || ps.reservationID == "" {
		log.Printf("[participant] %s: ACCEPT in state %s, ignoring", env.NegotiationID, ps.state)
		return nil
	}
	if err := p.coord.Commit(ps.reservationID); err != nil {
		// Stale accept: the hold expired and was swept. Rejected, not
		// retried.
		log.Printf("[participant] %s: commit %s: %v", env.NegotiationID, ps.reservationID, err)
		ps.state = ParticipantReleased
		return nil
	}
	ps.state = ParticipantCommitted

	r, _ := p.ledger.Reservation(ps.reservationID)
	done, err := protocol.NewEnvelope(protocol.InformDone, env.NegotiationID, p.agentID, env.Sender,
		protocol.InformDonePayload{ReservationID: r.ID, Qty: r.Qty})
	if err != nil {
		return err
	}
	if err := p.sender.Send(done); err != nil {
		log.Printf("[participant] %s: send INFORM_DONE: %v", env.NegotiationID, err)
	}
	return nil
}

func (p *Participant) handleReleaseLocked(env protocol.Envelope, ps *participantSession) error {
	if ps.reservationID != "" && ps.state == ParticipantAwaiting {
		if err := p.coord.Release(ps.reservationID); err != nil {
			return err
		}
		ps.state = ParticipantReleased
	}
	return nil
}

// State reports the participant-side state for a negotiation id.
func (p *Participant) State(negotiationID string) ParticipantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.sessions[negotiationID]; ok {
		return ps.state
	}
	return ParticipantIdle
}

// SweepTerminal settles sessions whose hold was swept while a decision was
// pending, then drops bookkeeping for negotiations that ended and whose
// dedup window (one TTL) has passed. Called from the agent tick loop.
func (p *Participant) SweepTerminal(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ps := range p.sessions {
		switch ps.state {
		case ParticipantAwaiting:
			// The TTL sweeper released the hold underneath this bid, so
			// no decision can commit it anymore.
			if ps.reservationID == "" {
				continue
			}
			if r, ok := p.ledger.Reservation(ps.reservationID); !ok || r.State == ledger.StateReleased {
				ps.state = ParticipantReleased
			}
		case ParticipantCommitted, ParticipantReleased, ParticipantRefused:
			if ps.reservationID == "" {
				delete(p.sessions, id)
				continue
			}
			if r, ok := p.ledger.Reservation(ps.reservationID); ok && now.After(r.ExpiresAt().Add(r.TTL)) {
				delete(p.sessions, id)
			}
		}
	}
}
