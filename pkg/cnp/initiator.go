package cnp

import (
	"fmt"
	"log"
	"sync"
	"time"

	"carenet/pkg/directory"
	"carenet/pkg/events"
	"carenet/pkg/protocol"
	"carenet/pkg/resource"
	"carenet/pkg/transport"
)

type InitiatorConfig struct {
	// CollectTimeout bounds one proposal-collection round.
	CollectTimeout time.Duration
	// MaxRetries bounds the widened re-broadcasts after an empty round.
	MaxRetries int
}

func (c InitiatorConfig) validate() error {
	if c.CollectTimeout <= 0 {
		return fmt.Errorf("collect timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}
	return nil
}

// Initiator drives the requester side of a contract-net round:
// INIT -> CFP_SENT -> COLLECTING -> DECIDING -> AWARDED | UNPLACEABLE.
// It is purely message- and deadline-driven; the owning agent loop feeds it
// replies via HandleMessage and clock ticks via ExpireDeadlines.
type Initiator struct {
	agentID string
	sender  transport.Sender
	dir     directory.Provider
	cfg     InitiatorConfig
	hook    events.Hook
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewInitiator(agentID string, sender transport.Sender, dir directory.Provider, cfg InitiatorConfig, hook events.Hook) (*Initiator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if hook == nil {
		hook = events.Nop{}
	}
	return &Initiator{
		agentID:  agentID,
		sender:   sender,
		dir:      dir,
		cfg:      cfg,
		hook:     hook,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}, nil
}

// SetClock overrides the time source. Test hook.
func (in *Initiator) SetClock(now func() time.Time) { in.now = now }

// Start opens a negotiation for the request and broadcasts the CFP. The
// returned session's Done channel delivers the final outcome.
func (in *Initiator) Start(req resource.PatientRequest) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		NegotiationID: protocol.NewNegotiationID(in.agentID),
		RequesterID:   in.agentID,
		Request:       req,
		State:         SessionInit,
		Replies:       make(map[string]Reply),
		done:          make(chan events.Outcome, 1),
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.sessions[s.NegotiationID] = s
	in.broadcastLocked(s)
	return s, nil
}

// broadcastLocked sends the CFP round for the session's current attempt and
// arms the collection deadline.
func (in *Initiator) broadcastLocked(s *Session) {
	candidates := in.dir.Candidates(s.Request, s.Attempt)
	if len(candidates) == 0 {
		log.Printf("[initiator] %s: no candidates for %s (attempt %d)",
			s.NegotiationID, s.Request.Resource, s.Attempt)
		in.retryOrFailLocked(s)
		return
	}

	s.Invited = candidates
	s.Replies = make(map[string]Reply)
	s.State = SessionCFPSent
	for _, id := range candidates {
		env, err := protocol.NewEnvelope(protocol.CFP, s.NegotiationID, in.agentID, id,
			protocol.CFPPayload{Request: s.Request})
		if err != nil {
			log.Printf("[initiator] %s: build CFP for %s: %v", s.NegotiationID, id, err)
			continue
		}
		if err := in.sender.Send(env); err != nil {
			log.Printf("[initiator] %s: send CFP to %s: %v", s.NegotiationID, id, err)
		}
	}
	s.Deadline = in.now().Add(in.cfg.CollectTimeout)
	s.State = SessionCollecting
}

// HandleMessage consumes a PROPOSE, REFUSE or INFORM_DONE addressed to a
// session this initiator owns. Unknown negotiation ids and late replies are
// dropped; a duplicate from the same sender idempotently overwrites.
func (in *Initiator) HandleMessage(env protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	s, ok := in.sessions[env.NegotiationID]
	if !ok {
		log.Printf("[initiator] %s: reply for unknown negotiation from %s", env.NegotiationID, env.Sender)
		return nil
	}

	switch env.Performative {
	case protocol.Propose:
		var p protocol.ProposePayload
		if err := env.DecodePayload(&p); err != nil {
			log.Printf("[initiator] %s: dropping malformed proposal from %s: %v", s.NegotiationID, env.Sender, err)
			return nil
		}
		in.recordReplyLocked(s, env.Sender, Reply{Proposed: true, Score: p.Score, Qty: p.Qty, Expiry: p.Expiry})
	case protocol.Refuse:
		var r protocol.RefusePayload
		if err := env.DecodePayload(&r); err != nil {
			log.Printf("[initiator] %s: dropping malformed refusal from %s: %v", s.NegotiationID, env.Sender, err)
			return nil
		}
		in.recordReplyLocked(s, env.Sender, Reply{Reason: r.Reason})
	case protocol.InformDone:
		if s.State == SessionAwarded && env.Sender == s.Winner {
			log.Printf("[initiator] %s: winner %s confirmed commit", s.NegotiationID, s.Winner)
		}
	default:
		log.Printf("[initiator] %s: unexpected %s from %s", s.NegotiationID, env.Performative, env.Sender)
	}
	return nil
}

func (in *Initiator) recordReplyLocked(s *Session, sender string, r Reply) {
	if s.State != SessionCollecting {
		log.Printf("[initiator] %s: late reply from %s in state %s", s.NegotiationID, sender, s.State)
		return
	}
	if !s.invited(sender) {
		log.Printf("[initiator] %s: reply from uninvited %s", s.NegotiationID, sender)
		return
	}
	s.Replies[sender] = r
	if s.allReplied() {
		in.decideLocked(s)
	}
}

// ExpireDeadlines advances every session whose collection deadline elapsed:
// decide if at least one live proposal arrived, otherwise retry widened or
// give up. The agent loop calls this on every tick.
func (in *Initiator) ExpireDeadlines(now time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, s := range in.sessions {
		if s.State != SessionCollecting || now.Before(s.Deadline) {
			continue
		}
		if in.liveProposersLocked(s) > 0 {
			in.decideLocked(s)
		} else {
			in.retryOrFailLocked(s)
		}
	}
}

func (in *Initiator) liveProposersLocked(s *Session) int {
	now := in.now()
	n := 0
	for _, r := range s.Replies {
		if r.Proposed && now.Before(r.Expiry) {
			n++
		}
	}
	return n
}

// decideLocked picks the winner: highest score, ties broken by the
// lexicographically smallest bidder id. Accept goes to the winner, Reject
// to every other bidder that proposed.
func (in *Initiator) decideLocked(s *Session) {
	s.State = SessionDeciding
	now := in.now()

	winner := ""
	best := Reply{}
	for id, r := range s.Replies {
		if !r.Proposed || !now.Before(r.Expiry) {
			continue
		}
		if winner == "" || r.Score > best.Score || (r.Score == best.Score && id < winner) {
			winner, best = id, r
		}
	}
	if winner == "" {
		in.retryOrFailLocked(s)
		return
	}

	for id, r := range s.Replies {
		if !r.Proposed {
			continue
		}
		perf := protocol.RejectProposal
		if id == winner {
			perf = protocol.AcceptProposal
		}
		env, _ := protocol.NewEnvelope(perf, s.NegotiationID, in.agentID, id, nil)
		if err := in.sender.Send(env); err != nil {
			log.Printf("[initiator] %s: send %s to %s: %v", s.NegotiationID, perf, id, err)
		}
	}

	s.Winner = winner
	s.State = SessionAwarded
	in.resolveLocked(s, events.Outcome{
		State:    events.OutcomeAwarded,
		Winner:   winner,
		Qty:      best.Qty,
		Attempts: s.Attempt + 1,
	})
}

// retryOrFailLocked re-broadcasts with a widened candidate set, or marks the
// session UNPLACEABLE once retries are exhausted.
func (in *Initiator) retryOrFailLocked(s *Session) {
	if s.Attempt >= in.cfg.MaxRetries {
		s.State = SessionUnplaceable
		in.resolveLocked(s, events.Outcome{State: events.OutcomeUnplaceable, Attempts: s.Attempt + 1})
		return
	}
	s.Attempt++
	log.Printf("[initiator] %s: no proposals, retrying widened (attempt %d)", s.NegotiationID, s.Attempt)
	in.broadcastLocked(s)
}

// Cancel aborts a session before award. Every invited participant receives
// a CANCEL so it can release its provisional hold; the session terminates
// UNPLACEABLE.
func (in *Initiator) Cancel(negotiationID string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	s, ok := in.sessions[negotiationID]
	if !ok {
		return fmt.Errorf("unknown negotiation %s", negotiationID)
	}
	if s.State.Terminal() {
		return fmt.Errorf("negotiation %s already %s", negotiationID, s.State)
	}
	for _, id := range s.Invited {
		env, _ := protocol.NewEnvelope(protocol.Cancel, s.NegotiationID, in.agentID, id, nil)
		if err := in.sender.Send(env); err != nil {
			log.Printf("[initiator] %s: send CANCEL to %s: %v", s.NegotiationID, id, err)
		}
	}
	s.State = SessionUnplaceable
	in.resolveLocked(s, events.Outcome{State: events.OutcomeUnplaceable, Attempts: s.Attempt + 1})
	return nil
}

func (in *Initiator) resolveLocked(s *Session, outcome events.Outcome) {
	s.resolvedAt = in.now()
	in.hook.OnNegotiationResolved(s.NegotiationID, outcome)
	select {
	case s.done <- outcome:
	default:
	}
}

// SweepTerminal drops terminal sessions once the retention window elapsed,
// keeping a resolved session queryable for a while but never for the life
// of the daemon. Called from the agent tick loop.
func (in *Initiator) SweepTerminal(now time.Time, retention time.Duration) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for id, s := range in.sessions {
		if s.State.Terminal() && now.After(s.resolvedAt.Add(retention)) {
			delete(in.sessions, id)
		}
	}
}

// Session returns a copy of the session record, if known.
func (in *Initiator) Session(negotiationID string) (Session, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	s, ok := in.sessions[negotiationID]
	if !ok {
		return Session{}, false
	}
	return s.view(), true
}
