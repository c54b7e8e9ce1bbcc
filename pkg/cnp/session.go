package cnp

import (
	"time"

	"carenet/pkg/events"
	"carenet/pkg/resource"
)

type SessionState string

const (
	SessionInit        SessionState = "INIT"
	SessionCFPSent     SessionState = "CFP_SENT"
	SessionCollecting  SessionState = "COLLECTING"
	SessionDeciding    SessionState = "DECIDING"
	SessionAwarded     SessionState = "AWARDED"
	SessionUnplaceable SessionState = "UNPLACEABLE"
)

func (s SessionState) Terminal() bool {
	return s == SessionAwarded || s == SessionUnplaceable
}

// Reply is one participant's answer in the current collection round.
// Redelivery from the same sender overwrites, never accumulates.
type Reply struct {
	Proposed bool      `json:"proposed"`
	Score    float64   `json:"score,omitempty"`
	Qty      int       `json:"qty,omitempty"`
	Expiry   time.Time `json:"expiry,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Session is the initiator-side record of one in-flight negotiation round.
// Exactly one active session exists per outstanding request. All fields are
// guarded by the owning Initiator's lock.
type Session struct {
	NegotiationID string                  `json:"negotiation_id"`
	RequesterID   string                  `json:"requester_id"`
	Request       resource.PatientRequest `json:"request"`
	State         SessionState            `json:"state"`
	Invited       []string                `json:"invited"`
	Replies       map[string]Reply        `json:"replies"`
	Deadline      time.Time               `json:"deadline"`
	Winner        string                  `json:"winner,omitempty"`
	Attempt       int                     `json:"attempt"`

	done       chan events.Outcome
	resolvedAt time.Time
}

// Done delivers the final outcome exactly once. The channel is buffered so
// resolution never blocks on a slow caller.
func (s *Session) Done() <-chan events.Outcome { return s.done }

func (s *Session) invited(agentID string) bool {
	for _, id := range s.Invited {
		if id == agentID {
			return true
		}
	}
	return false
}

func (s *Session) allReplied() bool {
	return len(s.Replies) >= len(s.Invited)
}

// View is a copy safe to expose outside the initiator's lock.
func (s *Session) view() Session {
	cp := *s
	cp.Invited = append([]string(nil), s.Invited...)
	cp.Replies = make(map[string]Reply, len(s.Replies))
	for k, v := range s.Replies {
		cp.Replies[k] = v
	}
	cp.done = nil
	return cp
}
