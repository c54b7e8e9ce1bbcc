// Package protocol defines the contract-net wire envelope and its typed
// payloads. The envelope is transport-agnostic JSON; the transport layer
// only ever sees opaque envelopes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carenet/pkg/resource"
)

type Performative string

const (
	CFP            Performative = "CFP"
	Propose        Performative = "PROPOSE"
	Refuse         Performative = "REFUSE"
	AcceptProposal Performative = "ACCEPT_PROPOSAL"
	RejectProposal Performative = "REJECT_PROPOSAL"
	InformDone     Performative = "INFORM_DONE"
	Cancel         Performative = "CANCEL"
)

var performatives = map[Performative]bool{
	CFP: true, Propose: true, Refuse: true,
	AcceptProposal: true, RejectProposal: true,
	InformDone: true, Cancel: true,
}

// Refusal reasons. These are protocol outcomes, never Go errors.
const (
	ReasonInsufficientCapacity = "INSUFFICIENT_CAPACITY"
	ReasonOutOfScope           = "OUT_OF_SCOPE"
	ReasonOverloaded           = "OVERLOADED"
)

// ErrMalformed marks an envelope that must be dropped with a log record
// and never retried.
var ErrMalformed = errors.New("malformed message")

// Envelope is the unit the transport delivers. Payload shape depends on
// the performative; decision performatives carry no payload.
type Envelope struct {
	Performative  Performative    `json:"performative"`
	NegotiationID string          `json:"negotiation_id"`
	Sender        string          `json:"sender"`
	Receiver      string          `json:"receiver"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type CFPPayload struct {
	Request resource.PatientRequest `json:"request"`
}

type ProposePayload struct {
	Score  float64   `json:"score"`
	Qty    int       `json:"qty"`
	Expiry time.Time `json:"expiry"`
}

type RefusePayload struct {
	Reason string `json:"reason"`
}

type InformDonePayload struct {
	ReservationID string `json:"reservation_id"`
	Qty           int    `json:"qty"`
}

// NewNegotiationID mints a globally unique negotiation id tagged with the
// requester so logs stay attributable.
func NewNegotiationID(requesterID string) string {
	return "neg_" + requesterID + "_" + uuid.NewString()
}

func (e Envelope) Validate() error {
	if !performatives[e.Performative] {
		return fmt.Errorf("%w: unknown performative %q", ErrMalformed, e.Performative)
	}
	if e.NegotiationID == "" {
		return fmt.Errorf("%w: missing negotiation id", ErrMalformed)
	}
	if e.Sender == "" || e.Receiver == "" {
		return fmt.Errorf("%w: missing sender or receiver", ErrMalformed)
	}
	return nil
}

// NewEnvelope builds an envelope around a typed payload. A nil payload is
// legal for ACCEPT_PROPOSAL, REJECT_PROPOSAL and CANCEL.
func NewEnvelope(p Performative, negID, sender, receiver string, payload any) (Envelope, error) {
	env := Envelope{Performative: p, NegotiationID: negID, Sender: sender, Receiver: receiver}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, env.Validate()
}

// DecodePayload unmarshals the envelope payload into dst, enforcing that
// the payload is well formed for the performative.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, e.Performative)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Performative, err)
	}
	return nil
}

// Decode parses raw bytes from the transport into a validated envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode serializes an envelope for the transport.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
