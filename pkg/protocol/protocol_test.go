package protocol

import (
	"errors"
	"strings"
	"testing"
	"time"

	"carenet/pkg/resource"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	req := resource.PatientRequest{
		ID:        "P1",
		Resource:  resource.Ref{Kind: resource.Bed},
		Qty:       1,
		Severity:  resource.SeverityCritical,
		Location:  "north",
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	env, err := NewEnvelope(CFP, "neg_amb_1", "ambulance-1", "hospital-1", CFPPayload{Request: req})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var p CFPPayload
	if err := got.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Request != req {
		t.Fatalf("request drifted: %+v vs %+v", p.Request, req)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "{nope"},
		{"unknown performative", `{"performative":"HAGGLE","negotiation_id":"n","sender":"a","receiver":"b"}`},
		{"missing negotiation id", `{"performative":"CFP","sender":"a","receiver":"b"}`},
		{"missing sender", `{"performative":"CFP","negotiation_id":"n","receiver":"b"}`},
	}
	for _, tc := range cases {
		if _, err := Decode([]byte(tc.raw)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: want ErrMalformed, got %v", tc.name, err)
		}
	}
}

func TestDecodePayloadRejectsMissingBody(t *testing.T) {
	env := Envelope{Performative: Propose, NegotiationID: "n", Sender: "a", Receiver: "b"}
	var p ProposePayload
	if err := env.DecodePayload(&p); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed for empty payload, got %v", err)
	}
}

func TestDecisionPerformativesCarryNoPayload(t *testing.T) {
	for _, perf := range []Performative{AcceptProposal, RejectProposal, Cancel} {
		env, err := NewEnvelope(perf, "neg_1", "a", "b", nil)
		if err != nil {
			t.Fatalf("%s: %v", perf, err)
		}
		if len(env.Payload) != 0 {
			t.Fatalf("%s: unexpected payload %s", perf, env.Payload)
		}
	}
}

func TestNewNegotiationIDUnique(t *testing.T) {
	a := NewNegotiationID("ambulance-1")
	b := NewNegotiationID("ambulance-1")
	if a == b {
		t.Fatal("negotiation ids collided")
	}
	if !strings.HasPrefix(a, "neg_ambulance-1_") {
		t.Fatalf("id %q not attributable to requester", a)
	}
}
