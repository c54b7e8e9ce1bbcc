package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"carenet/pkg/authn"
	"carenet/pkg/bid"
	"carenet/pkg/cnp"
	"carenet/pkg/directory"
	"carenet/pkg/protocol"
	"carenet/pkg/resource"
)

var beds = resource.Ref{Kind: resource.Bed}

type capture struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (c *capture) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *capture) byPerformative(p protocol.Performative) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.sent {
		if env.Performative == p {
			out = append(out, env)
		}
	}
	return out
}

func newTestServer(t *testing.T) (*httptest.Server, *cnp.Agent, *capture) {
	t.Helper()
	out := &capture{}
	dir := &directory.Static{Entries: []directory.Entry{
		{ID: "hospital-peer", Location: "center", Offers: []resource.Ref{beds}},
	}}
	agent, err := cnp.NewAgent(cnp.AgentConfig{
		ID:             "hospital-a",
		Capacity:       map[resource.Ref]int{beds: 2},
		Weights:        bid.Weights{Feasibility: 1},
		CollectTimeout: time.Second,
		ReservationTTL: time.Minute,
		MaxRetries:     1,
	}, out, dir, nil)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	srv := httptest.NewServer(New(agent, nil).Router())
	t.Cleanup(srv.Close)
	return srv, agent, out
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestInboxDeliversCFPAndAgentBids(t *testing.T) {
	srv, agent, out := newTestServer(t)

	env, err := protocol.NewEnvelope(protocol.CFP, "neg_test_1", "ambulance-1", "hospital-a",
		protocol.CFPPayload{Request: resource.PatientRequest{
			ID: "P1", Resource: beds, Qty: 1, Severity: resource.SeverityUrgent,
		}})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	resp, err := http.Post(srv.URL+"/inbox", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST /inbox: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	proposals := out.byPerformative(protocol.Propose)
	if len(proposals) != 1 || proposals[0].Receiver != "ambulance-1" {
		t.Fatalf("proposals = %+v", proposals)
	}
	snap := agent.Ledger.Snapshot()
	if c := snap[beds.String()]; c.Reserved != 1 || c.Available != 1 {
		t.Fatalf("counters after bid = %+v", c)
	}
}

func TestInboxSwallowsMalformedEnvelopes(t *testing.T) {
	srv, _, out := newTestServer(t)
	resp, err := http.Post(srv.URL+"/inbox", "application/json", strings.NewReader(`{"performative":"SHOUT"}`))
	if err != nil {
		t.Fatalf("POST /inbox: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 so the sender never retries", resp.StatusCode)
	}
	if len(out.sent) != 0 {
		t.Fatalf("malformed envelope triggered replies: %+v", out.sent)
	}
}

func TestLedgerSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/ledger")
	if err != nil {
		t.Fatalf("GET /ledger: %v", err)
	}
	body := decodeBody(t, resp)
	if body["agent_id"] != "hospital-a" {
		t.Fatalf("agent_id = %v", body["agent_id"])
	}
	resources, ok := body["resources"].(map[string]any)
	if !ok {
		t.Fatalf("resources = %v", body["resources"])
	}
	if _, ok := resources["bed"]; !ok {
		t.Fatalf("bed missing from snapshot: %v", resources)
	}
}

func TestRequestsOpensNegotiation(t *testing.T) {
	srv, agent, out := newTestServer(t)
	resp := postJSON(t, srv.URL+"/requests", map[string]any{
		"patient_id": "P9",
		"resource":   "bed",
		"qty":        1,
		"severity":   4,
		"location":   "north",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	negID, _ := body["negotiation_id"].(string)
	if !strings.HasPrefix(negID, "neg_hospital-a_") {
		t.Fatalf("negotiation_id = %q", negID)
	}

	cfps := out.byPerformative(protocol.CFP)
	if len(cfps) != 1 || cfps[0].Receiver != "hospital-peer" {
		t.Fatalf("cfps = %+v", cfps)
	}

	sresp, err := http.Get(srv.URL + "/negotiations/" + negID)
	if err != nil {
		t.Fatalf("GET negotiation: %v", err)
	}
	sresp.Body.Close()
	if sresp.StatusCode != 200 {
		t.Fatalf("negotiation lookup status = %d", sresp.StatusCode)
	}
	if _, ok := agent.Initiator.Session(negID); !ok {
		t.Fatal("session not tracked")
	}
}

func TestRequestsRejectsBadInput(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/requests", map[string]any{
		"patient_id": "P9", "resource": "ward", "qty": 1, "severity": 3,
	})
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("bad resource status = %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/requests", map[string]any{
		"patient_id": "P9", "resource": "bed", "qty": 0, "severity": 3,
	})
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("zero qty status = %d", resp.StatusCode)
	}
}

func TestCancelUnknownNegotiationConflicts(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/negotiations/neg_missing/cancel", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != 409 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestInboxRequiresNetworkToken(t *testing.T) {
	out := &capture{}
	agent, err := cnp.NewAgent(cnp.AgentConfig{
		ID:             "hospital-a",
		Capacity:       map[resource.Ref]int{beds: 2},
		Weights:        bid.Weights{Feasibility: 1},
		CollectTimeout: time.Second,
		ReservationTTL: time.Minute,
	}, out, &directory.Static{}, nil)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	srv := httptest.NewServer(New(agent, authn.NewVerifier("net-secret")).Router())
	defer srv.Close()

	env, err := protocol.NewEnvelope(protocol.CFP, "neg_test_1", "ambulance-1", "hospital-a",
		protocol.CFPPayload{Request: resource.PatientRequest{
			ID: "P1", Resource: beds, Qty: 1, Severity: resource.SeverityUrgent,
		}})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, _ := protocol.Encode(env)

	resp, err := http.Post(srv.URL+"/inbox", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST /inbox: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}
	if len(out.sent) != 0 {
		t.Fatalf("rejected delivery still reached the agent: %+v", out.sent)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/inbox", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer net-secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}
}

func TestDischargeRejectsMoreThanCommitted(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/discharge", map[string]any{"resource": "bed", "qty": 1})
	resp.Body.Close()
	if resp.StatusCode != 409 {
		t.Fatalf("nothing committed, status = %d, want 409", resp.StatusCode)
	}
}
