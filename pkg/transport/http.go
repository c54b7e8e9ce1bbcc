package transport

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"carenet/pkg/protocol"
)

// HTTPSender posts envelopes to each peer agent's /inbox endpoint.
// Fire-and-forget: delivery failures are logged and swallowed, matching the
// at-most-once contract.
type HTTPSender struct {
	mu        sync.RWMutex
	endpoints map[string]string
	client    *http.Client
	token     string
}

// NewHTTPSender builds a sender for the given peer endpoints. token, when
// non-empty, is sent as a bearer credential with every delivery.
func NewHTTPSender(endpoints map[string]string, token string) *HTTPSender {
	eps := make(map[string]string, len(endpoints))
	for id, base := range endpoints {
		eps[id] = base
	}
	return &HTTPSender{
		endpoints: eps,
		client:    &http.Client{Timeout: 5 * time.Second},
		token:     token,
	}
}

// SetEndpoint adds or replaces a peer's base URL.
func (s *HTTPSender) SetEndpoint(agentID, baseURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[agentID] = baseURL
}

func (s *HTTPSender) Send(env protocol.Envelope) error {
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	s.mu.RLock()
	base, ok := s.endpoints[env.Receiver]
	s.mu.RUnlock()
	if !ok {
		log.Printf("[http] no endpoint for %s, dropping %s for %s", env.Receiver, env.Performative, env.NegotiationID)
		return nil
	}
	req, err := http.NewRequest(http.MethodPost, base+"/inbox", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		log.Printf("[http] deliver to %s failed: %v", env.Receiver, err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("inbox at %s answered %d", env.Receiver, resp.StatusCode)
	}
	return nil
}
