// Package httpserver exposes one agent over HTTP: envelope delivery at
// /inbox plus the resource-status and negotiation read surfaces peers and
// operators poll.
package httpserver

import (
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"carenet/pkg/authn"
	"carenet/pkg/cnp"
	"carenet/pkg/httpx"
	"carenet/pkg/protocol"
	"carenet/pkg/resource"
)

type Server struct {
	Agent    *cnp.Agent
	Verifier *authn.Verifier
}

func New(agent *cnp.Agent, verifier *authn.Verifier) *Server {
	if verifier == nil {
		verifier = authn.NewVerifier("")
	}
	return &Server{Agent: agent, Verifier: verifier}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	// Transport delivery point. Fire-and-forget: malformed envelopes are
	// logged and dropped, the sender always gets 202 back so it never
	// retries into a duplicate. Peer deliveries must carry the network
	// token when one is configured.
	r.With(s.Verifier.Middleware).Post("/inbox", func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			httpx.WriteError(w, 400, "BAD_BODY", err.Error())
			return
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("[%s] dropping inbound: %v", s.Agent.ID, err)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.Agent.HandleEnvelope(env)
		w.WriteHeader(http.StatusAccepted)
	})

	// Resource status query: the ledger snapshot peers consult.
	r.Get("/ledger", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id": httpx.NewRequestID(),
			"agent_id":   s.Agent.ID,
			"resources":  s.Agent.Ledger.Snapshot(),
		})
	})

	r.Get("/negotiations/{negotiation_id}", func(w http.ResponseWriter, r *http.Request) {
		negID := chi.URLParam(r, "negotiation_id")
		sess, ok := s.Agent.Initiator.Session(negID)
		if !ok {
			httpx.WriteError(w, 404, "NOT_FOUND", "unknown negotiation "+negID)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id": httpx.NewRequestID(),
			"session":    sess,
		})
	})

	// Opens a negotiation for a patient request; the caller polls the
	// negotiation resource for the outcome.
	r.Post("/requests", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PatientID string `json:"patient_id"`
			Resource  string `json:"resource"`
			Qty       int    `json:"qty"`
			Severity  int    `json:"severity"`
			Location  string `json:"location"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error())
			return
		}
		ref, err := resource.ParseRef(req.Resource)
		if err != nil {
			httpx.WriteError(w, 400, "BAD_RESOURCE", err.Error())
			return
		}
		sess, err := s.Agent.RequestPlacement(resource.PatientRequest{
			ID:        req.PatientID,
			Resource:  ref,
			Qty:       req.Qty,
			Severity:  req.Severity,
			Location:  req.Location,
			CreatedAt: time.Now(),
		})
		if err != nil {
			httpx.WriteError(w, 400, "BAD_REQUEST", err.Error())
			return
		}
		httpx.WriteJSON(w, 202, map[string]any{
			"request_id":     httpx.NewRequestID(),
			"negotiation_id": sess.NegotiationID,
		})
	})

	r.Post("/negotiations/{negotiation_id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		negID := chi.URLParam(r, "negotiation_id")
		if err := s.Agent.Initiator.Cancel(negID); err != nil {
			httpx.WriteError(w, 409, "CANCEL_REJECTED", err.Error())
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id":     httpx.NewRequestID(),
			"negotiation_id": negID,
			"cancelled":      true,
		})
	})

	// External discharge event: returns committed capacity to available.
	r.Post("/discharge", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Resource string `json:"resource"`
			Qty      int    `json:"qty"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error())
			return
		}
		ref, err := resource.ParseRef(req.Resource)
		if err != nil {
			httpx.WriteError(w, 400, "BAD_RESOURCE", err.Error())
			return
		}
		if err := s.Agent.Ledger.Discharge(ref, req.Qty); err != nil {
			httpx.WriteError(w, 409, "DISCHARGE_REJECTED", err.Error())
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id": httpx.NewRequestID(),
			"resources":  s.Agent.Ledger.Snapshot(),
		})
	})

	return r
}
