// Package bid scores a patient request against a ledger snapshot. Evaluate
// is pure: same inputs, same verdict, no side effects.
package bid

import (
	"fmt"

	"carenet/pkg/ledger"
	"carenet/pkg/protocol"
	"carenet/pkg/resource"
)

// Weights is the deployment-time scoring surface. No defaults are baked in
// here; config carries them.
type Weights struct {
	Feasibility float64 `yaml:"feasibility"`
	Severity    float64 `yaml:"severity"`
	Fairness    float64 `yaml:"fairness"`

	// LoadCap is the utilization above which the provider refuses outright
	// with OVERLOADED. Zero disables the cap.
	LoadCap float64 `yaml:"load_cap"`
}

func (w Weights) Validate() error {
	if w.Feasibility < 0 || w.Severity < 0 || w.Fairness < 0 {
		return fmt.Errorf("bid weights must be non-negative")
	}
	if w.Feasibility+w.Severity+w.Fairness == 0 {
		return fmt.Errorf("at least one bid weight must be positive")
	}
	if w.LoadCap < 0 || w.LoadCap > 1 {
		return fmt.Errorf("load_cap must be in [0,1]")
	}
	return nil
}

// Verdict is either a proposal (Propose true) or a refusal with Reason set.
type Verdict struct {
	Propose bool
	Score   float64
	Qty     int
	Reason  string
}

// Evaluate decides whether a provider with the given ledger snapshot should
// bid on the request, and how strongly. utilization is the provider's
// committed share for the requested resource, in [0,1].
func Evaluate(req resource.PatientRequest, snap map[string]ledger.Counters, utilization float64, w Weights) Verdict {
	c, ok := snap[req.Resource.String()]
	if !ok {
		return Verdict{Reason: protocol.ReasonOutOfScope}
	}
	if w.LoadCap > 0 && utilization >= w.LoadCap {
		return Verdict{Reason: protocol.ReasonOverloaded}
	}
	if c.Available < req.Qty {
		return Verdict{Reason: protocol.ReasonInsufficientCapacity}
	}

	// Feasibility margin: headroom left after granting, relative to total.
	margin := 0.0
	if c.Total > 0 {
		margin = float64(c.Available-req.Qty) / float64(c.Total)
	}
	sev := float64(req.Severity) / float64(resource.SeverityCritical)
	fair := 1 - utilization

	score := w.Feasibility*margin + w.Severity*sev + w.Fairness*fair
	return Verdict{Propose: true, Score: score, Qty: req.Qty}
}
