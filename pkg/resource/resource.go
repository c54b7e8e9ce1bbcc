// Package resource defines the resource kinds negotiated over the care
// network and the patient request that opens a negotiation.
package resource

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	Bed        Kind = "bed"
	StaffHour  Kind = "staff_hour"
	SupplyUnit Kind = "supply_unit"
)

// Ref identifies a concrete resource. SupplyType qualifies SupplyUnit
// (e.g. "o2", "blood_o_neg") and is empty for beds and staff-hours.
type Ref struct {
	Kind       Kind   `json:"kind" yaml:"kind"`
	SupplyType string `json:"supply_type,omitempty" yaml:"supply_type,omitempty"`
}

func (r Ref) String() string {
	if r.SupplyType == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ":" + r.SupplyType
}

func (r Ref) Validate() error {
	switch r.Kind {
	case Bed, StaffHour:
		if r.SupplyType != "" {
			return fmt.Errorf("resource %s takes no supply type", r.Kind)
		}
	case SupplyUnit:
		if r.SupplyType == "" {
			return fmt.Errorf("supply_unit requires a supply type")
		}
	default:
		return fmt.Errorf("unknown resource kind %q", r.Kind)
	}
	return nil
}

// ParseRef parses the "kind" or "kind:supply_type" form used in config
// files and ledger keys.
func ParseRef(s string) (Ref, error) {
	kind, supply, _ := strings.Cut(s, ":")
	r := Ref{Kind: Kind(kind), SupplyType: supply}
	if err := r.Validate(); err != nil {
		return Ref{}, err
	}
	return r, nil
}

const (
	SeverityMinimal  = 1
	SeverityLow      = 2
	SeverityModerate = 3
	SeverityUrgent   = 4
	SeverityCritical = 5
)

var severityLabels = map[int]string{
	SeverityMinimal:  "MINIMAL",
	SeverityLow:      "LOW",
	SeverityModerate: "MODERATE",
	SeverityUrgent:   "URGENT",
	SeverityCritical: "CRITICAL",
}

// SeverityLabel returns the triage label for an ordinal severity.
// Higher is more urgent.
func SeverityLabel(severity int) string {
	if l, ok := severityLabels[severity]; ok {
		return l
	}
	return "UNKNOWN"
}

// PatientRequest is the demand that opens a negotiation. Immutable once
// created; the engine only ever copies it.
type PatientRequest struct {
	ID        string     `json:"id"`
	Resource  Ref        `json:"resource"`
	Qty       int        `json:"qty"`
	Severity  int        `json:"severity"`
	Location  string     `json:"location,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

func (p PatientRequest) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("patient request id is required")
	}
	if err := p.Resource.Validate(); err != nil {
		return err
	}
	if p.Qty <= 0 {
		return fmt.Errorf("patient request qty must be positive")
	}
	if p.Severity < SeverityMinimal || p.Severity > SeverityCritical {
		return fmt.Errorf("severity %d out of range", p.Severity)
	}
	return nil
}
