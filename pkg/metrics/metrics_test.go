package metrics

import (
	"strings"
	"testing"

	"carenet/pkg/events"
	"carenet/pkg/ledger"
	"carenet/pkg/resource"
)

var beds = resource.Ref{Kind: resource.Bed}

func TestCollectorCountsOutcomes(t *testing.T) {
	c := NewCollector()
	c.OnNegotiationResolved("neg_1", events.Outcome{State: events.OutcomeAwarded, Winner: "hospital-a", Qty: 1, Attempts: 1})
	c.OnNegotiationResolved("neg_2", events.Outcome{State: events.OutcomeAwarded, Winner: "hospital-a", Qty: 1, Attempts: 2})
	c.OnNegotiationResolved("neg_3", events.Outcome{State: events.OutcomeUnplaceable, Attempts: 3})

	if c.Placed() != 2 {
		t.Fatalf("placed = %d", c.Placed())
	}
	if c.Unplaceable() != 1 {
		t.Fatalf("unplaceable = %d", c.Unplaceable())
	}
	if c.Admissions("hospital-a") != 2 {
		t.Fatalf("admissions = %d", c.Admissions("hospital-a"))
	}
	if c.Admissions("hospital-b") != 0 {
		t.Fatalf("phantom admissions = %d", c.Admissions("hospital-b"))
	}
}

func TestReportIncludesRatesAndUtilization(t *testing.T) {
	c := NewCollector()
	c.OnLedgerChanged("hospital-a", beds,
		ledger.Counters{Total: 4, Available: 4},
		ledger.Counters{Total: 4, Available: 2, Reserved: 1})
	c.OnNegotiationResolved("neg_1", events.Outcome{State: events.OutcomeAwarded, Winner: "hospital-a", Attempts: 1})
	c.OnNegotiationResolved("neg_2", events.Outcome{State: events.OutcomeUnplaceable, Attempts: 2})

	report := c.Report()
	for _, want := range []string{
		"patients placed:      1",
		"patients unplaceable: 1",
		"placement rate:       50.0%",
		"hospital-a:",
		"admissions: 1",
		"2/4 available, 1 reserved, 25.0% in use",
	} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}

func TestReportOnEmptyCollector(t *testing.T) {
	report := NewCollector().Report()
	if strings.Contains(report, "placement rate") {
		t.Fatalf("empty report should omit rates:\n%s", report)
	}
}
