package eventlog

import (
	"path/filepath"
	"testing"

	"carenet/pkg/events"
	"carenet/pkg/ledger"
	"carenet/pkg/resource"
)

var beds = resource.Ref{Kind: resource.Bed}

func openTestLog(t *testing.T, path string) *Log {
	t.Helper()
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndRangeRead(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "events"))

	l.OnLedgerChanged("hospital-a", beds,
		ledger.Counters{Total: 5, Available: 5},
		ledger.Counters{Total: 5, Available: 4, Reserved: 1})
	l.OnNegotiationResolved("neg_test_1", events.Outcome{
		State:  events.OutcomeAwarded,
		Winner: "hospital-a",
		Qty:    1,
	})

	got, err := l.Events(0, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].Kind != "ledger_changed" || got[0].Seq != 1 {
		t.Fatalf("first event = %+v", got[0])
	}
	if got[0].After == nil || got[0].After.Reserved != 1 {
		t.Fatalf("first event after = %+v", got[0].After)
	}
	if got[1].Kind != "negotiation_resolved" || got[1].Outcome == nil || got[1].Outcome.Winner != "hospital-a" {
		t.Fatalf("second event = %+v", got[1])
	}
}

func TestRangeBounds(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "events"))
	for i := 0; i < 5; i++ {
		l.OnNegotiationResolved("neg_test_1", events.Outcome{State: events.OutcomeUnplaceable})
	}

	got, err := l.Events(2, 4)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 3 || got[0].Seq != 2 || got[2].Seq != 4 {
		t.Fatalf("range read = %+v", got)
	}

	got, err = l.Events(4, 100)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("clamped range = %+v", got)
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.OnNegotiationResolved("neg_test_1", events.Outcome{State: events.OutcomeAwarded})
	l.OnNegotiationResolved("neg_test_2", events.Outcome{State: events.OutcomeAwarded})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2 := openTestLog(t, path)
	l2.OnNegotiationResolved("neg_test_3", events.Outcome{State: events.OutcomeAwarded})

	got, err := l2.Events(0, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 3 || got[2].Seq != 3 || got[2].NegotiationID != "neg_test_3" {
		t.Fatalf("events after reopen = %+v", got)
	}
}
