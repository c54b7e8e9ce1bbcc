// Package eventlog appends ledger-change and negotiation-resolved events to
// a local LevelDB, giving metrics and replay tooling a durable feed without
// touching core state.
package eventlog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"carenet/pkg/events"
	"carenet/pkg/ledger"
	"carenet/pkg/resource"
)

const seqKey = "seq_latest"

type Event struct {
	Seq           uint64          `json:"seq"`
	Kind          string          `json:"kind"` // ledger_changed | negotiation_resolved
	At            time.Time       `json:"at"`
	AgentID       string          `json:"agent_id,omitempty"`
	Resource      string          `json:"resource,omitempty"`
	Before        *ledger.Counters `json:"before,omitempty"`
	After         *ledger.Counters `json:"after,omitempty"`
	NegotiationID string          `json:"negotiation_id,omitempty"`
	Outcome       *events.Outcome `json:"outcome,omitempty"`
}

// Log is an append-only event sink. Events are stored as JSON blobs under
// evt_<seq> keys with the latest sequence cached under a meta key, so a
// restart resumes numbering without a scan.
type Log struct {
	mu  sync.Mutex
	db  *leveldb.DB
	seq uint64
}

func Open(path string) (*Log, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	l := &Log{db: db}
	if v, err := db.Get([]byte(seqKey), nil); err == nil {
		if n, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			l.seq = n
		}
	}
	return l, nil
}

func (l *Log) Close() error { return l.db.Close() }

func (l *Log) OnLedgerChanged(agentID string, res resource.Ref, before, after ledger.Counters) {
	b, a := before, after
	l.append(Event{
		Kind:     "ledger_changed",
		AgentID:  agentID,
		Resource: res.String(),
		Before:   &b,
		After:    &a,
	})
}

func (l *Log) OnNegotiationResolved(negotiationID string, outcome events.Outcome) {
	o := outcome
	l.append(Event{
		Kind:          "negotiation_resolved",
		NegotiationID: negotiationID,
		Outcome:       &o,
	})
}

func (l *Log) append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e.Seq = l.seq
	e.At = time.Now()
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	key := fmt.Sprintf("evt_%012d", e.Seq)
	if err := l.db.Put([]byte(key), data, nil); err != nil {
		return
	}
	_ = l.db.Put([]byte(seqKey), []byte(strconv.FormatUint(l.seq, 10)), nil)
}

// Events returns the inclusive range [from, to]. A zero `to` means latest.
func (l *Log) Events(from, to uint64) ([]Event, error) {
	l.mu.Lock()
	latest := l.seq
	l.mu.Unlock()
	if from == 0 {
		from = 1
	}
	if to == 0 || to > latest {
		to = latest
	}
	var out []Event
	for seq := from; seq <= to; seq++ {
		key := fmt.Sprintf("evt_%012d", seq)
		data, err := l.db.Get([]byte(key), nil)
		if err != nil {
			continue
		}
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
