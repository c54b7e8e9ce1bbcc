// Package metrics is an event-hook consumer that keeps the simple outcome
// counters a network operator reads after a run: placements, failures,
// per-provider admissions and bed utilization. It never mutates core state.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"carenet/pkg/events"
	"carenet/pkg/ledger"
	"carenet/pkg/resource"
)

type Collector struct {
	mu          sync.Mutex
	placed      int
	unplaceable int
	attempts    int
	perProvider map[string]int
	counters    map[string]map[string]ledger.Counters // agent -> resource -> last seen
}

func NewCollector() *Collector {
	return &Collector{
		perProvider: make(map[string]int),
		counters:    make(map[string]map[string]ledger.Counters),
	}
}

func (c *Collector) OnLedgerChanged(agentID string, res resource.Ref, _, after ledger.Counters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.counters[agentID]
	if !ok {
		m = make(map[string]ledger.Counters)
		c.counters[agentID] = m
	}
	m[res.String()] = after
}

func (c *Collector) OnNegotiationResolved(_ string, outcome events.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts += outcome.Attempts
	switch outcome.State {
	case events.OutcomeAwarded:
		c.placed++
		c.perProvider[outcome.Winner]++
	case events.OutcomeUnplaceable:
		c.unplaceable++
	}
}

func (c *Collector) Placed() int      { return c.snapshotInt(&c.placed) }
func (c *Collector) Unplaceable() int { return c.snapshotInt(&c.unplaceable) }

func (c *Collector) snapshotInt(p *int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *p
}

// Admissions reports committed placements per provider.
func (c *Collector) Admissions(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perProvider[agentID]
}

// Report renders the end-of-run summary.
func (c *Collector) Report() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	total := c.placed + c.unplaceable
	fmt.Fprintf(&b, "patients placed:      %d\n", c.placed)
	fmt.Fprintf(&b, "patients unplaceable: %d\n", c.unplaceable)
	if total > 0 {
		fmt.Fprintf(&b, "placement rate:       %.1f%%\n", 100*float64(c.placed)/float64(total))
		fmt.Fprintf(&b, "avg rounds/request:   %.2f\n", float64(c.attempts)/float64(total))
	}

	providers := make([]string, 0, len(c.counters))
	for id := range c.counters {
		providers = append(providers, id)
	}
	sort.Strings(providers)
	for _, id := range providers {
		fmt.Fprintf(&b, "\n%s:\n", id)
		fmt.Fprintf(&b, "  admissions: %d\n", c.perProvider[id])
		keys := make([]string, 0, len(c.counters[id]))
		for k := range c.counters[id] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cnt := c.counters[id][k]
			inUse := cnt.Total - cnt.Available - cnt.Reserved
			util := 0.0
			if cnt.Total > 0 {
				util = 100 * float64(inUse) / float64(cnt.Total)
			}
			fmt.Fprintf(&b, "  %-16s %d/%d available, %d reserved, %.1f%% in use\n",
				k, cnt.Available, cnt.Total, cnt.Reserved, util)
		}
	}
	return b.String()
}
