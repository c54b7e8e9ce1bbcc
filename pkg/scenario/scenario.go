// Package scenario generates patient arrivals for simulations: random
// batches with a weighted severity distribution and cron-scheduled waves.
// The core only ever consumes the resulting PatientRequest values.
package scenario

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"carenet/pkg/config"
	"carenet/pkg/resource"
)

// DefaultSeverityWeights skews toward urgent cases, matching the triage mix
// an emergency network actually sees.
var DefaultSeverityWeights = map[int]int{
	resource.SeverityMinimal:  1,
	resource.SeverityLow:      2,
	resource.SeverityModerate: 3,
	resource.SeverityUrgent:   2,
	resource.SeverityCritical: 2,
}

var defaultLocations = []string{"north", "south", "east", "west", "center"}

// Generator produces patient requests from a scenario definition.
type Generator struct {
	scenario config.Scenario
	res      resource.Ref
	rng      *rand.Rand
	seq      int
}

func NewGenerator(sc config.Scenario, rng *rand.Rand) (*Generator, error) {
	if sc.Resource == "" {
		return nil, fmt.Errorf("scenario resource is required")
	}
	ref, err := resource.ParseRef(sc.Resource)
	if err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Generator{scenario: sc, res: ref, rng: rng}, nil
}

// Batch returns n random patients timestamped at start.
func (g *Generator) Batch(n int, start time.Time) []resource.PatientRequest {
	out := make([]resource.PatientRequest, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.next(start, g.pickSeverity()))
	}
	return out
}

// Timeline expands the whole scenario over [start, start+Duration): the
// random batch at start plus every wave firing inside the window, ordered
// by arrival time.
func (g *Generator) Timeline(start time.Time) ([]resource.PatientRequest, error) {
	end := start.Add(g.scenario.Duration)
	out := g.Batch(g.scenario.RandomPatients, start)

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for _, w := range g.scenario.Waves {
		schedule, err := parser.Parse(w.CronSchedule)
		if err != nil {
			return nil, fmt.Errorf("wave schedule %q: %w", w.CronSchedule, err)
		}
		for t := schedule.Next(start); !t.IsZero() && t.Before(end); t = schedule.Next(t) {
			for i := 0; i < w.Count; i++ {
				sev := w.Severity
				if sev == 0 {
					sev = g.pickSeverity()
				}
				out = append(out, g.next(t, sev))
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (g *Generator) next(at time.Time, severity int) resource.PatientRequest {
	g.seq++
	locs := g.scenario.Locations
	if len(locs) == 0 {
		locs = defaultLocations
	}
	return resource.PatientRequest{
		ID:        fmt.Sprintf("P%d", g.seq),
		Resource:  g.res,
		Qty:       1,
		Severity:  severity,
		Location:  locs[g.rng.Intn(len(locs))],
		CreatedAt: at,
	}
}

func (g *Generator) pickSeverity() int {
	weights := g.scenario.SeverityWeights
	if len(weights) == 0 {
		weights = DefaultSeverityWeights
	}
	total := 0
	for s := resource.SeverityMinimal; s <= resource.SeverityCritical; s++ {
		total += weights[s]
	}
	if total == 0 {
		return resource.SeverityModerate
	}
	n := g.rng.Intn(total)
	for s := resource.SeverityMinimal; s <= resource.SeverityCritical; s++ {
		if n < weights[s] {
			return s
		}
		n -= weights[s]
	}
	return resource.SeverityCritical
}
