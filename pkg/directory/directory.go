// Package directory supplies the candidate-participant list for a request.
// The engine consumes it as an ordered set of agent ids; discovery and
// registration are outside the core.
package directory

import (
	"sort"

	"carenet/pkg/resource"
)

// Provider yields candidates for a request. attempt 0 is the initial round;
// each retry passes a higher attempt and expects a widened set.
type Provider interface {
	Candidates(req resource.PatientRequest, attempt int) []string
}

// Entry describes one provider agent known to the directory.
type Entry struct {
	ID       string         `yaml:"id"`
	Location string         `yaml:"location"`
	Offers   []resource.Ref `yaml:"offers"`
}

func (e Entry) offers(ref resource.Ref) bool {
	for _, o := range e.Offers {
		if o == ref {
			return true
		}
	}
	return false
}

// Static is a fixed-topology provider. Candidates are filtered by resource
// kind and ordered by proximity to the request location: same location
// first, then the center hub, then the rest; ties by id for determinism.
type Static struct {
	Entries []Entry

	// InitialFanout limits the first round; each retry widens by the same
	// amount until the whole filtered set is in play. Zero means no limit.
	InitialFanout int
}

func (s *Static) Candidates(req resource.PatientRequest, attempt int) []string {
	type ranked struct {
		id   string
		rank int
	}
	var matches []ranked
	for _, e := range s.Entries {
		if !e.offers(req.Resource) {
			continue
		}
		rank := 2
		switch e.Location {
		case req.Location:
			rank = 0
		case "center":
			rank = 1
		}
		matches = append(matches, ranked{id: e.ID, rank: rank})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank < matches[j].rank
		}
		return matches[i].id < matches[j].id
	})

	limit := len(matches)
	if s.InitialFanout > 0 {
		limit = s.InitialFanout * (attempt + 1)
		if limit > len(matches) {
			limit = len(matches)
		}
	}
	out := make([]string, 0, limit)
	for _, m := range matches[:limit] {
		out = append(out, m.id)
	}
	return out
}
