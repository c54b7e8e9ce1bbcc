// Package config loads the deployment configuration: protocol timing,
// scoring weights, network topology and the simulation scenario. Nothing
// here has compiled-in defaults; the YAML file is the single source.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"carenet/pkg/bid"
	"carenet/pkg/directory"
	"carenet/pkg/resource"
)

type Config struct {
	// Protocol timing.
	CollectTimeout time.Duration `yaml:"collectTimeout"`
	ReservationTTL time.Duration `yaml:"reservationTTL"`
	SweepInterval  time.Duration `yaml:"sweepInterval"`
	MaxRetries     int           `yaml:"maxRetries"`
	InitialFanout  int           `yaml:"initialFanout"`

	// NetworkToken authenticates agent-to-agent HTTP delivery. Empty
	// disables authentication; in-process simulations do not need it.
	NetworkToken string `yaml:"networkToken,omitempty"`

	Weights bid.Weights `yaml:"weights"`

	Agents []Agent `yaml:"agents"`

	Scenario Scenario `yaml:"scenario"`
}

// Agent declares one node of the network and the capacity it provides.
// Requester-only agents (ambulances) simply list no capacity.
type Agent struct {
	ID       string         `yaml:"id"`
	Location string         `yaml:"location"`
	Endpoint string         `yaml:"endpoint,omitempty"`
	Capacity map[string]int `yaml:"capacity,omitempty"`
}

// Scenario drives patient generation: random batches with a weighted
// severity distribution, plus cron-scheduled arrival waves.
type Scenario struct {
	RandomPatients  int            `yaml:"randomPatients"`
	SeverityWeights map[int]int    `yaml:"severityWeights,omitempty"`
	Locations       []string       `yaml:"locations,omitempty"`
	Waves           []ArrivalWave  `yaml:"waves,omitempty"`
	Resource        string         `yaml:"resource"`
	Duration        time.Duration  `yaml:"duration,omitempty"`
}

// ArrivalWave emits Count patients at each cron-schedule firing inside the
// scenario window.
type ArrivalWave struct {
	CronSchedule string `yaml:"cronSchedule"`
	Count        int    `yaml:"count"`
	Severity     int    `yaml:"severity,omitempty"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.CollectTimeout <= 0 {
		return fmt.Errorf("collectTimeout must be greater than 0")
	}
	if c.ReservationTTL <= 0 {
		return fmt.Errorf("reservationTTL must be greater than 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweepInterval must be greater than 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be non-negative")
	}
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be defined")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent %d: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agent %s: duplicate id", a.ID)
		}
		seen[a.ID] = true
		for key, total := range a.Capacity {
			if _, err := resource.ParseRef(key); err != nil {
				return fmt.Errorf("agent %s: %w", a.ID, err)
			}
			if total < 0 {
				return fmt.Errorf("agent %s: capacity for %s must be non-negative", a.ID, key)
			}
		}
	}
	if c.Scenario.Resource != "" {
		if _, err := resource.ParseRef(c.Scenario.Resource); err != nil {
			return fmt.Errorf("scenario: %w", err)
		}
	}
	for i, w := range c.Scenario.Waves {
		if w.CronSchedule == "" {
			return fmt.Errorf("scenario wave %d: cronSchedule is required", i)
		}
		if w.Count <= 0 {
			return fmt.Errorf("scenario wave %d: count must be positive", i)
		}
	}
	return nil
}

// CapacityRefs converts an agent's capacity map to typed resource refs.
func (a Agent) CapacityRefs() (map[resource.Ref]int, error) {
	out := make(map[resource.Ref]int, len(a.Capacity))
	for key, total := range a.Capacity {
		ref, err := resource.ParseRef(key)
		if err != nil {
			return nil, err
		}
		out[ref] = total
	}
	return out, nil
}

// DirectoryEntries builds the static directory from the agent list. Only
// agents with capacity appear as candidates.
func (c *Config) DirectoryEntries() ([]directory.Entry, error) {
	var out []directory.Entry
	for _, a := range c.Agents {
		if len(a.Capacity) == 0 {
			continue
		}
		e := directory.Entry{ID: a.ID, Location: a.Location}
		for key := range a.Capacity {
			ref, err := resource.ParseRef(key)
			if err != nil {
				return nil, err
			}
			e.Offers = append(e.Offers, ref)
		}
		out = append(out, e)
	}
	return out, nil
}
