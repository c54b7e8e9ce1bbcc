package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"carenet/pkg/cnp"
	"carenet/pkg/config"
	"carenet/pkg/directory"
	"carenet/pkg/events"
	"carenet/pkg/metrics"
	"carenet/pkg/resource"
	"carenet/pkg/scenario"
	"carenet/pkg/transport"
)

var (
	configFile string
	seed       int64
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "carenet",
	Short: "Decentralized hospital resource negotiation",
	Long: `carenet runs a network of autonomous hospital, ambulance and supply
agents that allocate beds, staff-hours and supplies through contract-net
negotiation, with no central coordinator.`,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scenario on an in-process agent network",
	RunE:  runSimulation,
}

func init() {
	simulateCmd.Flags().StringVarP(&configFile, "config", "c", "carenet.yaml", "Path to configuration file")
	simulateCmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (0 = time-based)")
	simulateCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print per-patient outcomes")
	rootCmd.AddCommand(simulateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	entries, err := cfg.DirectoryEntries()
	if err != nil {
		return err
	}
	dir := &directory.Static{Entries: entries, InitialFanout: cfg.InitialFanout}
	collector := metrics.NewCollector()
	bus := transport.NewBus(256)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var requester *cnp.Agent
	for _, ac := range cfg.Agents {
		capacity, err := ac.CapacityRefs()
		if err != nil {
			return err
		}
		agent, err := cnp.NewAgent(cnp.AgentConfig{
			ID:             ac.ID,
			Capacity:       capacity,
			Weights:        cfg.Weights,
			CollectTimeout: cfg.CollectTimeout,
			ReservationTTL: cfg.ReservationTTL,
			MaxRetries:     cfg.MaxRetries,
		}, bus, dir, events.Multi{collector})
		if err != nil {
			return fmt.Errorf("agent %s: %w", ac.ID, err)
		}
		inbox := bus.Register(ac.ID)
		go agent.Run(ctx, inbox, cfg.SweepInterval)
		if len(ac.Capacity) == 0 && requester == nil {
			requester = agent
		}
	}
	if requester == nil {
		return fmt.Errorf("config declares no requester agent (one agent without capacity)")
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gen, err := scenario.NewGenerator(cfg.Scenario, rand.New(rand.NewSource(seed)))
	if err != nil {
		return err
	}
	patients, err := gen.Timeline(time.Now())
	if err != nil {
		return err
	}

	fmt.Printf("Loaded %s: %d agents, %d patients, seed %d\n\n", configFile, len(cfg.Agents), len(patients), seed)

	perRequest := time.Duration(cfg.MaxRetries+2) * cfg.CollectTimeout
	for _, p := range patients {
		sess, err := requester.RequestPlacement(p)
		if err != nil {
			return fmt.Errorf("patient %s: %w", p.ID, err)
		}
		select {
		case outcome := <-sess.Done():
			if verbose {
				printOutcome(p, outcome)
			}
		case <-time.After(perRequest + time.Second):
			fmt.Printf("  %s: no outcome within %s\n", p.ID, perRequest)
		}
	}

	fmt.Println("\nFINAL REPORT")
	fmt.Println("============")
	fmt.Print(collector.Report())
	return nil
}

func printOutcome(p resource.PatientRequest, outcome events.Outcome) {
	label := resource.SeverityLabel(p.Severity)
	if outcome.State == events.OutcomeAwarded {
		fmt.Printf("  %s (%s, %s) -> %s after %d round(s)\n", p.ID, label, p.Resource, outcome.Winner, outcome.Attempts)
		return
	}
	fmt.Printf("  %s (%s, %s) -> UNPLACEABLE after %d round(s)\n", p.ID, label, p.Resource, outcome.Attempts)
}
