package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"carenet/pkg/authn"
	"carenet/pkg/cnp"
	"carenet/pkg/config"
	"carenet/pkg/db"
	"carenet/pkg/directory"
	"carenet/pkg/events"
	"carenet/pkg/metrics"
	"carenet/pkg/transport"
	"carenet/services/agent/internal/eventlog"
	"carenet/services/agent/internal/httpserver"
	"carenet/services/agent/internal/store"
)

// One process = one autonomous agent. Peers are reached over HTTP through
// the endpoints declared in the shared config file; there is no central
// coordinator anywhere.
func main() {
	cfgPath := os.Getenv("CARENET_CONFIG")
	if cfgPath == "" {
		cfgPath = "carenet.yaml"
	}
	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		log.Fatal("AGENT_ID is required")
	}
	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8080"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	var self *config.Agent
	endpoints := make(map[string]string)
	for i, a := range cfg.Agents {
		if a.Endpoint != "" {
			endpoints[a.ID] = a.Endpoint
		}
		if a.ID == agentID {
			self = &cfg.Agents[i]
		}
	}
	if self == nil {
		log.Fatalf("agent %s not declared in %s", agentID, cfgPath)
	}

	entries, err := cfg.DirectoryEntries()
	if err != nil {
		log.Fatalf("directory: %v", err)
	}
	dir := &directory.Static{Entries: entries, InitialFanout: cfg.InitialFanout}

	hooks := events.Multi{metrics.NewCollector()}
	if path := os.Getenv("EVENTLOG_PATH"); path != "" {
		evlog, err := eventlog.Open(path)
		if err != nil {
			log.Fatalf("open event log: %v", err)
		}
		defer evlog.Close()
		hooks = append(hooks, evlog)
	}

	capacity, err := self.CapacityRefs()
	if err != nil {
		log.Fatalf("capacity: %v", err)
	}
	agent, err := cnp.NewAgent(cnp.AgentConfig{
		ID:             agentID,
		Capacity:       capacity,
		Weights:        cfg.Weights,
		CollectTimeout: cfg.CollectTimeout,
		ReservationTTL: cfg.ReservationTTL,
		MaxRetries:     cfg.MaxRetries,
	}, transport.NewHTTPSender(endpoints, cfg.NetworkToken), dir, hooks)
	if err != nil {
		log.Fatalf("build agent: %v", err)
	}

	if os.Getenv("DATABASE_URL") != "" {
		pool := db.MustConnect()
		defer pool.Close()
		st := store.New(pool)
		if err := st.Migrate(context.Background()); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		agent.Coordinator.SetJournal(st)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		t := time.NewTicker(cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				agent.Tick(now)
			}
		}
	}()

	srv := httpserver.New(agent, authn.NewVerifier(cfg.NetworkToken))
	log.Printf("[%s] listening on :%s", agentID, port)
	log.Fatal(http.ListenAndServe(":"+port, srv.Router()))
}
