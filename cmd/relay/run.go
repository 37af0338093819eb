package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/relay/internal/config"
	"github.com/seantiz/relay/internal/engine"
	"github.com/seantiz/relay/internal/ingest"
	"github.com/seantiz/relay/internal/model"
	"github.com/seantiz/relay/internal/pool"
	"github.com/seantiz/relay/internal/store"
)

func cmdRun(cfg config.Config, logger *slog.Logger, args []string) int {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.StringVar(&cfg.EventsPath, "events", cfg.EventsPath, "JSON-lines dataset")
	flags.StringVar(&cfg.GroupsPath, "groups", cfg.GroupsPath, "YAML capability groups file (default: round-robin)")
	flags.IntVar(&cfg.NumAgents, "agents", cfg.NumAgents, "number of agents when groups are derived")
	flags.DurationVar(&cfg.CheckoutTimeout, "checkout-timeout", cfg.CheckoutTimeout, "per-event checkout timeout (0 waits forever)")
	flags.StringVar(&cfg.FailurePolicy, "failure-policy", cfg.FailurePolicy, "agent-obtained or execution-outcome")
	noStore := flags.Bool("no-store", false, "do not archive the report")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if !model.ValidFailurePolicy(cfg.FailurePolicy) {
		fmt.Fprintf(os.Stderr, "relay: run: unknown failure policy %q\n", cfg.FailurePolicy)
		return 2
	}

	events, err := ingest.LoadEvents(cfg.EventsPath, logger)
	if err != nil {
		return fatal(logger, "load events", err)
	}

	groups, err := loadGroups(cfg, events)
	if err != nil {
		return fatal(logger, "capability groups", err)
	}
	cfg.NumAgents = len(groups)
	if err := cfg.Validate(); err != nil {
		return fatal(logger, "config", err)
	}

	summary := model.RunSummary{
		RunID:         model.NewID(),
		Status:        model.RunPending,
		NumAgents:     cfg.NumAgents,
		TotalEvents:   len(events),
		FailurePolicy: cfg.FailurePolicy,
		CreatedAt:     time.Now().UTC(),
	}
	logger = logger.With("run_id", summary.RunID)

	var db store.Store
	if !*noStore {
		s, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return fatal(logger, "open database", err)
		}
		defer s.Close()
		db = s

		if err := db.CreateRun(context.Background(), &summary); err != nil {
			return fatal(logger, "create run", err)
		}
		if err := db.UpdateRunStatus(context.Background(), summary.RunID, model.RunRunning); err != nil {
			return fatal(logger, "start run", err)
		}
	}

	p, err := pool.New(pool.Config{
		NumAgents: cfg.NumAgents,
		Groups:    groups,
		Backoff:   cfg.Backoff,
		Processor: pool.NewSimulatedProcessor(cfg.MinProcessing, cfg.MaxProcessing),
	}, logger)
	if err != nil {
		return fatal(logger, "build pool", err)
	}

	// An interrupt ends checkouts still waiting for an agent; those events
	// count as timed out and the report is still written.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := engine.NewDispatcher(p, events, engine.Options{
		CheckoutTimeout: cfg.CheckoutTimeout,
		FailurePolicy:   cfg.FailurePolicy,
	}, logger)
	result, err := d.Run(ctx)
	if err != nil {
		return fatal(logger, "dispatch", err)
	}
	result.RunID = summary.RunID
	result.CreatedAt = summary.CreatedAt

	if db != nil {
		if err := db.FinishRun(context.Background(), &result); err != nil {
			return fatal(logger, "archive report", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fatal(logger, "encode report", err)
	}
	return 0
}

// loadGroups reads the groups file when one is configured and otherwise deals
// the dataset's identities round-robin across cfg.NumAgents agents.
func loadGroups(cfg config.Config, events []*model.Event) ([][]string, error) {
	if cfg.GroupsPath != "" {
		return ingest.LoadGroups(cfg.GroupsPath)
	}
	if cfg.NumAgents <= 0 {
		return nil, fmt.Errorf("agents must be positive, got %d", cfg.NumAgents)
	}
	return ingest.DivideIntoGroups(ingest.UniqueIdentities(events), cfg.NumAgents)
}
