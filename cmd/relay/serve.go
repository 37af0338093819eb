package main

import (
	"flag"
	"log/slog"

	"github.com/seantiz/relay/internal/api"
	"github.com/seantiz/relay/internal/config"
	"github.com/seantiz/relay/internal/engine"
	"github.com/seantiz/relay/internal/store"
)

func cmdServe(cfg config.Config, logger *slog.Logger, args []string) int {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	flags.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "HTTP listen address")
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite report archive")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	logger.Info("relay: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fatal(logger, "open database", err)
	}
	defer db.Close()

	eng := engine.NewEngine(db, logger)
	eng.SetDefaults(engine.Defaults{
		Backoff:         cfg.Backoff,
		CheckoutTimeout: cfg.CheckoutTimeout,
		FailurePolicy:   cfg.FailurePolicy,
		MinProcessing:   cfg.MinProcessing,
		MaxProcessing:   cfg.MaxProcessing,
	})
	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)

	runErr := srv.Run()

	// Runs stuck waiting for an agent would otherwise keep Wait from returning.
	logger.Info("stopping in-flight runs")
	eng.Shutdown()
	eng.Wait()

	if runErr != nil {
		return fatal(logger, "server", runErr)
	}
	return 0
}
