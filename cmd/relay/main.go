// Command relay dispatches events to capability-matched agents, either as a
// one-shot batch (relay run) or behind an HTTP API (relay serve).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/seantiz/relay/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	}

	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(cfg, logger, os.Args[2:]))
	case "serve":
		os.Exit(cmdServe(cfg, logger, os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "relay: unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Run 'relay --help' for usage.")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`relay: capability-matched event dispatch

Usage:
  relay run [flags]     dispatch a JSON-lines dataset once and print the report
  relay serve [flags]   accept runs over HTTP

Configuration is read from RELAY_* environment variables; flags override them.
Run 'relay <command> -h' for command flags.
`)
}

func fatal(logger *slog.Logger, msg string, err error) int {
	logger.Error(msg, "error", err)
	fmt.Fprintf(os.Stderr, "relay: %s: %v\n", msg, err)
	return 1
}
