package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/relay/internal/model"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "relay.db"
	defaultEventsPath      = "events.jsonl"
	defaultNumAgents       = 2
	defaultBackoff         = 1 * time.Second
	defaultCheckoutTimeout = 0
	defaultMinProcessing   = 1 * time.Second
	defaultMaxProcessing   = 5 * time.Second

	envListenAddr      = "RELAY_LISTEN_ADDR"
	envDBPath          = "RELAY_DB_PATH"
	envLogLevel        = "RELAY_LOG_LEVEL"
	envEventsPath      = "RELAY_EVENTS_PATH"
	envGroupsPath      = "RELAY_GROUPS_PATH"
	envNumAgents       = "RELAY_NUM_AGENTS"
	envBackoff         = "RELAY_BACKOFF"
	envCheckoutTimeout = "RELAY_CHECKOUT_TIMEOUT"
	envFailurePolicy   = "RELAY_FAILURE_POLICY"
	envMinProcessing   = "RELAY_MIN_PROCESSING"
	envMaxProcessing   = "RELAY_MAX_PROCESSING"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	EventsPath string
	// GroupsPath is an optional YAML capability groups file. When empty,
	// identities are dealt round-robin across NumAgents.
	GroupsPath string

	NumAgents       int
	Backoff         time.Duration
	CheckoutTimeout time.Duration
	FailurePolicy   string
	MinProcessing   time.Duration
	MaxProcessing   time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Unparseable values fall back to the default.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		EventsPath:      defaultEventsPath,
		NumAgents:       defaultNumAgents,
		Backoff:         defaultBackoff,
		CheckoutTimeout: defaultCheckoutTimeout,
		FailurePolicy:   model.PolicyAgentObtained,
		MinProcessing:   defaultMinProcessing,
		MaxProcessing:   defaultMaxProcessing,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envEventsPath); v != "" {
		cfg.EventsPath = v
	}
	cfg.GroupsPath = os.Getenv(envGroupsPath)

	cfg.NumAgents = parseInt(os.Getenv(envNumAgents), cfg.NumAgents)
	cfg.Backoff = parseDuration(os.Getenv(envBackoff), cfg.Backoff)
	cfg.CheckoutTimeout = parseDuration(os.Getenv(envCheckoutTimeout), cfg.CheckoutTimeout)
	cfg.MinProcessing = parseDuration(os.Getenv(envMinProcessing), cfg.MinProcessing)
	cfg.MaxProcessing = parseDuration(os.Getenv(envMaxProcessing), cfg.MaxProcessing)

	if v := strings.ToLower(os.Getenv(envFailurePolicy)); model.ValidFailurePolicy(v) {
		cfg.FailurePolicy = v
	}

	return cfg
}

// Validate reports settings that are individually parseable but unusable.
func (c Config) Validate() error {
	var errs []error
	if c.NumAgents <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", envNumAgents, c.NumAgents))
	}
	if c.Backoff <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", envBackoff, c.Backoff))
	}
	if c.CheckoutTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative, got %v", envCheckoutTimeout, c.CheckoutTimeout))
	}
	if c.MinProcessing > c.MaxProcessing {
		errs = append(errs, fmt.Errorf("%s (%v) exceeds %s (%v)", envMinProcessing, c.MinProcessing, envMaxProcessing, c.MaxProcessing))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// parseDuration accepts Go duration strings ("250ms") and bare integers,
// which are read as milliseconds.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
