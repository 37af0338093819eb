package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/relay/internal/model"
)

// ErrProcessorPanic wraps a panic raised by a Processor during execution.
var ErrProcessorPanic = errors.New("processor panicked")

// Agent is a single worker with a fixed capability set.
type Agent struct {
	id           string
	capabilities map[string]struct{}
	processor    Processor
	logger       *slog.Logger

	// execMu is held for the whole of Execute.
	execMu    sync.Mutex
	available atomic.Bool

	mu      sync.Mutex
	readyAt time.Time
	history []model.ExecutionRecord
}

func newAgent(id string, identities []string, proc Processor, logger *slog.Logger) *Agent {
	caps := make(map[string]struct{}, len(identities))
	for _, identity := range identities {
		caps[identity] = struct{}{}
	}
	a := &Agent{
		id:           id,
		capabilities: caps,
		processor:    proc,
		logger:       logger.With("agent_id", id),
		readyAt:      time.Now(),
	}
	a.available.Store(true)
	return a
}

// ID returns the agent's identifier.
func (a *Agent) ID() string {
	return a.id
}

// Capabilities returns the agent's requester identities, sorted.
func (a *Agent) Capabilities() []string {
	caps := make([]string, 0, len(a.capabilities))
	for c := range a.capabilities {
		caps = append(caps, c)
	}
	slices.Sort(caps)
	return caps
}

// Serves reports whether identity is in the agent's capability set.
func (a *Agent) Serves(identity string) bool {
	_, ok := a.capabilities[identity]
	return ok
}

// Available reports whether the agent is idle.
func (a *Agent) Available() bool {
	return a.available.Load()
}

// IsAvailable reports whether the agent is idle and can serve the event. It
// takes no lock and is advisory only.
func (a *Agent) IsAvailable(e *model.Event) bool {
	return a.available.Load() && a.Serves(e.RequesterIdentity)
}

// ReadyAt returns when the agent was last checked out.
func (a *Agent) ReadyAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readyAt
}

func (a *Agent) markReady(now time.Time) {
	a.mu.Lock()
	a.readyAt = now
	a.mu.Unlock()
}

// History returns a copy of the agent's execution history.
func (a *Agent) History() []model.ExecutionRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.history)
}

// Report returns the agent's end-of-run view.
func (a *Agent) Report() model.AgentReport {
	history := a.History()
	if history == nil {
		history = []model.ExecutionRecord{}
	}
	return model.AgentReport{
		AgentID:      a.id,
		Capabilities: a.Capabilities(),
		History:      history,
	}
}

func (a *Agent) record(r model.ExecutionRecord) {
	a.mu.Lock()
	a.history = append(a.history, r)
	a.mu.Unlock()
}

// Execute processes e on this agent, stamping the event's execution times and
// appending a history record. Executions on the same agent never overlap.
//
// A processor failure is recorded as an error entry with zero processing time
// and the agent is left available. The failure is returned so the caller can
// decide how to count it; the agent itself needs no recovery.
func (a *Agent) Execute(ctx context.Context, e *model.Event) error {
	a.execMu.Lock()
	defer a.execMu.Unlock()

	a.available.Store(false)
	defer a.available.Store(true)

	agentsBusy.Inc()
	defer agentsBusy.Dec()

	logger := a.logger.With("event_id", e.ID)

	start := time.Now()
	readyWait := start.Sub(a.ReadyAt())
	logger.Info("execution started", "ready_wait_ms", readyWait.Milliseconds())
	e.MarkExecutionStarted(start)

	err := a.process(ctx, e)
	end := time.Now()

	if err != nil {
		logger.Error("execution failed", "error", err)
		a.record(model.ExecutionRecord{
			EventID:           e.ID,
			RequesterIdentity: e.RequesterIdentity,
			WaitTime:          readyWait,
			Status:            model.ExecutionError,
			Error:             err.Error(),
			StartedAt:         start,
			EndedAt:           end,
		})
		executionDuration.WithLabelValues(model.ExecutionError).Observe(end.Sub(start).Seconds())
		return fmt.Errorf("agent %s: event %s: %w", a.id, e.ID, err)
	}

	e.MarkExecutionEnded(end)
	processing := end.Sub(start)
	a.record(model.ExecutionRecord{
		EventID:           e.ID,
		RequesterIdentity: e.RequesterIdentity,
		ProcessingTime:    processing,
		WaitTime:          readyWait,
		Status:            model.ExecutionSuccess,
		StartedAt:         start,
		EndedAt:           end,
	})
	executionDuration.WithLabelValues(model.ExecutionSuccess).Observe(processing.Seconds())
	logger.Info("execution finished", "duration_ms", e.Duration.Milliseconds())
	return nil
}

// process runs the processor, converting a panic into an error.
func (a *Agent) process(ctx context.Context, e *model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return a.processor.Process(ctx, e)
}
