package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/relay/internal/ingest"
	"github.com/seantiz/relay/internal/model"
	"github.com/seantiz/relay/internal/pool"
	"github.com/seantiz/relay/internal/store"
)

var (
	// ErrInvalidRequest is returned by Submit for a request that cannot be run.
	ErrInvalidRequest = errors.New("invalid run request")
	// ErrShuttingDown is returned by Submit after Shutdown.
	ErrShuttingDown = errors.New("engine shutting down")
)

// RunRequest describes a batch to dispatch.
type RunRequest struct {
	NumAgents int
	// Groups holds one identity set per agent. When nil, the events'
	// identities are dealt round-robin across NumAgents groups.
	Groups          [][]string
	Events          []*model.Event
	Backoff         time.Duration
	CheckoutTimeout time.Duration
	FailurePolicy   string
	MinProcessing   time.Duration
	MaxProcessing   time.Duration
}

// Defaults fill the zero-valued tuning fields of submitted requests.
type Defaults struct {
	Backoff         time.Duration
	CheckoutTimeout time.Duration
	FailurePolicy   string
	MinProcessing   time.Duration
	MaxProcessing   time.Duration
}

// Engine runs submitted batches asynchronously, one pool per run.
type Engine struct {
	store     store.Store
	logger    *slog.Logger
	wg        sync.WaitGroup
	broker    *RunBroker
	processor pool.Processor
	defaults  Defaults

	// ctx bounds every checkout of every run; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewEngine creates a new dispatch engine.
func NewEngine(s store.Store, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:  s,
		logger: logger,
		broker: NewRunBroker(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetProcessor replaces the simulated processor for all future runs.
func (e *Engine) SetProcessor(p pool.Processor) {
	e.processor = p
}

// SetDefaults sets the values used for request fields left at zero.
func (e *Engine) SetDefaults(d Defaults) {
	e.defaults = d
}

// Broker returns the engine's progress broker for SSE subscription.
func (e *Engine) Broker() *RunBroker {
	return e.broker
}

// Submit validates req, stores a pending run and launches it in a goroutine.
// The returned summary carries the new run id.
func (e *Engine) Submit(ctx context.Context, req RunRequest) (model.RunSummary, error) {
	if err := e.normalize(&req); err != nil {
		return model.RunSummary{}, err
	}

	summary := model.RunSummary{
		RunID:         model.NewID(),
		Status:        model.RunPending,
		NumAgents:     req.NumAgents,
		TotalEvents:   len(req.Events),
		FailurePolicy: req.FailurePolicy,
		CreatedAt:     time.Now().UTC(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return model.RunSummary{}, ErrShuttingDown
	}

	if err := e.store.CreateRun(ctx, &summary); err != nil {
		return model.RunSummary{}, fmt.Errorf("create run: %w", err)
	}

	e.broker.Open(summary.RunID)
	runsInFlight.Inc()
	e.wg.Go(func() {
		defer runsInFlight.Dec()
		e.execute(summary, req)
	})

	return summary, nil
}

// Shutdown stops accepting runs and ends every checkout still waiting for an
// agent; those events count as timed out. Executions already under way finish
// normally and every run still archives its report. Call Wait afterwards.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
}

// Wait blocks until all in-flight runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// normalize fills defaults and derived groups, rejecting unusable requests.
func (e *Engine) normalize(req *RunRequest) error {
	if req.NumAgents <= 0 {
		return fmt.Errorf("%w: num_agents must be positive", ErrInvalidRequest)
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("%w: no events", ErrInvalidRequest)
	}

	if req.Backoff == 0 {
		req.Backoff = e.defaults.Backoff
	}
	if req.CheckoutTimeout == 0 {
		req.CheckoutTimeout = e.defaults.CheckoutTimeout
	}
	if req.MinProcessing == 0 {
		req.MinProcessing = e.defaults.MinProcessing
	}
	if req.MaxProcessing == 0 {
		req.MaxProcessing = e.defaults.MaxProcessing
	}
	if req.FailurePolicy == "" {
		req.FailurePolicy = e.defaults.FailurePolicy
	}
	if req.FailurePolicy == "" {
		req.FailurePolicy = model.PolicyAgentObtained
	}
	if !model.ValidFailurePolicy(req.FailurePolicy) {
		return fmt.Errorf("%w: unknown failure policy %q", ErrInvalidRequest, req.FailurePolicy)
	}

	if req.Groups == nil {
		groups, err := ingest.DivideIntoGroups(ingest.UniqueIdentities(req.Events), req.NumAgents)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		req.Groups = groups
	}
	if len(req.Groups) != req.NumAgents {
		return fmt.Errorf("%w: %d capability groups for %d agents", ErrInvalidRequest, len(req.Groups), req.NumAgents)
	}
	return nil
}

// execute runs one batch: pending→running→done, or failed if the pool cannot
// be built.
func (e *Engine) execute(summary model.RunSummary, req RunRequest) {
	defer e.broker.Close(summary.RunID)

	logger := e.logger.With("run_id", summary.RunID)
	// Store writes outlive Shutdown so interrupted runs are still archived.
	ctx := context.Background()

	if err := e.store.UpdateRunStatus(ctx, summary.RunID, model.RunRunning); err != nil {
		logger.Error("failed to transition to running", "error", err)
		e.finishFailed(summary, fmt.Sprintf("failed to start: %v", err))
		return
	}

	proc := e.processor
	if proc == nil {
		proc = pool.NewSimulatedProcessor(req.MinProcessing, req.MaxProcessing)
	}

	p, err := pool.New(pool.Config{
		NumAgents: req.NumAgents,
		Groups:    req.Groups,
		Backoff:   req.Backoff,
		Processor: proc,
	}, logger)
	if err != nil {
		e.finishFailed(summary, fmt.Sprintf("build pool: %v", err))
		return
	}

	d := NewDispatcher(p, req.Events, Options{
		CheckoutTimeout: req.CheckoutTimeout,
		FailurePolicy:   req.FailurePolicy,
		Observer: func(o Outcome) {
			e.broker.Publish(summary.RunID, o)
		},
	}, logger)

	result, err := d.Run(e.ctx)
	if err != nil {
		e.finishFailed(summary, fmt.Sprintf("run: %v", err))
		return
	}

	result.RunID = summary.RunID
	result.CreatedAt = summary.CreatedAt
	if err := e.store.FinishRun(ctx, &result); err != nil {
		logger.Error("failed to store run report", "error", err)
	}
}

// finishFailed marks a run as failed with the given error message.
func (e *Engine) finishFailed(summary model.RunSummary, errMsg string) {
	now := time.Now().UTC()
	summary.Status = model.RunFailed
	summary.Error = errMsg
	summary.FinishedAt = &now

	if err := e.store.FinishRun(context.Background(), &summary); err != nil {
		e.logger.Error("failed to update failed run", "run_id", summary.RunID, "error", err)
	}
}
