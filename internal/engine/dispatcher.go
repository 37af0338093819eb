package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/relay/internal/model"
	"github.com/seantiz/relay/internal/pool"
)

// ErrAlreadyRun is returned when Run is called on a dispatcher more than once.
var ErrAlreadyRun = errors.New("dispatcher already run")

// Dispatch outcome values.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

const (
	stateIdle int32 = iota
	stateRunning
	stateDone
)

// Options tunes a Dispatcher.
type Options struct {
	// CheckoutTimeout bounds how long one event may wait for an agent.
	// Zero waits forever.
	CheckoutTimeout time.Duration
	// FailurePolicy is model.PolicyAgentObtained (default) or
	// model.PolicyExecutionOutcome.
	FailurePolicy string
	// Observer, if set, is called once per event when its dispatch finishes.
	// It is called from dispatch goroutines and must be safe for concurrent use.
	Observer func(Outcome)
}

// Outcome describes how a single event's dispatch ended.
type Outcome struct {
	EventID    string `json:"event_id"`
	Identity   string `json:"identity"`
	AgentID    string `json:"agent_id,omitempty"`
	Result     string `json:"result"`
	Error      string `json:"error,omitempty"`
	WaitMS     int64  `json:"wait_ms"`
	DurationMS int64  `json:"duration_ms"`
}

// Dispatcher fans a fixed batch of events out to an agent pool and counts the
// results. A Dispatcher runs once.
type Dispatcher struct {
	pool   *pool.Pool
	opts   Options
	logger *slog.Logger
	wg     sync.WaitGroup
	state  atomic.Int32

	pending []*model.Event
	total   int

	completed  atomic.Int64
	failed     atomic.Int64
	timedOut   atomic.Int64
	execErrors atomic.Int64
}

// NewDispatcher creates a dispatcher for events against p.
func NewDispatcher(p *pool.Pool, events []*model.Event, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = model.PolicyAgentObtained
	}
	return &Dispatcher{
		pool:    p,
		opts:    opts,
		logger:  logger,
		pending: events,
		total:   len(events),
	}
}

// Completed returns the number of events counted as completed so far.
func (d *Dispatcher) Completed() int {
	return int(d.completed.Load())
}

// Failed returns the number of events counted as failed so far.
func (d *Dispatcher) Failed() int {
	return int(d.failed.Load())
}

// Done reports whether Run has finished.
func (d *Dispatcher) Done() bool {
	return d.state.Load() == stateDone
}

// Run launches one dispatch goroutine per pending event, waits for all of them
// and then drains the pool into the returned summary. The pool must not be in
// use by anyone else while Run executes.
//
// Every launched dispatch is counted exactly once as completed or failed.
// Cancelling ctx fails the events still waiting for an agent as timed out;
// executions already under way complete.
func (d *Dispatcher) Run(ctx context.Context) (model.RunSummary, error) {
	if !d.state.CompareAndSwap(stateIdle, stateRunning) {
		return model.RunSummary{}, ErrAlreadyRun
	}

	startedAt := time.Now().UTC()
	d.logger.Info("dispatch run started",
		"events", d.total,
		"agents", d.pool.Size(),
		"failure_policy", d.opts.FailurePolicy,
	)

	for len(d.pending) > 0 {
		e := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]

		e.MarkQueued(time.Now())
		d.logger.Debug("dispatching event", "event_id", e.ID, "identity", e.RequesterIdentity)
		d.wg.Go(func() {
			d.dispatchOne(ctx, e)
		})
	}
	d.pending = nil

	d.wg.Wait()

	reports := d.pool.DrainAndReport()
	for _, r := range reports {
		d.logger.Info("agent history",
			"agent_id", r.AgentID,
			"capabilities", r.Capabilities,
			"executions", len(r.History),
			"history", r.History,
		)
	}
	d.state.Store(stateDone)

	finishedAt := time.Now().UTC()
	summary := model.RunSummary{
		Status:          model.RunDone,
		NumAgents:       d.pool.Size(),
		TotalEvents:     d.total,
		Completed:       int(d.completed.Load()),
		Failed:          int(d.failed.Load()),
		TimedOut:        int(d.timedOut.Load()),
		ExecutionErrors: int(d.execErrors.Load()),
		FailurePolicy:   d.opts.FailurePolicy,
		StartedAt:       &startedAt,
		FinishedAt:      &finishedAt,
		Agents:          reports,
	}

	d.logger.Info("dispatch run finished",
		"completed", summary.Completed,
		"failed", summary.Failed,
		"timed_out", summary.TimedOut,
		"execution_errors", summary.ExecutionErrors,
		"elapsed_ms", finishedAt.Sub(startedAt).Milliseconds(),
	)
	return summary, nil
}

// dispatchOne obtains an agent for e, executes it and returns the agent, even
// when the dispatch panics.
func (d *Dispatcher) dispatchOne(ctx context.Context, e *model.Event) {
	logger := d.logger.With("event_id", e.ID, "identity", e.RequesterIdentity)
	out := Outcome{EventID: e.ID, Identity: e.RequesterIdentity}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("dispatch panicked", "panic", r)
			d.failed.Add(1)
			out.Result = OutcomeFailed
			out.Error = fmt.Sprint(r)
		}
		out.WaitMS = e.WaitTime.Milliseconds()
		out.DurationMS = e.Duration.Milliseconds()
		dispatchTotal.WithLabelValues(out.Result).Inc()
		if d.opts.Observer != nil {
			d.opts.Observer(out)
		}
	}()

	e.MarkDispatchStarted(time.Now())
	dispatchWait.Observe(e.WaitTime.Seconds())

	checkoutCtx := ctx
	if d.opts.CheckoutTimeout > 0 {
		var cancel context.CancelFunc
		checkoutCtx, cancel = context.WithTimeout(ctx, d.opts.CheckoutTimeout)
		defer cancel()
	}

	a, err := d.pool.CheckoutBlocking(checkoutCtx, e)
	if err != nil {
		d.failed.Add(1)
		out.Error = err.Error()
		if errors.Is(err, pool.ErrNoCapableAgent) {
			d.timedOut.Add(1)
			out.Result = OutcomeTimedOut
			logger.Warn("no agent obtained before checkout timeout", "timeout", d.opts.CheckoutTimeout, "error", err)
			return
		}
		out.Result = OutcomeFailed
		logger.Error("agent checkout failed", "error", err)
		return
	}
	out.AgentID = a.ID()
	defer func() {
		if err := d.pool.Checkin(a); err != nil {
			logger.Error("agent checkin failed", "agent_id", a.ID(), "error", err)
		}
	}()

	// Cancelling ctx only ends waiting checkouts; an event that reached an
	// agent always runs to completion.
	execErr := a.Execute(context.WithoutCancel(ctx), e)

	if execErr != nil {
		d.execErrors.Add(1)
		out.Error = execErr.Error()
		if d.opts.FailurePolicy == model.PolicyExecutionOutcome {
			d.failed.Add(1)
			out.Result = OutcomeFailed
			logger.Warn("event execution failed", "agent_id", a.ID(), "error", execErr)
			return
		}
	}

	d.completed.Add(1)
	out.Result = OutcomeCompleted
	logger.Info("event dispatched",
		"agent_id", a.ID(),
		"wait_ms", e.WaitTime.Milliseconds(),
		"duration_ms", e.Duration.Milliseconds(),
		"execution_error", execErr != nil,
	)
}
