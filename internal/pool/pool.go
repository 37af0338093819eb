package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/relay/internal/model"
)

// DefaultBackoff is the wait between unsuccessful checkout attempts.
const DefaultBackoff = 1 * time.Second

var (
	// ErrInvalidConfig is returned by New for an unusable pool configuration.
	ErrInvalidConfig = errors.New("invalid pool config")
	// ErrNoCandidate means no agent was idle at the time of the attempt.
	ErrNoCandidate = errors.New("no idle agent")
	// ErrNoMatch means idle agents exist but none can serve the event.
	ErrNoMatch = errors.New("no idle agent serves identity")
	// ErrNoCapableAgent is returned by CheckoutBlocking when its context ends
	// before a capable agent could be checked out.
	ErrNoCapableAgent = errors.New("no capable agent")
	// ErrPoolClosed is returned by checkouts on a closed pool.
	ErrPoolClosed = errors.New("pool closed")
	// ErrForeignAgent is returned when checking in an agent from another pool.
	ErrForeignAgent = errors.New("agent does not belong to pool")
	// ErrAlreadyCheckedIn is returned when checking in an idle agent.
	ErrAlreadyCheckedIn = errors.New("agent already checked in")
)

// Config describes a pool to construct.
type Config struct {
	// NumAgents is the fixed pool size.
	NumAgents int
	// Groups holds one identity set per agent; agent i serves Groups[i].
	Groups [][]string
	// Backoff is the wait between checkout attempts. Defaults to DefaultBackoff.
	Backoff time.Duration
	// Processor is shared by all agents. Defaults to a SimulatedProcessor.
	Processor Processor
}

// Pool is a fixed set of agents handed out in FIFO order.
// It is safe for concurrent use.
type Pool struct {
	backoff time.Duration
	logger  *slog.Logger

	// agents is every member in construction order; index maps each member to
	// its position. Both are immutable after New.
	agents []*Agent
	index  map[*Agent]int
	// capable counts, per identity, the agents able to serve it.
	capable map[string]int

	mu     sync.Mutex
	idle   []*Agent
	isIdle map[*Agent]bool
	closed bool
}

// New builds a pool of cfg.NumAgents agents. Agent i is identified by its
// decimal index and serves cfg.Groups[i].
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.NumAgents <= 0 {
		return nil, fmt.Errorf("%w: num agents must be positive, got %d", ErrInvalidConfig, cfg.NumAgents)
	}
	if len(cfg.Groups) != cfg.NumAgents {
		return nil, fmt.Errorf("%w: got %d capability groups for %d agents", ErrInvalidConfig, len(cfg.Groups), cfg.NumAgents)
	}

	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	proc := cfg.Processor
	if proc == nil {
		proc = NewSimulatedProcessor(DefaultMinProcessing, DefaultMaxProcessing)
	}

	p := &Pool{
		backoff: backoff,
		logger:  logger,
		agents:  make([]*Agent, 0, cfg.NumAgents),
		index:   make(map[*Agent]int, cfg.NumAgents),
		capable: make(map[string]int),
		idle:    make([]*Agent, 0, cfg.NumAgents),
		isIdle:  make(map[*Agent]bool, cfg.NumAgents),
	}

	for i, group := range cfg.Groups {
		a := newAgent(strconv.Itoa(i), group, proc, logger)
		p.agents = append(p.agents, a)
		p.index[a] = i
		for identity := range a.capabilities {
			p.capable[identity]++
		}
		p.idle = append(p.idle, a)
		p.isIdle[a] = true
	}

	return p, nil
}

// Size returns the number of agents the pool was built with.
func (p *Pool) Size() int {
	return len(p.agents)
}

// Idle returns the number of agents currently checked in.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Serves reports whether any agent in the pool can serve identity.
func (p *Pool) Serves(identity string) bool {
	return p.capable[identity] > 0
}

// Close makes further checkouts fail with ErrPoolClosed. Checkins are still
// accepted so that outstanding agents can be returned.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// TryCheckoutMatching makes a single non-blocking attempt to check out an
// agent able to serve e. Idle agents are inspected in FIFO order and the first
// one whose IsAvailable holds is removed; the others keep their order.
func (p *Pool) TryCheckoutMatching(e *model.Event) (*Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if len(p.idle) == 0 {
		return nil, ErrNoCandidate
	}

	for i, a := range p.idle {
		if !a.IsAvailable(e) {
			continue
		}
		p.idle = slices.Delete(p.idle, i, i+1)
		delete(p.isIdle, a)
		return a, nil
	}
	return nil, ErrNoMatch
}

// CheckoutBlocking retries TryCheckoutMatching, waiting the pool's backoff
// between attempts, until an agent is checked out or ctx ends. The returned
// agent has its ready time stamped.
//
// With no deadline on ctx, an event that no agent can serve blocks forever.
// When ctx ends the error wraps both ErrNoCapableAgent and ctx.Err().
func (p *Pool) CheckoutBlocking(ctx context.Context, e *model.Event) (*Agent, error) {
	logger := p.logger.With("event_id", e.ID, "identity", e.RequesterIdentity)
	warned := false

	for attempt := 1; ; attempt++ {
		a, err := p.TryCheckoutMatching(e)
		switch {
		case err == nil:
			a.markReady(time.Now())
			checkoutAttempts.WithLabelValues(attemptMatched).Inc()
			logger.Info("agent checked out", "agent_id", a.ID(), "attempts", attempt)
			return a, nil
		case errors.Is(err, ErrNoCandidate):
			checkoutAttempts.WithLabelValues(attemptNoCandidate).Inc()
			logger.Debug("no idle agent, backing off", "attempt", attempt)
		case errors.Is(err, ErrNoMatch):
			checkoutAttempts.WithLabelValues(attemptNoMatch).Inc()
			logger.Debug("no idle agent serves identity, backing off", "attempt", attempt)
		default:
			checkoutAttempts.WithLabelValues(attemptFault).Inc()
			logger.Error("checkout failed", "error", err)
			return nil, err
		}

		if !warned && !p.Serves(e.RequesterIdentity) {
			logger.Warn("no agent in pool serves identity; checkout will not succeed")
			warned = true
		}

		timer := time.NewTimer(p.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w for %q after %d attempts: %w", ErrNoCapableAgent, e.RequesterIdentity, attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// Checkin returns an agent to the tail of the idle queue.
func (p *Pool) Checkin(a *Agent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.index[a]; !ok {
		return ErrForeignAgent
	}
	if p.isIdle[a] {
		return fmt.Errorf("%w: agent %s", ErrAlreadyCheckedIn, a.ID())
	}
	p.idle = append(p.idle, a)
	p.isIdle[a] = true
	return nil
}

// DrainAndReport empties the idle queue and returns a report for each drained
// agent, ordered by agent id. It must only be called once every checked-out
// agent has been returned; agents still checked out are not reported.
func (p *Pool) DrainAndReport() []model.AgentReport {
	p.mu.Lock()
	drained := p.idle
	p.idle = nil
	clear(p.isIdle)
	p.mu.Unlock()

	slices.SortFunc(drained, func(a, b *Agent) int {
		return p.index[a] - p.index[b]
	})

	reports := make([]model.AgentReport, 0, len(drained))
	for _, a := range drained {
		reports = append(reports, a.Report())
	}
	return reports
}
