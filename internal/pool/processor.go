package pool

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/seantiz/relay/internal/model"
)

// Default bounds for simulated processing.
const (
	DefaultMinProcessing = 1 * time.Second
	DefaultMaxProcessing = 5 * time.Second
)

// Processor performs the work an event describes. Implementations must be safe
// for concurrent use: one Processor is shared by every agent in a pool.
type Processor interface {
	// Process handles the event. A returned error (or a panic) is recorded as a
	// failed execution in the agent's history.
	Process(ctx context.Context, e *model.Event) error
}

// ProcessorFunc adapts an ordinary function to the Processor interface.
type ProcessorFunc func(ctx context.Context, e *model.Event) error

// Process calls f(ctx, e).
func (f ProcessorFunc) Process(ctx context.Context, e *model.Event) error {
	return f(ctx, e)
}

// SimulatedProcessor stands in for real work by sleeping for a duration drawn
// uniformly from [Min, Max].
type SimulatedProcessor struct {
	Min time.Duration
	Max time.Duration
}

// NewSimulatedProcessor returns a SimulatedProcessor with the given bounds.
// Non-positive bounds fall back to the defaults and an inverted range is
// collapsed to Min.
func NewSimulatedProcessor(minD, maxD time.Duration) *SimulatedProcessor {
	if minD <= 0 {
		minD = DefaultMinProcessing
	}
	if maxD <= 0 {
		maxD = DefaultMaxProcessing
	}
	if maxD < minD {
		maxD = minD
	}
	return &SimulatedProcessor{Min: minD, Max: maxD}
}

// Sample draws a processing duration.
func (s *SimulatedProcessor) Sample() time.Duration {
	if s.Max <= s.Min {
		return s.Min
	}
	return s.Min + rand.N(s.Max-s.Min+1)
}

// Process sleeps for a sampled duration. It returns ctx.Err() if the context
// ends first.
func (s *SimulatedProcessor) Process(ctx context.Context, _ *model.Event) error {
	timer := time.NewTimer(s.Sample())
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
