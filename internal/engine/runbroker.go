package engine

import "sync"

// subscriberBufferSize is the channel buffer for each progress subscriber.
const subscriberBufferSize = 64

// RunBroker fans the dispatch outcomes of live runs out to subscribers.
// A run is live from Open until Close; nothing is retained after Close, so
// callers learn how a finished run ended from the store instead.
// It is safe for concurrent use.
type RunBroker struct {
	mu   sync.Mutex
	runs map[string]map[chan Outcome]struct{}
}

// NewRunBroker creates an empty broker.
func NewRunBroker() *RunBroker {
	return &RunBroker{
		runs: make(map[string]map[chan Outcome]struct{}),
	}
}

// Open marks runID live. Opening a live run has no effect.
func (b *RunBroker) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.runs[runID]; !ok {
		b.runs[runID] = make(map[chan Outcome]struct{})
	}
}

// Live reports whether runID is between Open and Close.
func (b *RunBroker) Live(runID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.runs[runID]
	return ok
}

// Subscribe returns a channel of outcomes for runID and an unsubscribe
// function. The channel is closed when the run closes. ok is false when the
// run is not live in this process (finished, unknown, or left running by an
// earlier process); no channel is returned then.
func (b *RunBroker) Subscribe(runID string) (ch <-chan Outcome, unsubscribe func(), ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, live := b.runs[runID]
	if !live {
		return nil, func() {}, false
	}

	c := make(chan Outcome, subscriberBufferSize)
	subs[c] = struct{}{}

	return c, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.runs[runID]; ok {
			delete(subs, c)
		}
	}, true
}

// Publish delivers o to every subscriber of runID. Subscribers whose buffers
// are full miss the outcome; the drop is counted in relay_progress_dropped_total.
func (b *RunBroker) Publish(runID string, o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.runs[runID] {
		select {
		case c <- o:
		default:
			progressDropped.Inc()
		}
	}
}

// Close closes every subscriber channel of runID and forgets the run.
func (b *RunBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.runs[runID] {
		close(c)
	}
	delete(b.runs, runID)
}
