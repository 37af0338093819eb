// Package engine dispatches batches of events to agent pools.
//
// A Dispatcher runs one batch: it launches a goroutine per event, each of
// which checks out a capability-matching agent, executes the event and returns
// the agent. The Engine accepts batch submissions from the HTTP API, runs each
// on its own pool and archives the resulting report in the store. Progress for
// in-flight runs is published through a RunBroker.
package engine
