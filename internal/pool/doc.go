// Package pool implements the agent pool: a fixed set of agents, each able to
// serve a fixed set of requester identities, handed out to concurrent
// dispatchers through a checkout/checkin protocol.
//
// An agent checked out of the pool is owned exclusively by the caller until it
// is checked back in. Execution on a single agent is additionally serialized by
// the agent's own guard, so no two executions on the same agent overlap.
package pool
