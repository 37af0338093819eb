// Package ingest turns external inputs into dispatch inputs: a JSON-lines
// dataset into events, and requester identities into per-agent capability
// groups.
package ingest
