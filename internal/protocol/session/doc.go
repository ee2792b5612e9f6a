// Package session owns the RDT connection state and the ARQ engine that drives it.
//
// Ownership boundary:
// - one Engine per connection: sequence counter, reassembly buffer, stats
// - level 1 fire-and-forget, level 2 stop-and-wait, level 3 stop-and-wait with timeout
// - retransmission timer and backoff schedule
//
// An Engine is single-threaded: at most one Send or Receive runs at a time, and
// engines sharing a channel must be serialized by the caller.
package session
