// Package stream is the single source of truth for which completion streams
// are alive.
//
// A caller begins a session under a unique stream id and receives a
// cancellation token (a context). Chunks are buffered per session and
// flushed to the event sink once the buffer holds more than the flush
// threshold, and on End. Cancel discards anything still buffered.
//
// Invariants:
//   - At most one open session per stream id (DuplicateStreamError).
//   - Exactly one terminal event (completed, aborted or error) per session;
//     nothing is published for a session after its terminal event.
//   - Chunks of one session reach the sink in the order they were fed.
//   - Terminated sessions are removed from the registry and never reused.
//   - Cancel is idempotent: cancelling an unknown or finished id is a no-op.
package stream
