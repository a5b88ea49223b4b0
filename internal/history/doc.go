// Package history persists pairing lifecycle events to PostgreSQL.
//
// The registry emits events (registered, evicted, deregistered, swept)
// into an EventBuffer that never blocks the pairing path. A Writer
// drains the buffer, batches rows, and flushes them to the pair_events
// table on size or interval.
//
// History is an append-only audit trail. The pairing table itself is
// never persisted; a restart starts empty.
package history
