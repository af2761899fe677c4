// Package worker implements the three job handlers behind the indexing
// pipelines.
//
// # Backfill
//
// Backfiller hydrates a newly-added target from scratch. It pulls the full
// history of every message kind through the hub client, maps messages to
// records through the factories, and upserts them. Root targets also get
// their on-chain events. Because every write is an insert-or-skip keyed by
// hash, a backfill that dies halfway restarts cleanly; the closing step
// stamps targets.last_synced_at.
//
// # Realtime
//
// RealtimePoller runs as the single recurring job on the realtime queue
// (concurrency 1, fired every five seconds). One iteration reads the durable
// cursor, fetches the next page of hub events, enqueues the relevant ones
// onto the process-event queue at high priority, and advances the cursor to
// the page maximum. The cursor only moves after the whole page is enqueued:
// a crash in between replays the page, and replays are harmless downstream.
//
// An event is relevant when its author is a tracked target, when it is a
// reply to a target's cast, a reaction to a target's cast, or a chain event
// issued by a monitored client FID.
//
// # Processing and expansion
//
// Processor consumes process-event jobs with concurrency 10 and dispatches
// on the event type: add-messages map through a factory into an upsert,
// remove-messages delete by their natural key, prunes and revokes are
// ignored. Malformed payloads are logged and dropped rather than retried,
// so one bad event cannot wedge the queue.
//
// After dispatch the expansion rules run. A follow authored by a root
// target adds the followed FID as a new (non-root) target and schedules its
// backfill under the backfill-<fid> dedup key. A signer-add chain event
// issued by a monitored client adds the announced FID as a new root target.
// Both rules are idempotent, so replays and concurrent deliveries converge.
//
// Per-FID delivery order is not preserved across the process-event pool.
// All operations key on message hash, so add/remove pairs settle correctly
// regardless of interleaving; a remove that overtakes its add leaves a row
// until the next operator reconciliation.
package worker
