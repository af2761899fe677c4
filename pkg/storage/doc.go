// Package storage owns the relational schema and the Store interface over
// it.
//
// The Postgres implementation runs on a pgx pool sized per environment
// (production 20/5 connections, development 10/2, test 5). All message
// writes are INSERT ... ON CONFLICT DO NOTHING statements keyed by hash,
// batched 1000 rows at a time, which makes every ingest path idempotent
// under at-least-once delivery. Link, reaction and verification removals
// delete by their natural keys.
//
// SafeOperation retries transient failures (connection drops, serialization
// failures, deadlocks) with exponential backoff, three attempts in total; anything else
// surfaces immediately so constraint bugs reach the dead-letter queue
// instead of looping. WithTransaction exposes a transactional view of the
// whole Store for multi-statement operations.
//
// The profiles materialized view aggregates the latest user_data value per
// (fid, type) into one row per user. It refreshes on operator demand; the
// base tables never depend on it.
//
// Memory is a map-backed Store used by worker tests and throwaway local
// runs.
package storage
