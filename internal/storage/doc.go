// Package storage persists the board state this service reads and writes:
// subscriber profiles, the local policy cache, the incident feed, notifier
// dedup state and the delivery log.
//
// Two drivers exist: "file" (JSON snapshot plus JSON Lines journals) and
// "sqlite" (a single SQLite database through modernc.org/sqlite).
package storage
