// Package store persists the engine's entities in SQLite.
//
// Schedule versions, delivery records, and reply records are append-only;
// subscribers are soft-deactivated, never deleted. A single writer
// connection keeps SQLite happy and makes reply consumption atomic.
package store
