// Package history persists job run outcomes to a local SQLite database.
//
// It records what happened (completed/failed/cancelled/skipped per run),
// never what is scheduled: restarts always begin with an empty queue.
package history
