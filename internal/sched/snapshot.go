package sched

import "time"

// JobStatus is one queued entry as seen by diagnostics.
type JobStatus struct {
	Name      string        `json:"name"`
	Group     string        `json:"group"`
	NextRun   time.Time     `json:"next_run"`
	Every     time.Duration `json:"every,omitempty"`
	Running   bool          `json:"running,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
}

// SchedulerSnapshot is a lightweight view of the queue for operators.
type SchedulerSnapshot struct {
	Pending int         `json:"pending"`
	NextRun time.Time   `json:"next_run"`
	Jobs    []JobStatus `json:"jobs"`
}

// PoolStatus describes one group's pool.
type PoolStatus struct {
	Group     string `json:"group"`
	Active    int    `json:"active"`
	MaxActive int    `json:"max_active"`
	Submitted uint64 `json:"submitted"`
	Stopped   bool   `json:"stopped,omitempty"`
}

// PoolsSnapshot describes the pool manager.
type PoolsSnapshot struct {
	Down  bool         `json:"down"`
	Pools []PoolStatus `json:"pools"`
}
