package sched

import "time"

// entry is one scheduled job in the deadline queue. Cancelled and failed
// entries are not removed eagerly; the scheduler drops them when they are
// popped (their handle is already terminal by then).
type entry struct {
	seq      uint64
	name     string
	group    *Group
	work     Work
	deadline time.Time
	every    time.Duration // 0 = one-shot
	handle   *handle
}

// taskQueue is a min-heap ordered by (deadline, seq): earliest deadline
// first, submission order breaking ties.
type taskQueue []*entry

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*entry)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}
