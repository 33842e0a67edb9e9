package common

import "sync"

// Event is a broadcast-only condition variable bound to a caller-owned lock.
// Waiters must hold the lock; Wait releases it while blocked and reacquires
// it before returning. Every Broadcast wakes all waiters, so a woken waiter
// has to recheck its predicate.
type Event struct {
	c *sync.Cond
}

func NewEvent(l sync.Locker) *Event {
	return &Event{c: sync.NewCond(l)}
}

// Wait blocks until the next Broadcast. The bound lock must be held.
func (e *Event) Wait() {
	e.c.Wait()
}

func (e *Event) Broadcast() {
	e.c.Broadcast()
}
