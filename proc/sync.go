package proc

import (
	"context"
	"sync"
)

// waitQueue is a FIFO queue of blocked threads, used by every primitive
// below so that waking one waiter always picks the longest-waiting
// thread.
type waitQueue struct {
	q []*Thread
}

func (w *waitQueue) push(t *Thread) {
	w.q = append(w.q, t)
}

func (w *waitQueue) popFront() *Thread {
	if len(w.q) == 0 {
		return nil
	}
	t := w.q[0]
	w.q = w.q[1:]
	return t
}

func (w *waitQueue) popAll() []*Thread {
	all := w.q
	w.q = nil
	return all
}

func (w *waitQueue) len() int { return len(w.q) }

// Mutex is a kernel-internal mutual-exclusion lock with a FIFO waiter
// queue, exposed for trusted kernel/driver use. Unlike sync.Mutex,
// contended acquisition goes through Thread.BlockOn so a blocked owner
// is visible to the scheduler's wait-object bookkeeping.
type Mutex struct {
	mu sync.Mutex
	locked bool
	waiters waitQueue
}

// Lock acquires m on behalf of t, blocking via t.BlockOn if already held.
func (m *Mutex) Lock(ctx context.Context, t *Thread) WaitResult {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return WaitOK
	}
	m.waiters.push(t)
	m.mu.Unlock()
	return t.BlockOn(ctx, m)
}

// Unlock releases m, handing ownership directly to the next FIFO waiter
// if any (so Lock's caller observes m still logically held, avoiding a
// thundering-herd re-race for the lock bit).
func (m *Mutex) Unlock() {
	m.mu.Lock()
	next := m.waiters.popFront()
	if next == nil {
		m.locked = false
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	next.Wake()
}

// Semaphore is a counting semaphore with a FIFO waiter queue.
type Semaphore struct {
	mu sync.Mutex
	count int
	waiters waitQueue
}

// NewSemaphore constructs a semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{count: initial}
}

// Acquire decrements the semaphore, blocking if the count is zero.
func (s *Semaphore) Acquire(ctx context.Context, t *Thread) WaitResult {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return WaitOK
	}
	s.waiters.push(t)
	s.mu.Unlock()
	return t.BlockOn(ctx, s)
}

// Release increments the semaphore, waking one FIFO waiter if any were
// queued instead of incrementing the visible count (direct handoff).
func (s *Semaphore) Release() {
	s.mu.Lock()
	next := s.waiters.popFront()
	if next == nil {
		s.count++
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	next.Wake()
}

// CondVar is a condition variable associated with an external Mutex,
// following the standard wait/notify-one/notify-all contract.
type CondVar struct {
	mu sync.Mutex
	waiters waitQueue
}

// Wait atomically releases m and blocks t on the condition, reacquiring
// m before returning (mirroring sync.Cond.Wait's contract).
func (c *CondVar) Wait(ctx context.Context, t *Thread, m *Mutex) WaitResult {
	c.mu.Lock()
	c.waiters.push(t)
	c.mu.Unlock()

	m.Unlock()
	res := t.BlockOn(ctx, c)
	m.Lock(ctx, t)
	return res
}

// NotifyOne wakes the longest-waiting thread (FIFO), if any.
func (c *CondVar) NotifyOne() {
	c.mu.Lock()
	next := c.waiters.popFront()
	c.mu.Unlock()
	if next != nil {
		next.Wake()
	}
}

// NotifyAll wakes every waiting thread.
func (c *CondVar) NotifyAll() {
	c.mu.Lock()
	all := c.waiters.popAll()
	c.mu.Unlock()
	for _, t := range all {
		t.Wake()
	}
}

// RWLock allows multiple concurrent readers or one exclusive writer,
// with FIFO-fair waiter queues for blocked readers and writers.
type RWLock struct {
	mu sync.Mutex
	readers int
	writerHeld bool
	readWaiters waitQueue
	writeWaiters waitQueue
}

// RLock acquires a shared (read) hold.
func (l *RWLock) RLock(ctx context.Context, t *Thread) WaitResult {
	l.mu.Lock()
	if !l.writerHeld && l.writeWaiters.len() == 0 {
		l.readers++
		l.mu.Unlock()
		return WaitOK
	}
	l.readWaiters.push(t)
	l.mu.Unlock()
	return t.BlockOn(ctx, l)
}

// RUnlock releases a shared hold, promoting a waiting writer if this was
// the last reader.
func (l *RWLock) RUnlock() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		if w := l.writeWaiters.popFront(); w != nil {
			l.writerHeld = true
			l.mu.Unlock()
			w.Wake()
			return
		}
	}
	l.mu.Unlock()
}

// Lock acquires an exclusive (write) hold.
func (l *RWLock) Lock(ctx context.Context, t *Thread) WaitResult {
	l.mu.Lock()
	if !l.writerHeld && l.readers == 0 {
		l.writerHeld = true
		l.mu.Unlock()
		return WaitOK
	}
	l.writeWaiters.push(t)
	l.mu.Unlock()
	return t.BlockOn(ctx, l)
}

// Unlock releases an exclusive hold, preferring to wake a single queued
// writer, then falling back to releasing every queued reader together.
func (l *RWLock) Unlock() {
	l.mu.Lock()
	if w := l.writeWaiters.popFront(); w != nil {
		l.mu.Unlock()
		w.Wake()
		return
	}
	readers := l.readWaiters.popAll()
	l.writerHeld = false
	l.readers = len(readers)
	l.mu.Unlock()
	for _, r := range readers {
		r.Wake()
	}
}

// Barrier blocks n threads until all n have arrived, then releases them
// all together.
type Barrier struct {
	mu sync.Mutex
	n int
	arrived int
	waiters waitQueue
}

// NewBarrier constructs a barrier for n participants.
func NewBarrier(n int) *Barrier {
	return &Barrier{n: n}
}

// Wait blocks t until n threads have called Wait.
func (b *Barrier) Wait(ctx context.Context, t *Thread) WaitResult {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.n {
		all := b.waiters.popAll()
		b.arrived = 0
		b.mu.Unlock()
		for _, w := range all {
			w.Wake()
		}
		return WaitOK
	}
	b.waiters.push(t)
	b.mu.Unlock()
	return t.BlockOn(ctx, b)
}
