// Package proc implements process and thread management: the PCB/TCB
// types, the process table, fork/exec/exit/wait, and the kernel-internal
// synchronization primitives.
package proc

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt accumulates per-thread/per-process accounting information.
// Userns and Sysns store runtime in nanoseconds; the fields are updated
// with atomics so a reader can sample them without locking out updates
// from the thread whose time is being tracked.
type Accnt struct {
	Userns int64
	Sysns int64
	mu sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Now returns the current time in nanoseconds.
func (a *Accnt) Now() int64 {
	return time.Now().UnixNano()
}

// IOTime removes time spent waiting for I/O from the system-time counter.
func (a *Accnt) IOTime(since int64) {
	a.Systadd(since - a.Now())
}

// SleepTime removes time spent blocked from the system-time counter.
func (a *Accnt) SleepTime(since int64) {
	a.Systadd(since - a.Now())
}

// Snapshot returns the current (user, sys) pair. Each value is read
// atomically; the writers do not take a.mu, so the two values are not
// guaranteed to come from the same instant.
func (a *Accnt) Snapshot() (user, sys int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return atomic.LoadInt64(&a.Userns), atomic.LoadInt64(&a.Sysns)
}

// Add merges another Accnt's counters into a, used when a zombie's usage
// is folded into its parent.
func (a *Accnt) Add(other *Accnt) {
	u, s := other.Snapshot()
	a.Utadd(u)
	a.Systadd(s)
}
