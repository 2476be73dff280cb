// Package archsim stands in for the arch-specific glue layer: per-CPU
// state and the IPI bus. It defines no spinlock or atomic wrappers; other
// packages use sync and sync/atomic directly. A real kernel keeps
// this state behind a CPU-local base register and delivers IPIs via the
// interrupt controller; on the portable Go runtime there is no such
// register, so each CPU is modeled as a goroutine reading from its own
// IPI channel, and "current CPU" is threaded explicitly through call
// arguments rather than read from a register.
package archsim

import (
	"sync"
	"sync/atomic"
)

// IPIKind enumerates the inter-processor interrupt reasons: TLB
// shootdown, reschedule notification, waking a remote blocked thread,
// and capability-cache invalidation.
type IPIKind int

const (
	IPIReschedule IPIKind = iota
	IPITLBShootdown
	IPIWake
	IPICapInvalidate
)

// IPI is a single inter-processor interrupt message.
type IPI struct {
	Kind IPIKind
	Payload interface{}
	// Ack, if non-nil, is closed by the receiving CPU once the IPI has
	// been handled. Shootdown senders block on Ack so unmap returns only
	// after all CPUs acknowledge.
	Ack chan struct{}
}

// CPU holds per-CPU state: identity, online/offline flag, and a
// preemption-disable counter that can nest.
type CPU struct {
	ID int

	online atomic.Bool

	// preemptDepth is nonzero while a critical section has disabled
	// preemption on this CPU; the scheduler must not run while it is
	// nonzero, and a pending reschedule IPI is deferred until it drops
	// back to zero.
	preemptDepth int32
	pendingResched atomic.Bool

	ipiCh chan IPI

	// Current is an opaque pointer to the running thread, set by the
	// scheduler. Typed as interface{} here to avoid an import cycle with
	// proc/sched; callers type-assert to *proc.Thread.
	mu sync.Mutex
	current interface{}
}

// Bus fans IPIs out to every online CPU, modeling the interrupt
// controller's role.
type Bus struct {
	mu sync.RWMutex
	cpus map[int]*CPU
}

// NewBus constructs an empty IPI bus.
func NewBus() *Bus {
	return &Bus{cpus: make(map[int]*CPU)}
}

// NewCPU registers a new CPU on the bus, online by default, and starts
// its IPI-handling goroutine with the supplied handler.
func (b *Bus) NewCPU(id int, handle func(*CPU, IPI)) *CPU {
	c := &CPU{ID: id, ipiCh: make(chan IPI, 64)}
	c.online.Store(true)
	b.mu.Lock()
	b.cpus[id] = c
	b.mu.Unlock()
	go func() {
		for ipi := range c.ipiCh {
			if !c.online.Load() {
				if ipi.Ack != nil {
					close(ipi.Ack)
				}
				continue
			}
			handle(c, ipi)
		}
	}()
	return c
}

// Online reports whether the CPU currently accepts work; cpu_down marks
// it offline.
func (c *CPU) Online() bool { return c.online.Load() }

// SetOnline flips the CPU's online flag (used by cpu_up/cpu_down).
func (c *CPU) SetOnline(v bool) { c.online.Store(v) }

// DisablePreempt increments the preemption-disable counter.
func (c *CPU) DisablePreempt() {
	atomic.AddInt32(&c.preemptDepth, 1)
}

// EnablePreempt decrements the counter; if it reaches zero and a
// reschedule was deferred while disabled, the caller is responsible for
// invoking the scheduler immediately afterward (see sched.Schedule).
func (c *CPU) EnablePreempt() bool {
	n := atomic.AddInt32(&c.preemptDepth, -1)
	if n < 0 {
		panic("archsim: preempt depth underflow")
	}
	if n == 0 && c.pendingResched.Swap(false) {
		return true
	}
	return false
}

// PreemptDisabled reports whether preemption is currently disabled on c.
func (c *CPU) PreemptDisabled() bool {
	return atomic.LoadInt32(&c.preemptDepth) != 0
}

// RequestReschedule marks that c should reschedule; if preemption is
// currently disabled, the request is deferred until EnablePreempt.
func (c *CPU) RequestReschedule() {
	if c.PreemptDisabled() {
		c.pendingResched.Store(true)
		return
	}
	c.pendingResched.Store(true)
}

// SetCurrent installs the running thread pointer (called by the
// scheduler after a context switch).
func (c *CPU) SetCurrent(t interface{}) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Current returns the currently running thread pointer, or nil if idle.
func (c *CPU) Current() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Send delivers an IPI to the CPU identified by id. It is a no-op
// (synchronously acking) if the target is unknown -- callers that need to
// distinguish "offline" from "never existed" should check CPU first.
func (b *Bus) Send(id int, ipi IPI) {
	b.mu.RLock()
	c, ok := b.cpus[id]
	b.mu.RUnlock()
	if !ok {
		if ipi.Ack != nil {
			close(ipi.Ack)
		}
		return
	}
	c.ipiCh <- ipi
}

// Broadcast delivers an IPI to every registered CPU except except_id (pass
// -1 to exclude none). It returns the list of per-CPU ack channels so the
// caller can wait for full acknowledgment (used by TLB shootdown).
func (b *Bus) Broadcast(exceptID int, kind IPIKind, payload interface{}) []chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	acks := make([]chan struct{}, 0, len(b.cpus))
	for id, c := range b.cpus {
		if id == exceptID {
			continue
		}
		ack := make(chan struct{})
		acks = append(acks, ack)
		c.ipiCh <- IPI{Kind: kind, Payload: payload, Ack: ack}
	}
	return acks
}

// CPU returns the registered CPU by id, or nil.
func (b *Bus) CPU(id int) *CPU {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cpus[id]
}

// Count returns the number of registered CPUs.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.cpus)
}

// IDs returns the ids of every registered CPU, in no particular order.
func (b *Bus) IDs() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]int, 0, len(b.cpus))
	for id := range b.cpus {
		ids = append(ids, id)
	}
	return ids
}
