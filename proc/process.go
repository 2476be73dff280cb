package proc

import (
	"sync"
	"sync/atomic"

	"veridian/archsim"
	"veridian/cap"
	"veridian/defs"
	"veridian/mem"
	"veridian/vm"
)

// ProcState is one of Process states.
type ProcState int

const (
	ProcCreated ProcState = iota
	ProcReady
	ProcRunning
	ProcBlocked
	ProcZombie
	ProcDead
)

// Process is the kernel's PCB. It owns exactly one AddressSpace and one
// CapabilitySpace, at least one Thread, a parent link (by PID, not
// pointer, to keep reparenting a plain map update), and a child list.
type Process struct {
	Pid defs.Pid
	Name string

	mu sync.Mutex
	state ProcState
	exitStatus int

	AddrSpace *vm.AddressSpace
	CapSpace *cap.Space

	threads map[defs.Tid]*Thread
	nextTid atomic.Uint64

	parent defs.Pid
	children map[defs.Pid]bool

	Acct Accnt

	// waitCh is signaled (broadcast-style, via closing waitCh and
	// swapping in a fresh one) whenever a child transitions to Zombie,
	// so wait can block until one is available.
	waitMu sync.Mutex
	waitCh chan struct{}
}

// newProcess allocates a PCB in the Created state with a fresh
// AddressSpace drawn from alloc/node and wired to bus for TLB shootdown;
// it does not register the PCB in any Table.
func newProcess(pid defs.Pid, name string, parent defs.Pid, spaceID int, alloc *mem.Allocator, node int, bus *archsim.Bus) *Process {
	return &Process{
		Pid: pid,
		Name: name,
		state: ProcCreated,
		AddrSpace: vm.New(spaceID, alloc, node, bus),
		CapSpace: cap.NewSpace(spaceID),
		threads: make(map[defs.Tid]*Thread),
		parent: parent,
		children: make(map[defs.Pid]bool),
		waitCh: make(chan struct{}),
	}
}

// State returns the process's current lifecycle state.
func (p *Process) State() ProcState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s ProcState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Parent returns the PID of the owning parent process (0 if none, i.e.
// this is the init process).
func (p *Process) Parent() defs.Pid {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent
}

// Threads returns a snapshot slice of the process's current threads.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

func (p *Process) addThread(t *Thread) {
	p.mu.Lock()
	p.threads[t.Tid] = t
	p.mu.Unlock()
}

func (p *Process) removeThread(tid defs.Tid) {
	p.mu.Lock()
	delete(p.threads, tid)
	remaining := len(p.threads)
	p.mu.Unlock()
	if remaining == 0 {
		p.Exit(0)
	}
}

// InitPid is the well-known PID of the init process, which unconditionally
// reaps reparented orphans ("Zombie reaping").
const InitPid defs.Pid = 1

// Table is the kernel's process table: PID → PCB, with O(1) lookup by PID
// or by owning thread. PID allocation is an atomic counter; recycling
// PIDs to guard against stale-PID reuse under high churn is left to the
// capability layer's generation mechanism for capabilities naming a
// Process object — the Table itself always hands out fresh, never-reused
// PIDs, trading a 64-bit space for simplicity.
type Table struct {
	mu sync.RWMutex
	byPid map[defs.Pid]*Process
	byTid map[defs.Tid]defs.Pid
	nextPid atomic.Uint64

	alloc *mem.Allocator
	bus *archsim.Bus
}

// NewTable constructs an empty process table. PIDs start at 1, so the
// first process spawned (init, in kernel.Boot) receives PID 1; nothing
// else holds that PID back. alloc is the kernel-wide
// frame allocator and bus the kernel-wide IPI bus that every spawned
// process's AddressSpace is wired to.
func NewTable(alloc *mem.Allocator, bus *archsim.Bus) *Table {
	t := &Table{
		byPid: make(map[defs.Pid]*Process),
		byTid: make(map[defs.Tid]defs.Pid),
		alloc: alloc,
		bus: bus,
	}
	t.nextPid.Store(1)
	return t
}

// OwnerOf returns the PID owning tid, and whether it is known. Dispatch
// uses this to resolve "current process" from a syscall's (cpu, tid)
// pair, since a capability check needs the caller's CapabilitySpace,
// reached via its owning Process.
func (t *Table) OwnerOf(tid defs.Tid) (defs.Pid, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pid, ok := t.byTid[tid]
	return pid, ok
}

func (t *Table) indexThread(tid defs.Tid, pid defs.Pid) {
	t.mu.Lock()
	t.byTid[tid] = pid
	t.mu.Unlock()
}

// IndexThread records tid as owned by pid. Table.Spawn and Table.Fork
// call this automatically for a process's first thread; callers of
// Process.ThreadCreate (which allocates additional threads without
// going through the Table) must call this themselves so Dispatch can
// still resolve tid -> owning process.
func (t *Table) IndexThread(tid defs.Tid, pid defs.Pid) {
	t.indexThread(tid, pid)
}

// RemoveThreadIndex drops tid's entry once it has exited.
func (t *Table) RemoveThreadIndex(tid defs.Tid) {
	t.mu.Lock()
	delete(t.byTid, tid)
	t.mu.Unlock()
}

func (t *Table) allocPid() defs.Pid {
	return defs.Pid(t.nextPid.Add(1) - 1)
}

// Lookup returns the PCB for pid, or nil if not present.
func (t *Table) Lookup(pid defs.Pid) *Process {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byPid[pid]
}

func (t *Table) register(p *Process) {
	t.mu.Lock()
	t.byPid[p.Pid] = p
	t.mu.Unlock()
}

func (t *Table) unregister(pid defs.Pid) {
	t.mu.Lock()
	delete(t.byPid, pid)
	t.mu.Unlock()
}

// Spawn creates a fresh process: new AddressSpace, new CapabilitySpace,
// and one initial thread. image/args/env are opaque to the core (loading
// a user image is an external-collaborator concern); Spawn only performs
// the kernel-side bookkeeping.
func (t *Table) Spawn(name string, parent defs.Pid, priority int) (*Process, *Thread) {
	pid := t.allocPid()
	p := newProcess(pid, name, parent, int(pid), t.alloc, 0, t.bus)
	t.register(p)

	if par := t.Lookup(parent); par != nil {
		par.mu.Lock()
		par.children[pid] = true
		par.mu.Unlock()
	}

	tid := defs.Tid(p.nextTid.Add(1) - 1)
	th := NewThread(tid, pid, priority)
	p.addThread(th)
	t.indexThread(tid, pid)
	p.setState(ProcReady)
	return p, th
}

// Fork duplicates p's AddressSpace (CoW) and a single thread, returning
// the new child PCB and its sole thread. CapabilitySpace inheritance
// follows the per-capability policy recorded in the parent's insert
// calls (default: Copy for memory/process/thread caps, Move for
// endpoints) via cap.Space.Derive per surviving entry, left to a higher
// layer that knows each capability's inherit tag — Fork itself only
// guarantees the AddressSpace and thread duplication invariants.
func (t *Table) Fork(parent *Process) (*Process, *Thread, defs.ErrCode) {
	pid := t.allocPid()
	childSpace := parent.AddrSpace.Fork(int(pid))

	child := newProcess(pid, parent.Name, parent.Pid, int(pid), t.alloc, 0, t.bus)
	child.AddrSpace = childSpace
	t.register(child)

	parent.mu.Lock()
	parent.children[pid] = true
	parent.mu.Unlock()

	tid := defs.Tid(child.nextTid.Add(1) - 1)
	th := NewThread(tid, pid, 0)
	child.addThread(th)
	t.indexThread(tid, pid)
	child.setState(ProcReady)
	return child, th, defs.OK
}

// Exit transitions p to Zombie, destroys its AddressSpace (releasing
// every uniquely-owned frame), and wakes the parent's wait if blocked.
// The PCB slot itself is retained until the parent reaps it via Table.Reap.
func (p *Process) Exit(status int) {
	p.mu.Lock()
	if p.state == ProcZombie || p.state == ProcDead {
		p.mu.Unlock()
		return
	}
	p.state = ProcZombie
	p.exitStatus = status
	p.mu.Unlock()

	p.AddrSpace.Destroy()

	p.waitMu.Lock()
	close(p.waitCh)
	p.waitCh = make(chan struct{})
	p.waitMu.Unlock()
}

// Reparent reassigns every child of p to newParent (init, by convention):
// orphans are re-parented to the init process rather than left parentless,
// and the child list is keyed by PID only so no pointer cycle needs
// breaking.
func (t *Table) Reparent(p *Process, newParent defs.Pid) {
	p.mu.Lock()
	kids := make([]defs.Pid, 0, len(p.children))
	for pid := range p.children {
		kids = append(kids, pid)
	}
	p.children = make(map[defs.Pid]bool)
	p.mu.Unlock()

	np := t.Lookup(newParent)
	for _, kpid := range kids {
		if kid := t.Lookup(kpid); kid != nil {
			kid.mu.Lock()
			kid.parent = newParent
			kid.mu.Unlock()
		}
		if np != nil {
			np.mu.Lock()
			np.children[kpid] = true
			np.mu.Unlock()
		}
	}
}

// Reap is the non-blocking half of wait: it does not block (a higher
// dispatch layer composes it with Thread.BlockOn); if a child of parent
// is Zombie, it reaps it: removes it
// from the table and from parent's child list, and returns its PID and
// exit status. WaitAny is requested by passing target == 0.
//
// Reap returns PidNotFound if target is nonzero and not a child of
// parent, or ChildNotReady if no zombie child is currently available.
func (t *Table) Reap(parent *Process, target defs.Pid) (defs.Pid, int, defs.ErrCode) {
	parent.mu.Lock()
	if target != 0 && !parent.children[target] {
		parent.mu.Unlock()
		return 0, 0, defs.PidNotFound
	}
	candidates := make([]defs.Pid, 0, len(parent.children))
	if target != 0 {
		candidates = append(candidates, target)
	} else {
		for pid := range parent.children {
			candidates = append(candidates, pid)
		}
	}
	parent.mu.Unlock()

	for _, pid := range candidates {
		child := t.Lookup(pid)
		if child == nil {
			continue
		}
		if child.State() == ProcZombie {
			child.mu.Lock()
			status := child.exitStatus
			child.state = ProcDead
			child.mu.Unlock()

			parent.mu.Lock()
			delete(parent.children, pid)
			parent.mu.Unlock()
			t.unregister(pid)

			parent.Acct.Add(&child.Acct)
			return pid, status, defs.OK
		}
	}
	return 0, 0, defs.ChildNotReady
}

// WaitChan returns the channel that closes the next time some child of p
// transitions to Zombie, for composing with Thread.BlockOn or a select
// alongside a deadline/kill channel.
func (p *Process) WaitChan() <-chan struct{} {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	return p.waitCh
}

// ThreadCreate allocates a new TCB within p. Guard-paged kernel stacks
// are a hardware/arch concept without a portable Go analogue; this
// simulation tracks only the logical TCB fields that matter here.
func (p *Process) ThreadCreate(priority int, affinity uint64) *Thread {
	tid := defs.Tid(p.nextTid.Add(1) - 1)
	th := NewThread(tid, p.Pid, priority)
	th.SetAffinity(affinity)
	p.addThread(th)
	return th
}

// ThreadExit marks tid Exited within p; if it was the last thread, p
// itself transitions to Zombie.
func (p *Process) ThreadExit(tid defs.Tid, status int) {
	p.mu.Lock()
	th := p.threads[tid]
	p.mu.Unlock()
	if th == nil {
		return
	}
	th.Exit(status)
	p.removeThread(tid)
}
