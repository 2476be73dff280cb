package proc

import (
	"context"
	"sync"
	"sync/atomic"

	"veridian/defs"
)

// ThreadState is one of Thread states.
type ThreadState int

const (
	ThreadReady ThreadState = iota
	ThreadRunning
	ThreadBlocked
	ThreadExited
)

// WaitResult records how a blocked thread was woken: normally, on a
// timeout, or by cancellation.
type WaitResult int

const (
	WaitOK WaitResult = iota
	WaitTimedOut
	WaitCancelled
)

// Thread is the kernel's TCB. Register context, FPU save area, and
// kernel stack are hardware concepts without a portable Go analogue;
// this TCB keeps every software piece of state that matters to a
// thread: identity, state, priority, affinity, current wait object, and
// exit status.
type Thread struct {
	Tid defs.Tid
	Pid defs.Pid
	Priority int
	RTClass bool // real-time class vs normal (CFS) class
	Affinity uint64

	note *note

	mu sync.Mutex
	state ThreadState
	waitObj interface{}
	waitResult WaitResult
	exitStatus int

	// wakeCh is a single-slot wake signal; block selects on it, on
	// note.Killch, and on the caller's context deadline, modeling
	// three wake causes (event, timeout, forced termination).
	wakeCh chan struct{}

	vruntime uint64 // nanoseconds of CFS virtual runtime, owned by sched
	cpu atomic.Int32

	joiners []*Thread // threads parked in thread_join, woken on Exit
}

// NewThread constructs a TCB in the Ready state.
func NewThread(tid defs.Tid, pid defs.Pid, priority int) *Thread {
	t := &Thread{
		Tid: tid,
		Pid: pid,
		Priority: priority,
		note: newNote(),
		state: ThreadReady,
		wakeCh: make(chan struct{}, 1),
	}
	t.cpu.Store(-1)
	return t
}

// State returns the thread's current state.
func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) setState(s ThreadState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// WaitObject returns whatever the thread is currently blocked on (an
// *ipc.Endpoint, a *Mutex, etc.), or nil.
func (t *Thread) WaitObject() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitObj
}

// BlockOn is the single choke point every blocking kernel path goes
// through: it atomically marks the thread Blocked, records the wait
// object, and parks until Wake, Kill, or ctx's deadline fires. It
// returns WaitOK, WaitTimedOut, or WaitCancelled.
//
// BlockOn does not itself touch a run queue; sched.Schedule is the layer
// that removes a newly-Blocked thread from its CPU's ready tree and
// re-inserts it on Wake (proc sits below sched and must not call into
// it).
func (t *Thread) BlockOn(ctx context.Context, obj interface{}) WaitResult {
	t.mu.Lock()
	t.state = ThreadBlocked
	t.waitObj = obj
	t.mu.Unlock()

	var result WaitResult
	select {
	case <-t.wakeCh:
		result = WaitOK
	case <-t.note.Killch():
		result = WaitCancelled
	case <-ctx.Done():
		result = WaitTimedOut
	}

	t.mu.Lock()
	t.state = ThreadRunning
	t.waitObj = nil
	t.waitResult = result
	t.mu.Unlock()
	return result
}

// Wake unparks any BlockOn call in progress; it does not change the
// thread's state itself (BlockOn marks the thread Running as it returns,
// and run-queue insertion is sched's job). It is safe to call even if the thread is not currently
// blocked (the signal is simply consumed by the next BlockOn); the send
// is non-blocking so a waker never parks on the thread it is waking.
func (t *Thread) Wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// Kill force-terminates the thread: any in-progress or future BlockOn
// until the thread actually exits observes WaitCancelled.
func (t *Thread) Kill() {
	t.note.Kill()
}

// Killed reports whether Kill has been called.
func (t *Thread) Killed() bool {
	return t.note.Killed()
}

// LastWaitResult returns the outcome of the most recently completed
// BlockOn call.
func (t *Thread) LastWaitResult() WaitResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitResult
}

// Exit marks the thread Exited with the given status and wakes every
// thread parked in Join(t), which blocks until the target is Exited.
func (t *Thread) Exit(status int) {
	t.mu.Lock()
	t.state = ThreadExited
	t.exitStatus = status
	joiners := t.joiners
	t.joiners = nil
	t.mu.Unlock()

	for _, j := range joiners {
		j.Wake()
	}
}

// Join registers caller to be woken when t exits (used by thread_join's
// BlockOn loop so a joiner blocked before Exit actually observes the
// wakeup instead of Wake arriving before BlockOn parks).
func (t *Thread) Join(caller *Thread) {
	t.mu.Lock()
	if t.state == ThreadExited {
		t.mu.Unlock()
		caller.Wake()
		return
	}
	t.joiners = append(t.joiners, caller)
	t.mu.Unlock()
}

// ExitStatus returns the status passed to Exit.
func (t *Thread) ExitStatus() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitStatus
}

// SetAffinity installs a new CPU affinity mask (thread_set_affinity).
func (t *Thread) SetAffinity(mask uint64) {
	t.mu.Lock()
	t.Affinity = mask
	t.mu.Unlock()
}

// GetAffinity returns the current CPU affinity mask.
func (t *Thread) GetAffinity() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Affinity
}

// CurrentCPU returns the id of the CPU this thread is running on, or -1.
func (t *Thread) CurrentCPU() int { return int(t.cpu.Load()) }

// SetCurrentCPU records which CPU is running this thread; called by
// sched after a context switch.
func (t *Thread) SetCurrentCPU(id int) { t.cpu.Store(int32(id)) }

// VRuntime returns the thread's accumulated CFS virtual runtime.
func (t *Thread) VRuntime() uint64 { return atomic.LoadUint64(&t.vruntime) }

// AddVRuntime advances the thread's virtual runtime by delta nanoseconds
// scaled by the caller (sched applies the nice-to-weight conversion).
func (t *Thread) AddVRuntime(delta uint64) {
	atomic.AddUint64(&t.vruntime, delta)
}
