// Package sched implements the per-CPU CFS-style scheduler: per-CPU run
// queues ordered by virtual runtime, a real-time class that strictly
// preempts the normal class, load balancing, CPU hotplug, and the
// block_on/wake choke points that proc.Thread's BlockOn ultimately
// composes with.
//
// google/btree backs each CPU's ready tree, playing the role of a
// red-black tree keyed by vruntime.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"veridian/archsim"
	"veridian/defs"
	"veridian/proc"
)

// TickInterval is the default timer-tick period (10ms).
const TickInterval = 10 * time.Millisecond

// weightFor follows the conventional CFS nice-to-weight table collapsed
// to real-time vs normal; normal-class weight scales
// linearly with priority so lower-priority threads accumulate vruntime
// faster and get descheduled sooner.
func weightFor(priority int) uint64 {
	w := uint64(1024 - priority*8)
	if w < 16 {
		w = 16
	}
	return w
}

// item is one ready-queue entry: a thread plus the key used to order
// it. Ties on vruntime are broken by Tid so the tree has a total order
// (two threads can legitimately share a vruntime value).
type item struct {
	vruntime uint64
	tid defs.Tid
	thread *proc.Thread
}

func less(a, b item) bool {
	if a.vruntime != b.vruntime {
		return a.vruntime < b.vruntime
	}
	return a.tid < b.tid
}

// RunQueue is one CPU's ready set: an RT FIFO list (strict priority) and
// a CFS tree for the normal class.
type RunQueue struct {
	mu sync.Mutex
	cfs *btree.BTreeG[item]
	rt []item // ordered by descending priority then FIFO within a priority
	byTid map[defs.Tid]item
	idle *proc.Thread
}

func newRunQueue() *RunQueue {
	return &RunQueue{
		cfs: btree.NewG(32, less),
		byTid: make(map[defs.Tid]item),
	}
}

func (rq *RunQueue) insert(t *proc.Thread) {
	it := item{vruntime: t.VRuntime(), tid: t.Tid, thread: t}
	rq.byTid[t.Tid] = it
	if t.RTClass {
		// Insert after every entry of equal or higher priority, keeping
		// the list descending by priority and FIFO within a priority.
		i := len(rq.rt)
		for i > 0 && rq.rt[i-1].thread.Priority < t.Priority {
			i--
		}
		rq.rt = append(rq.rt, item{})
		copy(rq.rt[i+1:], rq.rt[i:])
		rq.rt[i] = it
		return
	}
	rq.cfs.ReplaceOrInsert(it)
}

func (rq *RunQueue) remove(tid defs.Tid) {
	it, ok := rq.byTid[tid]
	if !ok {
		return
	}
	delete(rq.byTid, tid)
	if it.thread.RTClass {
		for i, e := range rq.rt {
			if e.tid == tid {
				rq.rt = append(rq.rt[:i], rq.rt[i+1:]...)
				break
			}
		}
		return
	}
	rq.cfs.Delete(it)
}

// pickNext removes and returns the thread that should run next: any RT
// thread always wins over normal-class threads; within RT, the highest
// priority first and FIFO within a priority; otherwise the
// minimum-vruntime CFS entry.
func (rq *RunQueue) pickNext() *proc.Thread {
	if len(rq.rt) > 0 {
		it := rq.rt[0]
		rq.rt = rq.rt[1:]
		delete(rq.byTid, it.tid)
		return it.thread
	}
	min, ok := rq.cfs.Min()
	if !ok {
		return nil
	}
	rq.cfs.Delete(min)
	delete(rq.byTid, min.tid)
	return min.thread
}

// Len reports the number of ready threads queued (excluding the idle task).
func (rq *RunQueue) Len() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.byTid)
}

// Scheduler owns one RunQueue per CPU and the IPI bus used for
// reschedule/wake notifications.
type Scheduler struct {
	mu sync.RWMutex
	rqs map[int]*RunQueue
	bus *archsim.Bus
	nodes map[int]int // cpu id -> numa node, for affinity-aware steal preference
}

// New constructs a Scheduler with no CPUs yet online; call CPUUp for each.
func New(bus *archsim.Bus) *Scheduler {
	return &Scheduler{rqs: make(map[int]*RunQueue), bus: bus, nodes: make(map[int]int)}
}

// CPUUp brings CPU id online with an empty run queue and no idle task;
// SetIdle installs one.
func (s *Scheduler) CPUUp(id, numaNode int) {
	s.mu.Lock()
	s.rqs[id] = newRunQueue()
	s.nodes[id] = numaNode
	s.mu.Unlock()
	if c := s.bus.CPU(id); c != nil {
		c.SetOnline(true)
	}
}

// CPUDown removes id's run queue, marks the CPU offline, and then moves
// the queued threads round-robin to the remaining CPUs. If no other CPU
// is up, the queued threads are not re-enqueued anywhere.
func (s *Scheduler) CPUDown(id int) {
	s.mu.Lock()
	rq, ok := s.rqs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.rqs, id)
	peers := make([]int, 0, len(s.rqs))
	for pid := range s.rqs {
		peers = append(peers, pid)
	}
	s.mu.Unlock()

	if c := s.bus.CPU(id); c != nil {
		c.SetOnline(false)
	}
	if len(peers) == 0 {
		return
	}
	rq.mu.Lock()
	var drained []*proc.Thread
	for _, it := range rq.byTid {
		drained = append(drained, it.thread)
	}
	rq.mu.Unlock()

	for i, t := range drained {
		target := peers[i%len(peers)]
		s.enqueueOn(target, t)
	}
}

func (s *Scheduler) rqFor(cpu int) *RunQueue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rqs[cpu]
}

func (s *Scheduler) enqueueOn(cpu int, t *proc.Thread) {
	rq := s.rqFor(cpu)
	if rq == nil {
		return
	}
	rq.mu.Lock()
	rq.insert(t)
	rq.mu.Unlock()
	t.SetCurrentCPU(-1)
}

// affinityAllows reports whether mask permits running on cpu (mask==0
// means "no restriction").
func affinityAllows(mask uint64, cpu int) bool {
	if mask == 0 {
		return true
	}
	if cpu < 0 || cpu >= 64 {
		return false
	}
	return mask&(1<<uint(cpu)) != 0
}

// Enqueue places t on CPU cpu's run queue as Ready, honoring t's
// affinity mask; if cpu is disallowed, the first allowed CPU is chosen
// instead -- a thread pinned to CPU set S migrates only within S.
func (s *Scheduler) Enqueue(cpu int, t *proc.Thread) {
	if !affinityAllows(t.GetAffinity(), cpu) {
		s.mu.RLock()
		for id := range s.rqs {
			if affinityAllows(t.GetAffinity(), id) {
				cpu = id
				break
			}
		}
		s.mu.RUnlock()
	}
	s.enqueueOn(cpu, t)
}

// Wake signals t and inserts it on its last-run CPU (or 0 if none), then
// requests a reschedule on that CPU and sends it a reschedule IPI. The
// IPI is sent every time; Wake does not compare t's priority with the
// thread running there or check whether that CPU is idle.
func (s *Scheduler) Wake(t *proc.Thread) {
	t.Wake()
	cpu := t.CurrentCPU()
	if cpu < 0 {
		cpu = 0
	}
	s.Enqueue(cpu, t)
	if c := s.bus.CPU(cpu); c != nil {
		c.RequestReschedule()
		s.bus.Send(cpu, archsim.IPI{Kind: archsim.IPIReschedule})
	}
}

// BlockOn is the PM/SCHED joint choke point:
// removes t from cpu's run queue, marks it Blocked via t.BlockOn, and
// returns once woken, timed out, or cancelled. The caller is responsible
// for invoking Schedule(cpu) next to pick a replacement thread.
func (s *Scheduler) BlockOn(ctx context.Context, cpu int, t *proc.Thread, waitObject interface{}) proc.WaitResult {
	if rq := s.rqFor(cpu); rq != nil {
		rq.mu.Lock()
		rq.remove(t.Tid)
		rq.mu.Unlock()
	}
	return t.BlockOn(ctx, waitObject)
}

// Schedule picks the next thread to run on cpu (the idle task if the
// queue is empty) and installs it as Current, returning it. While
// preemption is disabled on cpu it picks nothing: it records a pending
// reschedule and returns the thread already installed as Current.
func (s *Scheduler) Schedule(cpu int) *proc.Thread {
	rq := s.rqFor(cpu)
	if rq == nil {
		return nil
	}
	if c := s.bus.CPU(cpu); c != nil && c.PreemptDisabled() {
		c.RequestReschedule()
		cur, _ := c.Current().(*proc.Thread)
		return cur
	}
	rq.mu.Lock()
	next := rq.pickNext()
	idle := rq.idle
	rq.mu.Unlock()

	if next == nil {
		next = idle
	}
	if next != nil {
		next.SetCurrentCPU(cpu)
		if c := s.bus.CPU(cpu); c != nil {
			c.SetCurrent(next)
		}
	}
	return next
}

// SetIdle installs cpu's idle task: per-CPU, lowest priority, halts the
// CPU until an interrupt arrives.
func (s *Scheduler) SetIdle(cpu int, idle *proc.Thread) {
	rq := s.rqFor(cpu)
	if rq == nil {
		return
	}
	rq.mu.Lock()
	rq.idle = idle
	rq.mu.Unlock()
}

// Tick advances current's vruntime by the elapsed quantum (scaled by its
// nice weight) and reports whether the CPU should now reschedule because
// a ready thread has fallen further behind than current has advanced
// for timer-tick preemption.
func (s *Scheduler) Tick(cpu int, current *proc.Thread, elapsed time.Duration) (shouldPreempt bool) {
	if current == nil || current.RTClass {
		return false
	}
	weight := weightFor(current.Priority)
	delta := uint64(elapsed) * 1024 / weight
	current.AddVRuntime(delta)

	rq := s.rqFor(cpu)
	if rq == nil {
		return false
	}
	rq.mu.Lock()
	defer rq.mu.Unlock()
	min, ok := rq.cfs.Min()
	return ok && min.vruntime < current.VRuntime()
}

// RunQueueLen reports the number of ready (non-running) threads on cpu.
func (s *Scheduler) RunQueueLen(cpu int) int {
	rq := s.rqFor(cpu)
	if rq == nil {
		return 0
	}
	return rq.Len()
}

// Balance implements periodic/on-idle load balancing: if cpu
// has no ready work, it steals one thread from the most-loaded peer
// (preferring a peer on the same NUMA node), skipping threads whose
// affinity forbids cpu.
func (s *Scheduler) Balance(cpu int) {
	if s.RunQueueLen(cpu) > 0 {
		return
	}
	s.mu.RLock()
	myNode := s.nodes[cpu]
	var bestPeer int = -1
	bestLen := 0
	bestSameNode := false
	for id, rq := range s.rqs {
		if id == cpu {
			continue
		}
		n := rq.Len()
		sameNode := s.nodes[id] == myNode
		if n == 0 {
			continue
		}
		if bestPeer == -1 || (sameNode && !bestSameNode) || (sameNode == bestSameNode && n > bestLen) {
			bestPeer, bestLen, bestSameNode = id, n, sameNode
		}
	}
	s.mu.RUnlock()
	if bestPeer == -1 {
		return
	}

	peerRQ := s.rqFor(bestPeer)
	if peerRQ == nil {
		return
	}
	peerRQ.mu.Lock()
	var victim *proc.Thread
	for _, it := range peerRQ.byTid {
		if affinityAllows(it.thread.GetAffinity(), cpu) {
			victim = it.thread
			break
		}
	}
	if victim != nil {
		peerRQ.remove(victim.Tid)
	}
	peerRQ.mu.Unlock()

	if victim != nil {
		s.enqueueOn(cpu, victim)
	}
}
