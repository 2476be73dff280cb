package sched

import (
	"testing"
	"time"

	"veridian/archsim"
	"veridian/defs"
	"veridian/proc"
)

// TestSchedulerFairness: three equal-priority, CPU-bound threads running
// for a simulated second on a single CPU should each accumulate close to
// an equal share of vruntime credit -- a stand-in for each getting ~333
// ms of wall-clock CPU time, since this simulation advances vruntime via
// discrete Tick calls rather than real preemptive execution.
func TestSchedulerFairness(t *testing.T) {
	bus := archsim.NewBus()
	bus.NewCPU(0, func(*archsim.CPU, archsim.IPI) {})
	s := New(bus)
	s.CPUUp(0, 0)

	threads := make([]*proc.Thread, 3)
	for i := range threads {
		th := proc.NewThread(defs.Tid(i+1), 1, 0)
		threads[i] = th
		s.Enqueue(0, th)
	}

	const quantum = 10 * time.Millisecond
	const ticks = 100 // 100 * 10ms == 1s simulated

	for i := 0; i < ticks; i++ {
		current := s.Schedule(0)
		if current == nil {
			t.Fatalf("tick %d: no thread scheduled", i)
		}
		s.Tick(0, current, quantum)
		s.Enqueue(0, current)
	}

	var total uint64
	vr := make([]uint64, len(threads))
	for i, th := range threads {
		vr[i] = th.VRuntime()
		total += vr[i]
	}

	want := total / uint64(len(threads))
	for i, v := range vr {
		tol := want / 20 // 5%
		diff := v - want
		if v < want {
			diff = want - v
		}
		if diff > tol+1 {
			t.Errorf("thread %d vruntime %d deviates from fair share %d by more than 5%%", i, v, want)
		}
	}
}
