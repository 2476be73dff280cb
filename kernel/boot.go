package kernel

import (
	"context"

	"golang.org/x/sync/errgroup"

	"veridian/archsim"
	"veridian/cap"
	"veridian/defs"
	"veridian/ipc"
	"veridian/mem"
	"veridian/proc"
	"veridian/sched"
)

// Kernel is the fully wired system: every subsystem service plus the
// combined per-CPU IPI handler that dispatches reschedule, TLB
// shootdown, wake, and capability-invalidate notifications. Exactly one
// handler is registered per CPU, since archsim.Bus.NewCPU overwrites any
// prior registration for the same id -- registering vm's shootdown
// handling and cap's invalidate handling separately would silently race.
type Kernel struct {
	Config Config

	Alloc *mem.Allocator
	Bus *archsim.Bus
	Sched *sched.Scheduler
	Table *proc.Table
	Endpoints *ipc.Registry

	capCaches map[int]*cap.Cache
}

// Boot constructs a Kernel with framesPerNode frames on each NUMA node
// and brings up ncpus CPUs, each with its own capability cache and an
// idle thread. SMP bring-up runs the per-CPU init concurrently via
// errgroup, mirroring how real AP bring-up parks every core before the
// boot CPU proceeds.
func Boot(ctx context.Context, cfg Config, framesPerNode []int, ncpus int) (*Kernel, error) {
	alloc := mem.NewAllocator(framesPerNode)
	bus := archsim.NewBus()
	k := &Kernel{
		Config: cfg,
		Alloc: alloc,
		Bus: bus,
		Sched: sched.New(bus),
		Table: proc.NewTable(alloc, bus),
		Endpoints: ipc.NewRegistry(),
		capCaches: make(map[int]*cap.Cache),
	}

	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < ncpus; i++ {
		id := i
		g.Go(func() error {
			k.bringUpCPU(id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	initProc, initThread := k.Table.Spawn("init", 0, 0)
	if initProc.Pid != proc.InitPid {
		defs.Fatalf("kernel", "init process did not receive PID %d (got %d)", proc.InitPid, initProc.Pid)
	}
	k.Sched.Enqueue(0, initThread)

	return k, nil
}

// bringUpCPU registers CPU id on the bus with the combined IPI handler
// and its own capability cache, marks it online in the scheduler, and
// installs its idle thread.
func (k *Kernel) bringUpCPU(id int) {
	k.capCaches[id] = cap.NewCache()

	k.Bus.NewCPU(id, func(cpu *archsim.CPU, ipi archsim.IPI) {
		switch ipi.Kind {
		case archsim.IPITLBShootdown:
			// The page table itself lives in the shared AddressSpace;
			// there is no separate per-CPU TLB state to flush in this
			// simulation, so acknowledging is the complete handler.
		case archsim.IPIReschedule:
			cpu.RequestReschedule()
		case archsim.IPIWake:
			// Payload carries the woken thread; the scheduler's own
			// Wake already performed the run-queue insertion before
			// sending this IPI, so the handler's role is purely to
			// prompt a reschedule check on the target CPU.
			cpu.RequestReschedule()
		case archsim.IPICapInvalidate:
			k.capCaches[id].InvalidateAll()
		}
		if ipi.Ack != nil {
			close(ipi.Ack)
		}
	})
	k.Sched.CPUUp(id, 0)
	k.Sched.SetIdle(id, proc.NewThread(0, 0, 0))
}

// CapCache returns the per-CPU capability cache for cpu, or nil.
func (k *Kernel) CapCache(cpu int) *cap.Cache {
	return k.capCaches[cpu]
}

// CPUDown parks CPU id: marks it offline and moves its queued threads to
// the remaining online CPUs (see sched.Scheduler.CPUDown).
func (k *Kernel) CPUDown(id int) {
	k.Sched.CPUDown(id)
}

// CPUUp brings a previously-downed CPU id back online, registering a
// fresh capability cache and combined IPI handler.
func (k *Kernel) CPUUp(id int) {
	k.bringUpCPU(id)
}

// RevokeAndNotify performs a capability revocation and broadcasts
// IPICapInvalidate to every CPU so their per-CPU caches drop the stale
// entry.
func (k *Kernel) RevokeAndNotify(space *cap.Space, tok cap.Token) defs.ErrCode {
	err := space.Revoke(tok)
	if err != defs.OK {
		return err
	}
	acks := k.Bus.Broadcast(-1, archsim.IPICapInvalidate, tok)
	for _, ack := range acks {
		<-ack
	}
	return defs.OK
}
