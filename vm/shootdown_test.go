package vm

import (
	"testing"

	"veridian/archsim"
	"veridian/defs"
	"veridian/mem"
)

// TestTLBShootdown covers a 2-CPU system where CPU0 maps a page in an
// address space installed on both CPUs, CPU1 "reads" it (translate
// hits), CPU0 unmaps, and CPU1's subsequent translate must miss -- with
// the shootdown having been acknowledged before Unmap returned on CPU0.
func TestTLBShootdown(t *testing.T) {
	bus := archsim.NewBus()
	acked := make(chan struct{}, 1)
	bus.NewCPU(0, func(c *archsim.CPU, ipi archsim.IPI) {
		if ipi.Ack != nil {
			close(ipi.Ack)
		}
	})
	bus.NewCPU(1, func(c *archsim.CPU, ipi archsim.IPI) {
		if ipi.Kind == archsim.IPITLBShootdown {
			acked <- struct{}{}
		}
		if ipi.Ack != nil {
			close(ipi.Ack)
		}
	})

	alloc := mem.NewAllocator([]int{16})
	as := New(1, alloc, 0, bus)
	const va = 0x2000
	if err := as.Map(va, PGSIZE, R|W|User); err != 0 {
		t.Fatalf("map failed: %v", err)
	}
	as.Install(0)
	as.Install(1)

	if _, err := as.Translate(va); err != defs.OK {
		t.Fatalf("expected hit before unmap, got %v", err)
	}

	if err := as.Unmap(va, PGSIZE); err != defs.OK {
		t.Fatalf("unmap failed: %v", err)
	}

	select {
	case <-acked:
	default:
		t.Fatalf("expected CPU1 to have received and acked the shootdown IPI before Unmap returned")
	}

	if _, err := as.Translate(va); err != defs.NotMapped {
		t.Fatalf("expected NotMapped after unmap, got %v", err)
	}

	if err := as.Unmap(va, PGSIZE); err != defs.NotMapped {
		t.Fatalf("expected second unmap to be idempotent (NotMapped), got %v", err)
	}
}
