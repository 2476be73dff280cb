package slab

import (
	"testing"

	"veridian/mem"
)

func TestCacheAllocFree(t *testing.T) {
	alloc := mem.NewAllocator([]int{16})
	c := NewCache("test", 64, alloc, 0)
	bufs := make([][]byte, 0)
	for i := 0; i < 100; i++ {
		b, err := c.Alloc()
		if err != 0 {
			t.Fatalf("alloc %d failed: %v", i, err)
		}
		if len(b) != 64 {
			t.Fatalf("expected 64 byte object")
		}
		bufs = append(bufs, b)
	}
	for _, b := range bufs {
		c.Free(b)
	}
	// Should be able to allocate the same count again via the free list
	// without growing further (growth already happened above).
	for i := 0; i < 100; i++ {
		if _, err := c.Alloc(); err != 0 {
			t.Fatalf("realloc %d failed: %v", i, err)
		}
	}
}

func TestHeapCachesIndependent(t *testing.T) {
	alloc := mem.NewAllocator([]int{64})
	h := NewHeap(alloc, 0)
	pcb, err := h.PCB.Alloc()
	if err != 0 {
		t.Fatalf("pcb alloc failed: %v", err)
	}
	tcb, err := h.TCB.Alloc()
	if err != 0 {
		t.Fatalf("tcb alloc failed: %v", err)
	}
	if len(pcb) == len(tcb) && &pcb[0] == &tcb[0] {
		t.Fatalf("pcb and tcb should not alias")
	}
}
