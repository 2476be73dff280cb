package vm

import (
	"testing"

	"veridian/mem"
)

// TestCoWFork covers a parent that maps 4 pages writable, forks, writes
// to page 0 only after the fork, and the physical frame count should
// grow by exactly 1 (the CoW clone for page 0).
func TestCoWFork(t *testing.T) {
	alloc := mem.NewAllocator([]int{64})
	parent := New(1, alloc, 0, nil)

	const base = 0x1000 * 16
	if err := parent.Map(base, 4*PGSIZE, R|W|User); err != 0 {
		t.Fatalf("map failed: %v", err)
	}

	before := framesInUse(alloc, parent)

	child := parent.Fork(2)

	// Parent writes to page 0 -> triggers CoW fault, clones a frame.
	if err := parent.HandlePageFault(base, FaultCOWWrite); err != 0 {
		t.Fatalf("parent cow fault: %v", err)
	}

	after := framesInUse(alloc, parent) + len(distinctFrames(child))
	_ = after

	pf, _ := parent.Translate(base)
	cf, _ := child.Translate(base)
	if pf == cf {
		t.Fatalf("parent and child should have distinct frames for page 0 after CoW write")
	}
	for i := 1; i < 4; i++ {
		va := base + uint64(i)*PGSIZE
		pf, _ := parent.Translate(va)
		cf, _ := child.Translate(va)
		if pf != cf {
			t.Fatalf("page %d should still be shared (no write occurred)", i)
		}
	}

	total := len(distinctFrames(parent)) + len(distinctFrames(child))
	sharedPages := 3 // pages 1..3 still shared, counted once each via refcount
	// distinctFrames counts unique frame numbers per address space; the
	// important invariant is: total unique physical frames referenced
	// across both spaces is 4 (original) + 1 (the new CoW clone) = 5,
	// not 8 (which would mean the whole image was duplicated).
	uniq := map[mem.Frame]bool{}
	for _, f := range distinctFrames(parent) {
		uniq[f] = true
	}
	for _, f := range distinctFrames(child) {
		uniq[f] = true
	}
	if len(uniq) != 5 {
		t.Fatalf("expected 5 unique frames (4 original + 1 clone), got %d", len(uniq))
	}
	_ = before
	_ = sharedPages
	_ = total
}

func distinctFrames(as *AddressSpace) []mem.Frame {
	var out []mem.Frame
	for va := range as.table {
		f, ok := as.Translate(va)
		if ok == 0 {
			out = append(out, f)
		}
	}
	return out
}

func framesInUse(alloc *mem.Allocator, as *AddressSpace) int {
	return len(distinctFrames(as))
}
