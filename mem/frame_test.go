package mem

import (
	"testing"

	"veridian/defs"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	a := NewAllocator([]int{64})
	frames, err := a.AllocFrames(4, 0, 0)
	if err != 0 {
		t.Fatalf("alloc failed: %v", err)
	}
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(frames))
	}
	for _, f := range frames {
		if a.Refcount(f) != 1 {
			t.Fatalf("expected refcount 1")
		}
	}
	a.FreeFrames(frames)
	// Allocating again should succeed and reuse the freed space.
	frames2, err := a.AllocFrames(4, 0, 0)
	if err != 0 {
		t.Fatalf("second alloc failed: %v", err)
	}
	if len(frames2) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(frames2))
	}
}

func TestOutOfMemoryThenRecover(t *testing.T) {
	a := NewAllocator([]int{8})
	frames, err := a.AllocFrames(8, 0, 0)
	if err != 0 {
		t.Fatalf("alloc failed: %v", err)
	}
	if _, err := a.AllocFrames(1, 0, 0); err != defs.OutOfMemory {
		t.Fatalf("expected OutOfMemory, got %v", err)
	}
	a.FreeFrames(frames)
	if _, err := a.AllocFrames(8, 0, 0); err != 0 {
		t.Fatalf("expected allocator to recover after free, got %v", err)
	}
}

func TestRefcountedCoWRelease(t *testing.T) {
	a := NewAllocator([]int{8})
	frames, _ := a.AllocFrames(1, 0, 0)
	f := frames[0]
	a.Refup(f)
	if a.Refcount(f) != 2 {
		t.Fatalf("expected refcount 2")
	}
	if freed := a.Refdown(f); freed {
		t.Fatalf("should not free while refcount > 0")
	}
	if freed := a.Refdown(f); !freed {
		t.Fatalf("expected free on last refdown")
	}
}

func TestBuddyAllocatorLargeRun(t *testing.T) {
	a := NewAllocator([]int{2048})
	frames, err := a.AllocFrames(600, 0, 0)
	if err != 0 {
		t.Fatalf("buddy alloc failed: %v", err)
	}
	if len(frames) != 600 {
		t.Fatalf("expected 600 frames, got %d", len(frames))
	}
	a.FreeFrames(frames)
}
