// Package slab implements the kernel heap: a slab allocator over frames
// from mem.Allocator, with separate caches for the kernel's common object
// sizes (PCB, TCB, endpoint, capability entry). Each cache keeps its free
// slots in a separate list of (slab, offset) records, one per sub-page
// object.
package slab

import (
	"sync"
	"unsafe"

	"veridian/defs"
	"veridian/mem"
)

// Cache is a fixed-size-object allocator backed by whole frames divided
// into objSize slots. One Cache exists per distinct object size the
// kernel allocates frequently.
type Cache struct {
	name string
	objSize int
	alloc *mem.Allocator
	node int

	mu sync.Mutex
	freeList []slot
	slabs [][]byte // backing storage, one []byte per slab (one frame)
	slabFrame []mem.Frame
}

type slot struct {
	slabIdx int
	offset int
}

// NewCache creates a cache for objects of the given size, backed by the
// given frame allocator and preferring the given NUMA node.
func NewCache(name string, objSize int, alloc *mem.Allocator, node int) *Cache {
	if objSize <= 0 || objSize > mem.PGSIZE {
		defs.Fatalf("slab", "invalid object size %d for cache %q", objSize, name)
	}
	return &Cache{name: name, objSize: objSize, alloc: alloc, node: node}
}

// growLocked allocates one more frame and carves it into free slots.
// Caller must hold c.mu.
func (c *Cache) growLocked() defs.ErrCode {
	frames, err := c.alloc.AllocFrames(1, c.node, mem.FlagZeroed)
	if err != 0 {
		return err
	}
	slabIdx := len(c.slabs)
	backing := make([]byte, mem.PGSIZE)
	c.slabs = append(c.slabs, backing)
	c.slabFrame = append(c.slabFrame, frames[0])
	perSlab := mem.PGSIZE / c.objSize
	for i := 0; i < perSlab; i++ {
		c.freeList = append(c.freeList, slot{slabIdx: slabIdx, offset: i * c.objSize})
	}
	return defs.OK
}

// Alloc returns a zeroed byte slice of objSize bytes carved from a slab,
// or OutOfMemory if no frame could be obtained. Target: <500ns in a real
// kernel; here it is O(1) amortized (a slab grow is O(frame alloc), which
// happens only every perSlab allocations).
func (c *Cache) Alloc() ([]byte, defs.ErrCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.freeList) == 0 {
		if err := c.growLocked(); err != 0 {
			return nil, err
		}
	}
	n := len(c.freeList) - 1
	s := c.freeList[n]
	c.freeList = c.freeList[:n]
	buf := c.slabs[s.slabIdx][s.offset : s.offset+c.objSize]
	for i := range buf {
		buf[i] = 0
	}
	return buf, defs.OK
}

// Free returns an object previously returned by Alloc back to its slab's
// free list. The slab and offset are recovered from buf's address, the
// way a real kernel recovers a slab header from a pointer's containing
// page; it panics (an unreachable invariant violation) if buf does not
// point into any slab owned by this cache.
func (c *Cache) Free(buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := uintptr(unsafe.Pointer(&buf[0]))
	for i, backing := range c.slabs {
		base := uintptr(unsafe.Pointer(&backing[0]))
		if addr >= base && addr < base+uintptr(len(backing)) {
			off := int(addr - base)
			c.freeList = append(c.freeList, slot{slabIdx: i, offset: off})
			return
		}
	}
	defs.Fatalf("slab", "free of object not owned by cache %q", c.name)
}

// Heap bundles the caches for the kernel's common fixed-size objects.
type Heap struct {
	PCB *Cache
	TCB *Cache
	Endpoint *Cache
	CapEntry *Cache
}

// NewHeap constructs the standard set of kernel object caches.
func NewHeap(alloc *mem.Allocator, node int) *Heap {
	return &Heap{
		PCB: NewCache("pcb", 512, alloc, node),
		TCB: NewCache("tcb", 512, alloc, node),
		Endpoint: NewCache("endpoint", 256, alloc, node),
		CapEntry: NewCache("cap_entry", 64, alloc, node),
	}
}
