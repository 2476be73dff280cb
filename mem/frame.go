// Package mem implements the physical frame allocator: a hybrid bitmap +
// buddy allocator, NUMA-aware, zoned (DMA/Normal), refcounted so frames
// are freed only when every owner drops its reference.
//
// Per-frame bookkeeping is a flat array addressed by frame number within
// each node, generalized across multiple NUMA nodes with a bitmap/buddy
// split by allocation size.
package mem

import (
	"sync"
	"sync/atomic"

	"veridian/defs"
)

const (
	// PGSHIFT is the base-2 exponent of the page size.
	PGSHIFT = 12
	// PGSIZE is the size of a single physical frame in bytes.
	PGSIZE = 1 << PGSHIFT
	// BuddyThreshold is the frame count at which allocation switches
	// from the bitmap allocator to the buddy allocator: runs under 512
	// contiguous frames use the bitmap, runs of 512 or more use the buddy.
	BuddyThreshold = 512
)

// Zone identifies a physical memory zone.
type Zone int

const (
	ZoneDMA Zone = iota
	ZoneNormal
	ZoneHigh
)

// Flags requested at allocation time.
type Flags uint32

const (
	FlagZeroed Flags = 1 << iota
	FlagDMA
	FlagHuge2M
	FlagHuge1G
)

// Frame identifies a single physical page by frame number.
type Frame uint64

// page is the per-frame bookkeeping record, one per frame in a node.
type page struct {
	refcnt int32
	zone Zone
	// reserved marks frames carved out at boot for firmware/kernel use
	// (see Reserve); they are never handed out by Alloc.
	reserved bool
}

// bitmapAllocator hands out small (<BuddyThreshold) contiguous runs via a
// linear free bitmap -- fast, no external fragmentation bookkeeping,
// matching rationale for the common case.
type bitmapAllocator struct {
	mu sync.Mutex
	free []bool // true = free
}

func newBitmapAllocator(n int) *bitmapAllocator {
	b := &bitmapAllocator{free: make([]bool, n)}
	for i := range b.free {
		b.free[i] = true
	}
	return b
}

// allocRun finds count contiguous free frames and marks them used,
// returning the start index, or -1 if none found.
func (b *bitmapAllocator) allocRun(count int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	run := 0
	start := -1
	for i, f := range b.free {
		if f {
			if run == 0 {
				start = i
			}
			run++
			if run == count {
				for j := start; j < start+count; j++ {
					b.free[j] = false
				}
				return start
			}
		} else {
			run = 0
		}
	}
	return -1
}

func (b *bitmapAllocator) free_(start, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := start; i < start+count; i++ {
		if b.free[i] {
			defs.Fatalf("mem", "double free of frame %d", i)
		}
		b.free[i] = true
	}
}

// buddyAllocator manages large (>=BuddyThreshold) contiguous runs with
// classic power-of-two buddy bookkeeping, for big mappings and huge
// pages.
type buddyAllocator struct {
	mu sync.Mutex
	maxOrder int
	// freeLists[order] is the set of free block start indices at that
	// order (block size = 1<<order frames).
	freeLists []map[int]bool
	total int
}

func orderFor(frames int) int {
	o := 0
	sz := 1
	for sz < frames {
		sz <<= 1
		o++
	}
	return o
}

func newBuddyAllocator(startFrame, nframes int) *buddyAllocator {
	maxOrder := orderFor(nframes) + 1
	b := &buddyAllocator{maxOrder: maxOrder, total: nframes}
	b.freeLists = make([]map[int]bool, maxOrder+1)
	for i := range b.freeLists {
		b.freeLists[i] = make(map[int]bool)
	}
	// Seed with the largest blocks that fit, largest order first.
	remaining := nframes
	base := startFrame
	for remaining > 0 {
		o := orderFor(remaining + 1)
		for o > 0 && (1<<o) > remaining {
			o--
		}
		b.freeLists[o][base] = true
		sz := 1 << o
		base += sz
		remaining -= sz
	}
	return b
}

func (b *buddyAllocator) alloc(frames int) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	need := orderFor(frames)
	if need > b.maxOrder {
		return -1, false
	}
	o := need
	for o <= b.maxOrder && len(b.freeLists[o]) == 0 {
		o++
	}
	if o > b.maxOrder {
		return -1, false
	}
	var start int
	for s := range b.freeLists[o] {
		start = s
		break
	}
	delete(b.freeLists[o], start)
	// Split down to the required order, returning the buddy halves to
	// progressively smaller free lists.
	for o > need {
		o--
		half := start + (1 << o)
		b.freeLists[o][half] = true
	}
	return start, true
}

func (b *buddyAllocator) free_(start, frames int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o := orderFor(frames)
	for o < b.maxOrder {
		buddy := start ^ (1 << o)
		if !b.freeLists[o][buddy] {
			break
		}
		delete(b.freeLists[o], buddy)
		if buddy < start {
			start = buddy
		}
		o++
	}
	b.freeLists[o][start] = true
}

// Node is a single NUMA node's allocator pair plus per-frame bookkeeping.
// The node's frame range is partitioned once at construction time into a
// bitmap region [0, split) and a buddy region [split, count): the two
// sub-allocators never see overlapping frame ranges, so a bitmap grant
// and a buddy grant can never alias the same physical frame.
type Node struct {
	ID int
	Distance map[int]int // distance to other nodes; lower is closer

	base Frame // first frame number owned by this node
	count int
	split int // frame index where the buddy region begins

	mu sync.Mutex
	pages []page

	bitmap *bitmapAllocator
	buddy *buddyAllocator
}

// splitFrames returns the frame count given to the bitmap region; the
// remaining n-split frames form the buddy region. Nodes too small to
// ever satisfy a >=BuddyThreshold request give every frame to the
// bitmap. Larger nodes give the bitmap a quarter of the node (enough
// for the common small-allocation path) and the buddy allocator the
// rest, since a single large request needs a correspondingly large
// contiguous free run to round up to.
func splitFrames(n int) int {
	if n <= BuddyThreshold {
		return n
	}
	bitmapFrames := n / 4
	if n-bitmapFrames < BuddyThreshold {
		bitmapFrames = n - BuddyThreshold
	}
	return bitmapFrames
}

// Allocator owns every NUMA node and is the single kernel-wide frame
// service: an initialized-once kernel service with fine-grained internal
// locking per node.
type Allocator struct {
	nodes []*Node

	// OOM is closed-over by notifyOOM; readers select on it to learn of
	// memory pressure without the allocator blocking on their reaction.
	oomMu sync.Mutex
	oomCh chan OOMNotice
}

// OOMNotice is broadcast when a node allocation request cannot be
// satisfied, so a reclaim coordinator can react to memory pressure
// without the allocator itself blocking on that reaction.
type OOMNotice struct {
	Node int
	Need int
}

// NewAllocator constructs an Allocator with the given per-node frame
// counts. framesPerNode[i] is the frame count for NUMA node i.
func NewAllocator(framesPerNode []int) *Allocator {
	a := &Allocator{oomCh: make(chan OOMNotice, 16)}
	var base Frame
	for id, n := range framesPerNode {
		split := splitFrames(n)
		node := &Node{
			ID: id,
			Distance: map[int]int{},
			base: base,
			count: n,
			split: split,
			pages: make([]page, n),
			bitmap: newBitmapAllocator(split),
			buddy: newBuddyAllocator(0, n-split),
		}
		a.nodes = append(a.nodes, node)
		base += Frame(n)
	}
	// Default distances: self=0, others=10 (uniform, no topology info).
	for _, n := range a.nodes {
		for _, o := range a.nodes {
			if n.ID == o.ID {
				n.Distance[o.ID] = 0
			} else if _, ok := n.Distance[o.ID]; !ok {
				n.Distance[o.ID] = 10
			}
		}
	}
	return a
}

// OOMChannel exposes the notification channel for a reclaim coordinator.
func (a *Allocator) OOMChannel() <-chan OOMNotice { return a.oomCh }

func (a *Allocator) notifyOOM(node, need int) {
	select {
	case a.oomCh <- OOMNotice{Node: node, Need: need}:
	default:
		// Best effort: a full notification queue means a reclaimer is
		// already behind; dropping a duplicate notice is harmless.
	}
}

// nearestNode returns the preferred node's id followed by others ordered
// by distance, for NUMA-aware fallback: allocation prefers the node of
// the calling CPU, falling back to the nearest node by distance.
func (a *Allocator) nearestNode(hint int) []int {
	order := make([]int, 0, len(a.nodes))
	for _, n := range a.nodes {
		order = append(order, n.ID)
	}
	home := a.nodes[hint]
	// simple insertion sort by distance from home; node counts are small.
	for i := 1; i < len(order); i++ {
		j := i
		for j > 0 && home.Distance[order[j]] < home.Distance[order[j-1]] {
			order[j], order[j-1] = order[j-1], order[j]
			j--
		}
	}
	return order
}

// AllocFrames allocates count contiguous frames, preferring nodeHint,
// falling back to the nearest node by NUMA distance.
func (a *Allocator) AllocFrames(count int, nodeHint int, flags Flags) ([]Frame, defs.ErrCode) {
	if count <= 0 {
		return nil, defs.InvalidArgument
	}
	if nodeHint < 0 || nodeHint >= len(a.nodes) {
		nodeHint = 0
	}
	for _, nid := range a.nearestNode(nodeHint) {
		node := a.nodes[nid]
		if frames, ok := node.alloc(count, flags); ok {
			return frames, defs.OK
		}
	}
	a.notifyOOM(nodeHint, count)
	return nil, defs.OutOfMemory
}

// FreeFrames releases frames back to their owning nodes. It is safe to
// call on an already-empty slice; freeing the same frame twice is a
// fatal kernel error (a panic via defs.Fatalf).
func (a *Allocator) FreeFrames(frames []Frame) {
	for _, f := range frames {
		node := a.nodeFor(f)
		node.free(f, 1)
	}
}

func (a *Allocator) nodeFor(f Frame) *Node {
	for _, n := range a.nodes {
		if f >= n.base && f < n.base+Frame(n.count) {
			return n
		}
	}
	defs.Fatalf("mem", "frame %d belongs to no node", f)
	return nil
}

// Reserve marks [startFrame, startFrame+count) as permanently unavailable,
// used during boot for firmware/kernel regions.
func (a *Allocator) Reserve(nodeID int, startFrame, count int) defs.ErrCode {
	if nodeID < 0 || nodeID >= len(a.nodes) {
		return defs.InvalidArgument
	}
	node := a.nodes[nodeID]
	node.mu.Lock()
	defer node.mu.Unlock()
	if startFrame < 0 || startFrame+count > node.count {
		return defs.InvalidArgument
	}
	for i := startFrame; i < startFrame+count; i++ {
		node.pages[i].reserved = true
	}
	return defs.OK
}

// alloc returns the granted run as global frame numbers. Internally it
// works with node-absolute indices: the bitmap region occupies
// [0, n.split) natively, while the buddy allocator works in its own
// [0, n.count-n.split) local space and its indices are shifted by
// n.split to land in the disjoint [n.split, n.count) region.
func (n *Node) alloc(count int, flags Flags) ([]Frame, bool) {
	var start int
	var ok bool
	fromBuddy := count >= BuddyThreshold
	if !fromBuddy {
		start = n.bitmap.allocRun(count)
		if start < 0 {
			return nil, false
		}
	} else {
		var local int
		local, ok = n.buddy.alloc(count)
		if !ok {
			return nil, false
		}
		start = local + n.split
	}
	n.mu.Lock()
	zone := ZoneNormal
	if flags&FlagDMA != 0 {
		zone = ZoneDMA
	}
	for i := start; i < start+count; i++ {
		if n.pages[i].reserved {
			n.mu.Unlock()
			// Roll back: the allocator bookkeeping succeeded but the
			// range overlaps a boot reservation. This should not happen
			// if reservations are made before any allocation; treat as
			// an allocation failure rather than handing out reserved
			// memory.
			if !fromBuddy {
				n.bitmap.free_(start, count)
			} else {
				n.buddy.free_(start-n.split, count)
			}
			return nil, false
		}
		n.pages[i].refcnt = 1
		n.pages[i].zone = zone
	}
	n.mu.Unlock()

	out := make([]Frame, count)
	for i := 0; i < count; i++ {
		out[i] = n.base + Frame(start+i)
	}
	return out, true
}

func (n *Node) free(f Frame, count int) {
	idx := int(f - n.base)
	n.mu.Lock()
	if idx < 0 || idx >= len(n.pages) {
		n.mu.Unlock()
		defs.Fatalf("mem", "free of out-of-range frame %d", f)
	}
	c := atomic.AddInt32(&n.pages[idx].refcnt, -1)
	n.mu.Unlock()
	if c < 0 {
		defs.Fatalf("mem", "double free of frame %d", f)
	}
	if c > 0 {
		return
	}
	// Route by which region idx actually falls in, not by count: callers
	// may release a buddy-granted run one frame at a time (FreeFrames),
	// and the bitmap region's own index space starts over at 0.
	if idx < n.split {
		n.bitmap.free_(idx, count)
	} else {
		n.buddy.free_(idx-n.split, count)
	}
}

// Refcount returns the current reference count of a frame.
func (a *Allocator) Refcount(f Frame) int {
	n := a.nodeFor(f)
	idx := int(f - n.base)
	n.mu.Lock()
	defer n.mu.Unlock()
	return int(n.pages[idx].refcnt)
}

// Refup increments a frame's reference count, used when a frame becomes
// shared (CoW source, Shared mapping).
func (a *Allocator) Refup(f Frame) {
	n := a.nodeFor(f)
	idx := int(f - n.base)
	n.mu.Lock()
	c := atomic.AddInt32(&n.pages[idx].refcnt, 1)
	n.mu.Unlock()
	if c <= 0 {
		defs.Fatalf("mem", "refup of dead frame %d", f)
	}
}

// Refdown decrements a frame's reference count, freeing it when it
// reaches zero. Returns true if the frame was freed.
func (a *Allocator) Refdown(f Frame) bool {
	n := a.nodeFor(f)
	idx := int(f - n.base)
	n.mu.Lock()
	c := atomic.AddInt32(&n.pages[idx].refcnt, -1)
	n.mu.Unlock()
	if c < 0 {
		defs.Fatalf("mem", "refdown of already-free frame %d", f)
	}
	if c == 0 {
		n.free_noref(idx)
		return true
	}
	return false
}

// free_noref returns a single already-zero-refcount frame to its
// allocator; used by Refdown, which has already decremented the count.
func (n *Node) free_noref(idx int) {
	// Refdown already drove refcnt to zero; route by the region idx falls
	// in, as Node.free does: a mapping of BuddyThreshold or more pages is
	// granted from the buddy region and released here one frame at a time.
	if idx < n.split {
		n.bitmap.free_(idx, 1)
	} else {
		n.buddy.free_(idx-n.split, 1)
	}
}

// NodeCount returns the number of NUMA nodes configured.
func (a *Allocator) NodeCount() int { return len(a.nodes) }
