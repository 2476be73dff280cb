// Package vm implements per-process virtual address spaces: the region
// list, software page-table mediation, copy-on-write, demand paging, and
// TLB shootdown. A page table root plus region bookkeeping is one per
// process (AddressSpace).
//
// Real hardware page tables are out of reach of the portable Go runtime;
// the page table here is a plain map keyed by page-aligned virtual
// address, adapted from Vm_t in the source this module was built
// from, which itself centers on a single mutex guarding the region list
// and the page-table pages together -- the same invariant ("lock for
// vmregion, pmpages, pmap, and p_pmap") is preserved here as
// AddressSpace.mu.
package vm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"veridian/archsim"
	"veridian/defs"
	"veridian/mem"
)

// Flags mirror map flag set.
type Flags uint32

const (
	R Flags = 1 << iota
	W
	X
	User
	Global
	NoCache
	CoW
	Shared
)

const (
	PGSHIFT = mem.PGSHIFT
	PGSIZE = mem.PGSIZE
	pgMask = PGSIZE - 1
)

// FaultCause enumerates the page-fault dispatch cases of
// handle_page_fault.
type FaultCause int

const (
	FaultCOWWrite FaultCause = iota
	FaultDemandPage
	FaultGuardPage
	FaultOther
)

type pte struct {
	frame mem.Frame
	flags Flags
	present bool
}

// Region describes one entry of the region list (// "base, len, flags, backing").
type Region struct {
	Base uint64
	Len uint64
	Flags Flags
	// Guard marks a guard page region: any access kills the process
	// (FaultGuardPage) rather than one of the recoverable fault causes.
	Guard bool
}

func (r Region) end() uint64 { return r.Base + r.Len }

func overlaps(a, b Region) bool {
	return a.Base < b.end() && b.Base < a.end()
}

// AddressSpace is a process's virtual address space: software page table
// plus region list, all protected by one mutex -- see the package doc
// comment for the lock-granularity rationale.
type AddressSpace struct {
	ID int

	mu sync.Mutex
	regions []Region
	table map[uint64]*pte

	alloc *mem.Allocator
	node int
	bus *archsim.Bus

	// installed tracks which CPU ids currently have this address space
	// as their active mapping (TLB shootdown target
	// set). In this simulation a CPU "installs" an address space by
	// calling Install/Uninstall -- the equivalent of a CR3/TTBR/SATP
	// write in a real kernel.
	installed map[int]bool
}

// New constructs an empty address space backed by alloc, preferring the
// given NUMA node for demand-paged frames, and wired to bus for TLB
// shootdown IPIs.
func New(id int, alloc *mem.Allocator, node int, bus *archsim.Bus) *AddressSpace {
	return &AddressSpace{
		ID: id,
		table: make(map[uint64]*pte),
		alloc: alloc,
		node: node,
		bus: bus,
		installed: make(map[int]bool),
	}
}

// Install marks cpuID as currently running with this address space
// active -- the software stand-in for a CR3/TTBR/SATP write.
func (as *AddressSpace) Install(cpuID int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.installed[cpuID] = true
}

// Uninstall marks cpuID as no longer running this address space.
func (as *AddressSpace) Uninstall(cpuID int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	delete(as.installed, cpuID)
}

func alignCheck(vaddr, length uint64) bool {
	return vaddr&pgMask == 0 && length&pgMask == 0 && length > 0
}

// Map creates len/PGSIZE page mappings starting at vaddr, backed by
// fresh frames from the allocator, with the given flags. It fails with
// InvalidAlignment, Overlap, or InsufficientFrames; on any failure no
// partial mapping is left behind -- partial operations roll back before
// returning.
func (as *AddressSpace) Map(vaddr, length uint64, flags Flags) defs.ErrCode {
	if !alignCheck(vaddr, length) {
		return defs.InvalidAlignment
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	newRegion := Region{Base: vaddr, Len: length, Flags: flags}
	for _, r := range as.regions {
		if overlaps(r, newRegion) {
			return defs.Overlap
		}
	}

	npages := int(length / PGSIZE)
	frames, err := as.alloc.AllocFrames(npages, as.node, mem.FlagZeroed)
	if err != 0 {
		return defs.InsufficientFrames
	}
	for i := 0; i < npages; i++ {
		va := vaddr + uint64(i)*PGSIZE
		as.table[va] = &pte{frame: frames[i], flags: flags, present: true}
	}
	as.regions = append(as.regions, newRegion)
	as.sortRegionsLocked()
	return defs.OK
}

// MapAt installs PTEs for an already-owned set of frames (used by fork's
// CoW setup and by large-message IPC remapping) rather than allocating
// fresh ones.
func (as *AddressSpace) MapAt(vaddr uint64, frames []mem.Frame, flags Flags) defs.ErrCode {
	length := uint64(len(frames)) * PGSIZE
	if !alignCheck(vaddr, length) {
		return defs.InvalidAlignment
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	newRegion := Region{Base: vaddr, Len: length, Flags: flags}
	for _, r := range as.regions {
		if overlaps(r, newRegion) {
			return defs.Overlap
		}
	}
	for i, f := range frames {
		va := vaddr + uint64(i)*PGSIZE
		as.table[va] = &pte{frame: f, flags: flags, present: true}
	}
	as.regions = append(as.regions, newRegion)
	as.sortRegionsLocked()
	return defs.OK
}

func (as *AddressSpace) sortRegionsLocked() {
	sort.Slice(as.regions, func(i, j int) bool { return as.regions[i].Base < as.regions[j].Base })
}

// Unmap removes mappings over [vaddr, vaddr+len), freeing any
// exclusively-owned backing frames, and performs a TLB shootdown to
// every CPU where this address space is installed. A second Unmap of the
// same range returns NotMapped (idempotent on an already-unmapped range).
func (as *AddressSpace) Unmap(vaddr, length uint64) defs.ErrCode {
	if !alignCheck(vaddr, length) {
		return defs.InvalidAlignment
	}
	as.mu.Lock()
	npages := int(length / PGSIZE)
	found := false
	var freed []mem.Frame
	for i := 0; i < npages; i++ {
		va := vaddr + uint64(i)*PGSIZE
		if p, ok := as.table[va]; ok {
			found = true
			delete(as.table, va)
			freed = append(freed, p.frame)
		}
	}
	if !found {
		as.mu.Unlock()
		return defs.NotMapped
	}
	as.regions = shrinkRegions(as.regions, vaddr, length)
	targets := as.installedTargets()
	as.mu.Unlock()

	// Free frames that are no longer referenced by any mapping. Shared
	// and CoW-source frames are refcounted by the allocator, so Refdown
	// only actually frees on the last drop.
	for _, f := range freed {
		as.alloc.Refdown(f)
	}

	as.shootdown(targets, vaddr, length)
	return defs.OK
}

func shrinkRegions(regions []Region, vaddr, length uint64) []Region {
	var out []Region
	removeEnd := vaddr + length
	for _, r := range regions {
		switch {
		case r.end() <= vaddr || r.Base >= removeEnd:
			out = append(out, r)
		case r.Base >= vaddr && r.end() <= removeEnd:
			// fully removed
		default:
			// partial overlap: shrink from whichever side intersects.
			if r.Base < vaddr {
				out = append(out, Region{Base: r.Base, Len: vaddr - r.Base, Flags: r.Flags, Guard: r.Guard})
			}
			if r.end() > removeEnd {
				out = append(out, Region{Base: removeEnd, Len: r.end() - removeEnd, Flags: r.Flags, Guard: r.Guard})
			}
		}
	}
	return out
}

func (as *AddressSpace) installedTargets() []int {
	ids := make([]int, 0, len(as.installed))
	for id := range as.installed {
		ids = append(ids, id)
	}
	return ids
}

// shootdownThreshold names the range size (in pages) that separates a
// ranged TLB invalidation from a full flush. No handler in this
// simulation reads it: the kernel's shootdown handler keeps no TLB state
// and only acknowledges the IPI.
const shootdownThreshold = 32

// ShootdownRange is the IPI payload carried to remote CPUs.
type ShootdownRange struct {
	ASID int
	VAddr uint64
	Len uint64
}

// shootdownAckWait is how long shootdownOne waits for a single
// acknowledgment before treating the attempt as failed and retrying
// (modeling an offline or wedged CPU: shootdown failures are logged and
// retried rather than blocking forever).
const shootdownAckWait = 50 * time.Millisecond

// shootdown broadcasts a TLB invalidation IPI to every CPU in targets and
// blocks until all acknowledge -- unmap returns only after every CPU has
// acknowledged. If bus is nil (address space not wired to a CPU
// topology, e.g. in unit tests), this is a no-op.
func (as *AddressSpace) shootdown(targets []int, vaddr, length uint64) {
	if as.bus == nil || len(targets) == 0 {
		return
	}
	payload := ShootdownRange{ASID: as.ID, VAddr: vaddr, Len: length}
	var wg sync.WaitGroup
	for _, id := range targets {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			as.shootdownOne(id, payload)
		}(id)
	}
	wg.Wait()
}

// shootdownOne delivers the shootdown IPI to a single CPU, retrying with
// exponential backoff if it does not acknowledge within
// shootdownAckWait, via cenkalti/backoff.
func (as *AddressSpace) shootdownOne(id int, payload ShootdownRange) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		ack := make(chan struct{})
		as.bus.Send(id, archsim.IPI{Kind: archsim.IPITLBShootdown, Payload: payload, Ack: ack})
		select {
		case <-ack:
			return nil
		case <-time.After(shootdownAckWait):
			defs.WithSubsystem("vm").Warnf("shootdown to cpu %d unacknowledged (attempt %d), retrying", id, attempt)
			return fmt.Errorf("cpu %d did not acknowledge shootdown", id)
		}
	}, b)
	if err != nil {
		defs.WithSubsystem("vm").Errorf("shootdown to cpu %d abandoned after retries: %v", id, err)
	}
}

// Protect changes the flags of mappings over [vaddr, vaddr+len) and
// shoots down remote TLBs if the change reduces permissions.
func (as *AddressSpace) Protect(vaddr, length uint64, newFlags Flags) defs.ErrCode {
	if !alignCheck(vaddr, length) {
		return defs.InvalidAlignment
	}
	as.mu.Lock()
	npages := int(length / PGSIZE)
	found := false
	reduced := false
	for i := 0; i < npages; i++ {
		va := vaddr + uint64(i)*PGSIZE
		p, ok := as.table[va]
		if !ok {
			continue
		}
		found = true
		if p.flags&^newFlags != 0 {
			reduced = true
		}
		p.flags = newFlags
	}
	for i, r := range as.regions {
		if r.Base == vaddr && r.Len == length {
			as.regions[i].Flags = newFlags
		}
	}
	targets := as.installedTargets()
	as.mu.Unlock()
	if !found {
		return defs.NotMapped
	}
	if reduced {
		as.shootdown(targets, vaddr, length)
	}
	return defs.OK
}

// Translate performs a page-table walk, returning the physical frame (and
// byte offset folded in by the caller) or NotMapped.
func (as *AddressSpace) Translate(vaddr uint64) (mem.Frame, defs.ErrCode) {
	page := vaddr &^ pgMask
	as.mu.Lock()
	defer as.mu.Unlock()
	p, ok := as.table[page]
	if !ok || !p.present {
		return 0, defs.NotMapped
	}
	return p.frame, defs.OK
}

// TranslateRange walks [vaddr, vaddr+length) page by page and returns the
// physical frames currently backing it, refcounting each one via the
// allocator so the caller can hand the same frames to another address
// space with MapAt instead of copying bytes -- the large-message IPC
// Move/Share/CopyOnWrite paths use this to remap the sender's own pages
// rather than allocating fresh, zeroed ones for the receiver.
func (as *AddressSpace) TranslateRange(vaddr, length uint64) ([]mem.Frame, defs.ErrCode) {
	if !alignCheck(vaddr, length) {
		return nil, defs.InvalidAlignment
	}
	npages := int(length / PGSIZE)
	frames := make([]mem.Frame, npages)
	as.mu.Lock()
	for i := 0; i < npages; i++ {
		va := vaddr + uint64(i)*PGSIZE
		p, ok := as.table[va]
		if !ok || !p.present {
			as.mu.Unlock()
			return nil, defs.NotMapped
		}
		frames[i] = p.frame
	}
	as.mu.Unlock()
	for _, f := range frames {
		as.alloc.Refup(f)
	}
	return frames, defs.OK
}

// lookupRegion returns the region containing vaddr, if any.
func (as *AddressSpace) lookupRegion(vaddr uint64) (Region, bool) {
	for _, r := range as.regions {
		if vaddr >= r.Base && vaddr < r.end() {
			return r, true
		}
	}
	return Region{}, false
}

// HandlePageFault dispatches on cause:
// 1. CoW write: clone the frame, remap writable, drop the shared
// refcount.
// 2. Demand page: allocate, map, zero.
// 3. Guard page: return an error for the caller to deliver as a fault
// signal to the process.
// 4. Otherwise: return an error indicating the process should be
// killed.
//
// This function never panics; every path returns defs.OK or an ErrCode.
func (as *AddressSpace) HandlePageFault(vaddr uint64, cause FaultCause) defs.ErrCode {
	page := vaddr &^ pgMask
	as.mu.Lock()
	region, inRegion := as.lookupRegion(vaddr)
	if inRegion && region.Guard {
		as.mu.Unlock()
		return defs.PermissionDenied
	}
	p, mapped := as.table[page]

	switch cause {
	case FaultCOWWrite:
		if !mapped || p.flags&CoW == 0 {
			as.mu.Unlock()
			return defs.PermissionDenied
		}
		oldFrame := p.frame
		as.mu.Unlock()

		newFrames, err := as.alloc.AllocFrames(1, as.node, 0)
		if err != 0 {
			return defs.OutOfMemory
		}
		// A byte-level copy is modeled as a refcount handoff in this
		// simulation (no process address space is backed by real host
		// memory to copy from); the source frame's reference is
		// dropped, the destination frame is marked writable and no
		// longer CoW.
		as.mu.Lock()
		p2, ok := as.table[page]
		if !ok || p2.frame != oldFrame {
			// Raced with a concurrent unmap/fault; nothing to do.
			as.mu.Unlock()
			as.alloc.FreeFrames(newFrames)
			return defs.OK
		}
		p2.frame = newFrames[0]
		p2.flags = (p2.flags | W) &^ CoW
		as.mu.Unlock()
		as.alloc.Refdown(oldFrame)
		return defs.OK

	case FaultDemandPage:
		if mapped {
			as.mu.Unlock()
			return defs.OK
		}
		if !inRegion {
			as.mu.Unlock()
			return defs.PermissionDenied
		}
		as.mu.Unlock()
		frames, err := as.alloc.AllocFrames(1, as.node, mem.FlagZeroed)
		if err != 0 {
			return defs.OutOfMemory
		}
		as.mu.Lock()
		if _, raced := as.table[page]; raced {
			as.mu.Unlock()
			as.alloc.FreeFrames(frames)
			return defs.OK
		}
		as.table[page] = &pte{frame: frames[0], flags: region.Flags, present: true}
		as.mu.Unlock()
		return defs.OK

	case FaultGuardPage:
		as.mu.Unlock()
		return defs.PermissionDenied

	default:
		as.mu.Unlock()
		return defs.PermissionDenied
	}
}

// Fork duplicates the address space for a child process using
// copy-on-write exclusively for the user image. Both parent and child
// end up with every writable page marked read-only+CoW and an
// incremented frame refcount; the first write by either side clones its
// own copy via HandlePageFault(FaultCOWWrite).
func (as *AddressSpace) Fork(childID int) *AddressSpace {
	as.mu.Lock()
	defer as.mu.Unlock()

	child := New(childID, as.alloc, as.node, as.bus)
	for va, p := range as.table {
		flags := p.flags
		if flags&W != 0 {
			flags = (flags &^ W) | CoW
			p.flags = flags
		}
		as.alloc.Refup(p.frame)
		child.table[va] = &pte{frame: p.frame, flags: flags, present: true}
	}
	child.regions = append(child.regions, as.regions...)
	return child
}

// Destroy releases every frame exclusively referenced by this address
// space. Called when the last thread of the owning process exits.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	frames := make([]mem.Frame, 0, len(as.table))
	for _, p := range as.table {
		frames = append(frames, p.frame)
	}
	as.table = make(map[uint64]*pte)
	as.regions = nil
	as.mu.Unlock()
	for _, f := range frames {
		as.alloc.Refdown(f)
	}
}

// Regions returns a copy of the current region list, for diagnostics and
// tests.
func (as *AddressSpace) Regions() []Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]Region, len(as.regions))
	copy(out, as.regions)
	return out
}

// SharedRegion is a shared memory region: a physical frame range plus
// access rights and a NUMA hint, named by a capability and mapped into
// an AddressSpace on demand (via MapShared) rather than at creation
// time.
type SharedRegion struct {
	Frames []mem.Frame
	Rights Flags
	NumaHint int
}

// NewSharedRegion allocates count frames from the allocator (preferring
// numaHint) to back a region other address spaces will later map via
// MapShared; each mapper's AddressSpace.Map with Shared semantics is
// realized by MapAt against the same frame slice (no copy -- a zero-copy
// share, distinct from Move or CopyOnWrite transfer).
func NewSharedRegion(alloc *mem.Allocator, count, numaHint int, rights Flags) (*SharedRegion, defs.ErrCode) {
	frames, err := alloc.AllocFrames(count, numaHint, 0)
	if err != defs.OK {
		return nil, err
	}
	for _, f := range frames {
		alloc.Refup(f)
	}
	return &SharedRegion{Frames: frames, Rights: rights, NumaHint: numaHint}, defs.OK
}

// MapShared maps sr's frames into as at vaddr with sr's rights plus the
// Shared flag, without allocating new frames. as takes its own reference
// on each frame so Unmap's Refdown only frees them once every mapper --
// and the SharedRegion's own creating reference -- has released its
// hold.
func (as *AddressSpace) MapShared(vaddr uint64, sr *SharedRegion) defs.ErrCode {
	if err := as.MapAt(vaddr, sr.Frames, sr.Rights|Shared); err != defs.OK {
		return err
	}
	for _, f := range sr.Frames {
		as.alloc.Refup(f)
	}
	return defs.OK
}

// Release drops this address space's reference to sr's frames. Callers
// hold one capability-counted reference per AddressSpace that mapped
// sr; the SharedRegion's frames are freed once every mapper has called
// Release, mirroring the refcount lifetime already used for IpcEndpoint
// and CoW frames.
func (sr *SharedRegion) Release(alloc *mem.Allocator) {
	for _, f := range sr.Frames {
		alloc.Refdown(f)
	}
}
