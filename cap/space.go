package cap

import (
	"sync"
	"sync/atomic"

	"veridian/defs"
)

const (
	l1Size = 1024
	l2Size = 256 // 1024 * 256 = ~256K capabilities per process

	// DefaultQuota is the per-process capability count limit.
	DefaultQuota = 256
)

// childRef names one delegated descendant, possibly living in another
// process's CapabilitySpace, so revoke can cascade across spaces. The
// delegation structure is a tree, not a graph: each derived cap has
// exactly one parent id, and revocation walks descendants outward from
// it.
type childRef struct {
	space *Space
	id uint64
}

// entry is one L2 slot: the live token, the object it names, its rights,
// and delegation-tree bookkeeping.
type entry struct {
	mu sync.Mutex
	valid bool
	object interface{}
	objType ObjType
	rights Rights
	gen uint8
	children []childRef
}

type l2page struct {
	slots [l2Size]*entry
}

// RevokeNotifier is called for every descendant token invalidated by a
// revoke, so a higher layer (kernel/ipc) can broadcast the "revocation
// notification" calls for, without cap importing ipc.
type RevokeNotifier func(spaceID int, tokenID uint64)

// Space is a per-process CapabilitySpace: a two-level table of
// capability entries, addressed directly by the id embedded in the
// token (the L1 index comes from the id's top bits, the L2 index from
// the remaining bits). Each L1 bucket has its own lock, so no single
// lock serializes the whole space.
type Space struct {
	ID int

	l1locks [l1Size]sync.Mutex
	l1 [l1Size]*l2page

	nextID atomic.Uint64 // next id to allocate, monotonically increasing
	count atomic.Int32
	quota int32

	OnRevoke RevokeNotifier
}

// NewSpace constructs an empty CapabilitySpace with the default quota.
func NewSpace(id int) *Space {
	return &Space{ID: id, quota: DefaultQuota}
}

// SetQuota overrides the default per-process capability quota.
func (s *Space) SetQuota(n int) { s.quota = int32(n) }

func idToIndex(id uint64) (l1, l2 int) {
	return int(id / l2Size), int(id % l2Size)
}

// Insert allocates a fresh id, stores object under the given type and
// rights, and returns the new token. Fails with QuotaExceeded if the
// per-process cap count limit has been reached, and with IdExhausted once
// the id counter passes the table's capacity (l1Size*l2Size ids) or
// MaxID, whichever comes first; ids are never recycled, so the table
// capacity is reached long before the 48-bit id space.
func (s *Space) Insert(object interface{}, typ ObjType, rights Rights) (Token, defs.ErrCode) {
	if s.count.Load() >= s.quota {
		return 0, defs.QuotaExceeded
	}
	id := s.nextID.Add(1) - 1
	if id > MaxID {
		return 0, defs.IdExhausted
	}
	l1i, l2i := idToIndex(id)
	if l1i >= l1Size {
		return 0, defs.IdExhausted
	}

	s.l1locks[l1i].Lock()
	if s.l1[l1i] == nil {
		s.l1[l1i] = &l2page{}
	}
	page := s.l1[l1i]
	e := &entry{valid: true, object: object, objType: typ, rights: rights}
	page.slots[l2i] = e
	s.l1locks[l1i].Unlock()

	s.count.Add(1)
	return NewToken(id, 0, typ, 0), defs.OK
}

// insertDerived is like Insert but records a delegation-tree parent
// pointer on the new entry and registers the new entry as a child of the
// parent entry, so Revoke can cascade to it.
func (s *Space) insertDerived(object interface{}, typ ObjType, rights Rights, parent *entry) (Token, defs.ErrCode) {
	tok, err := s.Insert(object, typ, rights)
	if err != defs.OK {
		return 0, err
	}
	l1i, l2i := idToIndex(tok.ID())
	s.l1locks[l1i].Lock()
	child := s.l1[l1i].slots[l2i]
	s.l1locks[l1i].Unlock()

	parent.mu.Lock()
	parent.children = append(parent.children, childRef{space: s, id: tok.ID()})
	parent.mu.Unlock()
	_ = child
	return tok, defs.OK
}

// lookupEntry validates the id is in range, fetches the slot, and checks
// the presented token's generation against the entry's current
// generation. Returns Invalid on any mismatch (unknown id, never
// inserted, or stale post-revoke generation).
func (s *Space) lookupEntry(tok Token) (*entry, defs.ErrCode) {
	id := tok.ID()
	l1i, l2i := idToIndex(id)
	if l1i >= l1Size {
		return nil, defs.InvalidCapability
	}
	s.l1locks[l1i].Lock()
	page := s.l1[l1i]
	if page == nil {
		s.l1locks[l1i].Unlock()
		return nil, defs.InvalidCapability
	}
	e := page.slots[l2i]
	s.l1locks[l1i].Unlock()
	if e == nil {
		return nil, defs.InvalidCapability
	}
	e.mu.Lock()
	valid := e.valid
	gen := e.gen
	e.mu.Unlock()
	if !valid {
		return nil, defs.InvalidCapability
	}
	if gen != tok.Generation() {
		return nil, defs.InvalidCapability
	}
	return e, defs.OK
}

// Lookup returns the object and rights named by tok, or InvalidCapability.
func (s *Space) Lookup(tok Token) (object interface{}, rights Rights, err defs.ErrCode) {
	e, err := s.lookupEntry(tok)
	if err != defs.OK {
		return nil, 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.object, e.rights, defs.OK
}

// Check validates tok and tests that it carries every bit in required;
// it is the lookup-plus-bitmask-test called on every privileged op.
func (s *Space) Check(tok Token, required Rights) defs.ErrCode {
	e, err := s.lookupEntry(tok)
	if err != defs.OK {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rights&required != required {
		return defs.PermissionDenied
	}
	return defs.OK
}

// Derive creates a new token in the same space naming the same object as
// parent, with rights that must be a subset of the parent's current
// rights. The delegation tree records parent as the new token's parent.
func (s *Space) Derive(parent Token, reduced Rights) (Token, defs.ErrCode) {
	e, err := s.lookupEntry(parent)
	if err != defs.OK {
		return 0, err
	}
	e.mu.Lock()
	if reduced&^e.rights != 0 {
		e.mu.Unlock()
		return 0, defs.PermissionDenied
	}
	objType := e.objType
	object := e.object
	e.mu.Unlock()
	return s.insertDerived(object, objType, reduced, e)
}

// Delegate inserts a derived token naming the same object as tok into
// other's space, requiring RightManage on tok in this space. The
// delegate's rights are capped at tok's current rights.
func (s *Space) Delegate(tok Token, other *Space, rights Rights) (Token, defs.ErrCode) {
	e, err := s.lookupEntry(tok)
	if err != defs.OK {
		return 0, err
	}
	e.mu.Lock()
	if e.rights&RightManage == 0 {
		e.mu.Unlock()
		return 0, defs.PermissionDenied
	}
	if rights&^e.rights != 0 {
		e.mu.Unlock()
		return 0, defs.PermissionDenied
	}
	objType := e.objType
	object := e.object
	e.mu.Unlock()
	return other.insertDerived(object, objType, rights, e)
}

// Revoke bumps the generation counter on tok's entry, cascades to every
// delegated descendant (possibly in other spaces), and invokes OnRevoke
// (if set) for each invalidated token so a higher layer can broadcast the
// revocation over IPC.
func (s *Space) Revoke(tok Token) defs.ErrCode {
	e, err := s.lookupEntry(tok)
	if err != defs.OK {
		return err
	}
	s.revokeEntry(e, s.ID, tok.ID())
	return defs.OK
}

func (s *Space) revokeEntry(e *entry, spaceID int, id uint64) {
	e.mu.Lock()
	e.gen++
	kids := e.children
	e.children = nil
	notify := s.OnRevoke
	e.mu.Unlock()
	if notify != nil {
		notify(spaceID, id)
	}
	for _, c := range kids {
		if ce, ok := c.space.entryByID(c.id); ok {
			c.space.revokeEntry(ce, c.space.ID, c.id)
		}
	}
}

func (s *Space) entryByID(id uint64) (*entry, bool) {
	l1i, l2i := idToIndex(id)
	if l1i >= l1Size {
		return nil, false
	}
	s.l1locks[l1i].Lock()
	defer s.l1locks[l1i].Unlock()
	page := s.l1[l1i]
	if page == nil {
		return nil, false
	}
	e := page.slots[l2i]
	return e, e != nil
}

// Remove deletes the entry for tok entirely (used on object destruction,
// e.g. an endpoint's last reference dropping), distinct from Revoke which
// keeps the slot but invalidates the generation. Idempotent.
func (s *Space) Remove(tok Token) {
	id := tok.ID()
	l1i, l2i := idToIndex(id)
	if l1i >= l1Size {
		return
	}
	s.l1locks[l1i].Lock()
	page := s.l1[l1i]
	if page != nil && page.slots[l2i] != nil {
		page.slots[l2i] = nil
		s.count.Add(-1)
	}
	s.l1locks[l1i].Unlock()
}

// Count returns the number of live capabilities in this space.
func (s *Space) Count() int { return int(s.count.Load()) }
