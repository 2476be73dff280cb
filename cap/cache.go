package cap

import (
	"sync"

	"veridian/defs"
)

const cacheLines = 64

// Cache is a small direct-mapped per-CPU accelerator for (token, rights)
// lookups that accelerates the fast path and is invalidated on
// revocation via IPI.
type Cache struct {
	mu sync.Mutex
	lines [cacheLines]line
}

type line struct {
	valid bool
	spaceID int
	tok Token
	rights Rights
}

// NewCache constructs an empty per-CPU capability cache.
func NewCache() *Cache { return &Cache{} }

func cacheIndex(tok Token) int {
	return int(tok.ID() % cacheLines)
}

// Check consults the cache first; on a miss it falls back to space.Check
// and, on success, populates the cache line.
func (c *Cache) Check(space *Space, tok Token, required Rights) defs.ErrCode {
	idx := cacheIndex(tok)
	c.mu.Lock()
	l := c.lines[idx]
	c.mu.Unlock()
	if l.valid && l.spaceID == space.ID && l.tok == tok {
		if l.rights&required != required {
			return defs.PermissionDenied
		}
		return defs.OK
	}

	_, rights, err := space.Lookup(tok)
	if err != defs.OK {
		return err
	}
	c.mu.Lock()
	c.lines[idx] = line{valid: true, spaceID: space.ID, tok: tok, rights: rights}
	c.mu.Unlock()
	if rights&required != required {
		return defs.PermissionDenied
	}
	return defs.OK
}

// InvalidateAll clears every cache line. The kernel's combined per-CPU
// IPI handler calls this whenever an IPICapInvalidate arrives; it lives
// here rather than registering its own bus handler because a CPU has
// exactly one IPI handler dispatching across all subsystems (see
// kernel/boot.go).
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.lines = [cacheLines]line{}
	c.mu.Unlock()
}
