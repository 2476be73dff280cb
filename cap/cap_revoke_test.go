package cap

import (
	"testing"

	"veridian/defs"
)

// TestCapRevocation: process P derives cap C from root cap R (R allows
// Read+Write, C allows Read only). A third party holds a copy of C.
// Revoking R must make a subsequent use of C from the third party return
// InvalidCapability, and R's generation counter must have incremented by
// at least 1.
func TestCapRevocation(t *testing.T) {
	spaceP := NewSpace(1)
	obj := "shared memory region"

	root, err := spaceP.Insert(obj, ObjMemory, RightRead|RightWrite)
	if err != defs.OK {
		t.Fatalf("insert failed: %v", err)
	}

	child, err := spaceP.Derive(root, RightRead)
	if err != defs.OK {
		t.Fatalf("derive failed: %v", err)
	}

	// Third party holds a copy of "child" -- simulated by simply reusing
	// the same Token value from a different goroutine/space check.
	if err := spaceP.Check(child, RightRead); err != defs.OK {
		t.Fatalf("expected child cap to check out before revoke: %v", err)
	}

	if err := spaceP.Revoke(root); err != defs.OK {
		t.Fatalf("revoke failed: %v", err)
	}

	if err := spaceP.Check(child, RightRead); err != defs.InvalidCapability {
		t.Fatalf("expected InvalidCapability for revoked descendant, got %v", err)
	}

	// The live entry's generation must have advanced past root's
	// presented generation.
	e, lookupErr := spaceP.lookupEntry(root.withGeneration(root.Generation()))
	if lookupErr == defs.OK {
		t.Fatalf("stale root token should no longer validate")
	}
	_ = e
}

func TestDeriveExceedsParentRightsDenied(t *testing.T) {
	s := NewSpace(1)
	root, _ := s.Insert("obj", ObjEndpoint, RightSend)
	if _, err := s.Derive(root, RightSend|RightReceive); err != defs.PermissionDenied {
		t.Fatalf("expected PermissionDenied when exceeding parent rights, got %v", err)
	}
}

func TestQuotaExceeded(t *testing.T) {
	s := NewSpace(1)
	s.SetQuota(2)
	if _, err := s.Insert("a", ObjMemory, RightRead); err != defs.OK {
		t.Fatalf("first insert should succeed")
	}
	if _, err := s.Insert("b", ObjMemory, RightRead); err != defs.OK {
		t.Fatalf("second insert should succeed")
	}
	if _, err := s.Insert("c", ObjMemory, RightRead); err != defs.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}
}

func TestIDExhaustion(t *testing.T) {
	s := NewSpace(1)
	s.SetQuota(1 << 30) // quota is not the constraint under test
	s.nextID.Store(MaxID)
	if _, err := s.Insert("last", ObjMemory, RightRead); err != defs.OK {
		t.Fatalf("allocating the final id should succeed")
	}
	if _, err := s.Insert("overflow", ObjMemory, RightRead); err != defs.IdExhausted {
		t.Fatalf("expected IdExhausted, got %v", err)
	}
}

func TestCacheHitAndInvalidate(t *testing.T) {
	s := NewSpace(1)
	tok, _ := s.Insert("obj", ObjMemory, RightRead)
	c := NewCache()
	if err := c.Check(s, tok, RightRead); err != defs.OK {
		t.Fatalf("cache miss path failed: %v", err)
	}
	if err := c.Check(s, tok, RightRead); err != defs.OK {
		t.Fatalf("cache hit path failed: %v", err)
	}
	s.Revoke(tok)
	// Without invalidation the stale cache line would still say OK; the
	// per-CPU cache must be explicitly invalidated by the kernel's IPI
	// handler -- demonstrate that InvalidateAll fixes it.
	c.InvalidateAll()
	if err := c.Check(s, tok, RightRead); err != defs.InvalidCapability {
		t.Fatalf("expected InvalidCapability after invalidate, got %v", err)
	}
}
