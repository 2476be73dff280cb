// Package cap implements the capability system: packed 64-bit tokens,
// the per-process two-level CapabilitySpace, rights checking,
// derivation, delegation, and generation-counter revocation.
//
// The table is an O(1)-lookup, bucket-locked two-level structure (per-L1-
// bucket locks keep contention local to a bucket rather than the whole
// space), and each space enforces an atomic capability quota.
package cap

// ObjType tags the kind of kernel object a capability names.
type ObjType uint8

const (
	ObjMemory ObjType = iota
	ObjEndpoint
	ObjProcess
	ObjThread
	ObjSharedMemory
	ObjHardware
)

// Rights is a per-object-type bitmask. The bit positions are shared
// across object types (e.g. Endpoint uses Send/Receive/Manage; Memory
// uses Read/Write/Execute/Map; Process uses Debug/Signal/Terminate);
// callers interpret the bits according to the entry's ObjType.
type Rights uint16

const (
	RightSend Rights = 1 << iota
	RightReceive
	RightManage
	RightRead
	RightWrite
	RightExecute
	RightMap
	RightDebug
	RightSignal
	RightTerminate
)

const (
	idBits = 48
	genBits = 8
	typBits = 4
	flgBits = 4

	idMask = (uint64(1) << idBits) - 1
	genMask = (uint64(1) << genBits) - 1
	typMask = (uint64(1) << typBits) - 1
	flgMask = (uint64(1) << flgBits) - 1

	genShift = idBits
	typShift = idBits + genBits
	flgShift = idBits + genBits + typBits
)

// MaxID is the largest representable 48-bit capability id; the id
// counter returns IdExhausted once this value has been allocated.
const MaxID = idMask

// Token is an unforgeable packed capability: [id:48 | generation:8 |
// type:4 | flags:4]. The kernel is the only producer; user space holds
// it opaquely.
type Token uint64

// NewToken packs the given fields into a Token.
func NewToken(id uint64, generation uint8, typ ObjType, flags uint8) Token {
	return Token((id & idMask) |
		(uint64(generation)&genMask)<<genShift |
		(uint64(typ)&typMask)<<typShift |
		(uint64(flags)&flgMask)<<flgShift)
}

// ID returns the 48-bit id field.
func (t Token) ID() uint64 { return uint64(t) & idMask }

// Generation returns the 8-bit generation field.
func (t Token) Generation() uint8 { return uint8((uint64(t) >> genShift) & genMask) }

// Type returns the 4-bit object-type field.
func (t Token) Type() ObjType { return ObjType((uint64(t) >> typShift) & typMask) }

// Flags returns the 4-bit flags field (reserved for future use; e.g.
// marking a token as non-delegable).
func (t Token) Flags() uint8 { return uint8((uint64(t) >> flgShift) & flgMask) }

// withGeneration returns a copy of t with the generation field replaced.
func (t Token) withGeneration(gen uint8) Token {
	return NewToken(t.ID(), gen, t.Type(), t.Flags())
}
