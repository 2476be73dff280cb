// Package ipc implements synchronous and asynchronous message passing
// with zero-copy large transfers: endpoints, the small-message fast
// path, the large-message remap path, capability transfer, and a global
// endpoint registry.
//
// Endpoints use an open-addressing-style single-map registry for O(1)
// keyed lookup, and hand-rolled blocking sender/receiver queues for
// rendezvous; per-sender rate limiting is provided by
// golang.org/x/time/rate.
package ipc

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"veridian/cap"
	"veridian/defs"
	"veridian/proc"
	"veridian/vm"
)

// MaxSmallMessage is the boundary between the register-carried fast path
// and the page-remap large path: messages up to 64 bytes take the fast
// path, anything larger uses the large path.
const MaxSmallMessage = 64

// MaxCapsPerMessage bounds the number of capabilities transferable in a
// single IPC message.
const MaxCapsPerMessage = 8

// TransferMode selects how a large message's pages move from sender to
// receiver.
type TransferMode int

const (
	Move TransferMode = iota
	Share
	CopyOnWrite
)

// ChannelKind distinguishes the blocking (rendezvous) and non-blocking
// (queued) channel disciplines an endpoint can offer.
type ChannelKind int

const (
	Synchronous ChannelKind = iota
	Asynchronous
)

// Message is either a small, register-carried payload or a large,
// page-backed transfer, optionally carrying capability tokens.
type Message struct {
	Small []byte // len(Small) <= MaxSmallMessage when used

	// Large transfer fields; VAddr/Length name a range in the sender's
	// AddressSpace, valid only when Large is true.
	Large bool
	VAddr uint64
	Length uint64
	Mode TransferMode

	Caps []cap.Token
}

// pendingRecv is a receiver parked on Receive, waiting for a sender.
type pendingRecv struct {
	thread *proc.Thread
	result chan Message
}

// pendingSend is a sender blocked on a synchronous endpoint with no
// receiver waiting; asynchronous sends are queued in the ring instead.
type pendingSend struct {
	msg Message
	thread *proc.Thread
	done chan defs.ErrCode
}

// Endpoint is the kernel IPC object: a small-message ring, blocked-
// sender/-receiver queues, and owner metadata. Lifetime equals the
// lifetime of the last capability referencing it, tracked here via an
// explicit refcount rather than a GC finalizer so the closing
// ChannelClosed wakeup is deterministic.
type Endpoint struct {
	ID uint64
	Kind ChannelKind

	mu sync.Mutex
	ring []Message // bounded queue backing the asynchronous/buffered case
	ringCap int
	receivers []*pendingRecv
	senders []*pendingSend
	closed bool
	refcount atomic.Int32

	limiters sync.Map // sender id (defs.Pid) -> *rate.Limiter
	rateN rate.Limit
	rateB int
}

// DefaultRingCapacity bounds the asynchronous small-message buffer: a
// small finite ring keeps "sender blocks or returns WouldBlock if the
// buffer is full" meaningful without unbounded growth.
const DefaultRingCapacity = 32

// DefaultRateLimit and DefaultRateBurst are the default endpoint
// rate-limit settings.
const (
	DefaultRateLimit = rate.Limit(1000)
	DefaultRateBurst = 64
)

// NewEndpoint constructs an endpoint of the given channel kind with one
// outstanding reference (the creator's capability).
func NewEndpoint(id uint64, kind ChannelKind) *Endpoint {
	e := &Endpoint{
		ID: id,
		Kind: kind,
		ringCap: DefaultRingCapacity,
		rateN: DefaultRateLimit,
		rateB: DefaultRateBurst,
	}
	e.refcount.Store(1)
	return e
}

// AddRef increments the endpoint's reference count (a new capability
// naming it was inserted or delegated).
func (e *Endpoint) AddRef() { e.refcount.Add(1) }

// DropRef decrements the reference count; when it reaches zero the
// endpoint is destroyed: its buffer is freed and every waiter (sender or
// receiver) is woken with ChannelClosed.
func (e *Endpoint) DropRef() {
	if e.refcount.Add(-1) > 0 {
		return
	}
	e.mu.Lock()
	e.closed = true
	recvs := e.receivers
	e.receivers = nil
	sends := e.senders
	e.senders = nil
	e.ring = nil
	e.mu.Unlock()

	for _, r := range recvs {
		r.result <- Message{}
		r.thread.Wake()
	}
	for _, s := range sends {
		s.done <- defs.ChannelClosed
		s.thread.Wake()
	}
}

func (e *Endpoint) limiterFor(sender defs.Pid) *rate.Limiter {
	if v, ok := e.limiters.Load(sender); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(e.rateN, e.rateB)
	actual, _ := e.limiters.LoadOrStore(sender, l)
	return actual.(*rate.Limiter)
}

// Registry is the global, O(1) endpoint-lookup-by-id table: a single
// RWMutex-guarded map suffices at kernel scale.
type Registry struct {
	mu sync.RWMutex
	endpoints map[uint64]*Endpoint
	nextID atomic.Uint64
}

// NewRegistry constructs an empty endpoint registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[uint64]*Endpoint)}
}

// Create allocates a fresh endpoint id and registers it.
func (r *Registry) Create(kind ChannelKind) *Endpoint {
	id := r.nextID.Add(1) - 1
	e := NewEndpoint(id, kind)
	r.mu.Lock()
	r.endpoints[id] = e
	r.mu.Unlock()
	return e
}

// Lookup returns the endpoint by id, or nil.
func (r *Registry) Lookup(id uint64) *Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[id]
}

// Destroy removes id from the registry. DropRef does not call it: an
// endpoint whose refcount reached zero stays registered until Destroy is
// called.
func (r *Registry) Destroy(id uint64) {
	r.mu.Lock()
	delete(r.endpoints, id)
	r.mu.Unlock()
}

// Send delivers msg on e. sender is the calling thread (for
// blocking/rate-limit bookkeeping); senderPid identifies the rate-limit
// bucket. If a receiver is already parked, the message transfers inline
// and both threads become Ready (the fast path); otherwise it is queued
// (Asynchronous, space permitting) or the sender blocks/returns
// WouldBlock (Synchronous / full ring).
func (e *Endpoint) Send(ctx context.Context, sender *proc.Thread, senderPid defs.Pid, msg Message) defs.ErrCode {
	if !e.limiterFor(senderPid).Allow() {
		return defs.RateLimited
	}
	if msg.Large && msg.Length > 0 {
		// size validated by caller via MaxSmallMessage boundary; large
		// messages have no further size cap here (zero-copy remap).
	} else if len(msg.Small) > MaxSmallMessage {
		return defs.MessageTooLarge
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return defs.ChannelClosed
	}
	if len(e.receivers) > 0 {
		r := e.receivers[0]
		e.receivers = e.receivers[1:]
		e.mu.Unlock()
		r.result <- msg
		r.thread.Wake()
		return defs.OK
	}

	if e.Kind == Asynchronous {
		if len(e.ring) >= e.ringCap {
			e.mu.Unlock()
			return defs.WouldBlock
		}
		e.ring = append(e.ring, msg)
		e.mu.Unlock()
		return defs.OK
	}

	// Synchronous with no receiver waiting: block until one arrives or
	// the endpoint closes.
	done := make(chan defs.ErrCode, 1)
	ps := &pendingSend{msg: msg, thread: sender, done: done}
	e.senders = append(e.senders, ps)
	e.mu.Unlock()

	res := sender.BlockOn(ctx, e)
	switch res {
	case proc.WaitOK:
		select {
		case code := <-done:
			return code
		default:
			return defs.OK
		}
	case proc.WaitTimedOut:
		return defs.WouldBlock
	default:
		return defs.Cancelled
	}
}

// Receive waits for a message on e. If a message (or a blocked sender)
// is already available it is consumed immediately; otherwise the
// receiver blocks until Send delivers one or the endpoint closes.
func (e *Endpoint) Receive(ctx context.Context, receiver *proc.Thread) (Message, defs.ErrCode) {
	e.mu.Lock()
	if len(e.ring) > 0 {
		m := e.ring[0]
		e.ring = e.ring[1:]
		e.mu.Unlock()
		return m, defs.OK
	}
	if len(e.senders) > 0 {
		s := e.senders[0]
		e.senders = e.senders[1:]
		e.mu.Unlock()
		s.done <- defs.OK
		s.thread.Wake()
		return s.msg, defs.OK
	}
	if e.closed {
		e.mu.Unlock()
		return Message{}, defs.ChannelClosed
	}

	result := make(chan Message, 1)
	pr := &pendingRecv{thread: receiver, result: result}
	e.receivers = append(e.receivers, pr)
	e.mu.Unlock()

	res := receiver.BlockOn(ctx, e)
	switch res {
	case proc.WaitOK:
		select {
		case m := <-result:
			if e.isClosed() {
				return Message{}, defs.ChannelClosed
			}
			return m, defs.OK
		default:
			return Message{}, defs.OK
		}
	case proc.WaitTimedOut:
		return Message{}, defs.WouldBlock
	default:
		return Message{}, defs.Cancelled
	}
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// TransferLarge performs the zero-copy remap for a large message
// transfer between two address spaces: Move unmaps from the sender and
// maps into the receiver; Share and CopyOnWrite map into the receiver
// alongside the sender (CoW write handling then falls to
// AddressSpace.HandlePageFault as usual).
func TransferLarge(src, dst *vm.AddressSpace, vaddr, length uint64, mode TransferMode) defs.ErrCode {
	switch mode {
	case Move:
		// TranslateRange takes a reference on every frame, so the
		// sender's Unmap drops only its own and the frames survive for
		// the receiver's mapping.
		frames, err := src.TranslateRange(vaddr, length)
		if err != defs.OK {
			return defs.TransferFailed
		}
		if err := src.Unmap(vaddr, length); err != defs.OK {
			return defs.TransferFailed
		}
		if err := dst.MapAt(vaddr, frames, vm.R|vm.W|vm.User); err != defs.OK {
			return defs.TransferFailed
		}
		return defs.OK
	case Share:
		frames, err := src.TranslateRange(vaddr, length)
		if err != defs.OK {
			return defs.TransferFailed
		}
		if err := dst.MapAt(vaddr, frames, vm.R|vm.W|vm.User|vm.Shared); err != defs.OK {
			return defs.TransferFailed
		}
		return defs.OK
	case CopyOnWrite:
		if err := src.Protect(vaddr, length, vm.R|vm.User|vm.CoW); err != defs.OK {
			return defs.TransferFailed
		}
		frames, err := src.TranslateRange(vaddr, length)
		if err != defs.OK {
			return defs.TransferFailed
		}
		if err := dst.MapAt(vaddr, frames, vm.R|vm.User|vm.CoW); err != defs.OK {
			return defs.TransferFailed
		}
		return defs.OK
	default:
		return defs.TransferFailed
	}
}

// TransferCaps validates that every token in toks is held by src with at
// least the rights it claims, then delegates each into dst. Rejects
// messages carrying more than MaxCapsPerMessage tokens.
func TransferCaps(src, dst *cap.Space, toks []cap.Token) ([]cap.Token, defs.ErrCode) {
	if len(toks) > MaxCapsPerMessage {
		return nil, defs.MessageTooLarge
	}
	out := make([]cap.Token, 0, len(toks))
	for _, tok := range toks {
		_, rights, err := src.Lookup(tok)
		if err != defs.OK {
			return nil, defs.InvalidCapability
		}
		newTok, err := src.Delegate(tok, dst, rights)
		if err != defs.OK {
			return nil, err
		}
		out = append(out, newTok)
	}
	return out, defs.OK
}
