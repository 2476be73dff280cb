// Package defs holds the error taxonomy and shared identifier types used
// across every kernel subsystem. Kernel-internal calls return a tagged
// result (ErrCode) rather than a Go error value with a dynamic message,
// because the caller (often another subsystem, ultimately the syscall
// boundary) needs a stable, comparable failure kind, not a formatted
// string.
package defs

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrCode is a kernel result tag. Zero (OK) always means success.
type ErrCode int

const (
	OK ErrCode = iota
	// Resource exhaustion.
	OutOfMemory
	IdExhausted
	QuotaExceeded
	// Permission / validation.
	InvalidCapability
	PermissionDenied
	InvalidArgument
	NotMapped
	Overlap
	InsufficientFrames
	InvalidAlignment
	NoPermission
	// Lookup.
	NotFound
	PidNotFound
	InvalidTid
	ChildNotReady
	// Concurrency.
	WouldBlock
	TimedOut
	Cancelled
	ChannelClosed
	// Transient transport.
	RateLimited
	TransferFailed
	MessageTooLarge
	Overflow
)

var names = map[ErrCode]string{
	OK: "ok",
	OutOfMemory: "out of memory",
	IdExhausted: "id exhausted",
	QuotaExceeded: "quota exceeded",
	InvalidCapability: "invalid capability",
	PermissionDenied: "permission denied",
	InvalidArgument: "invalid argument",
	NotMapped: "not mapped",
	Overlap: "overlapping mapping",
	InsufficientFrames: "insufficient frames",
	InvalidAlignment: "invalid alignment",
	NoPermission: "no permission",
	NotFound: "not found",
	PidNotFound: "pid not found",
	InvalidTid: "invalid tid",
	ChildNotReady: "child not ready",
	WouldBlock: "would block",
	TimedOut: "timed out",
	Cancelled: "cancelled",
	ChannelClosed: "channel closed",
	RateLimited: "rate limited",
	TransferFailed: "transfer failed",
	MessageTooLarge: "message too large",
	Overflow: "overflow",
}

// Error satisfies the error interface so ErrCode can be returned from Go
// functions that want standard error handling at the call site while still
// carrying a comparable, switchable tag.
func (e ErrCode) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("errcode(%d)", int(e))
}

// Log is the kernel-wide structured logger. Subsystems attach a
// "subsystem" field rather than constructing their own logger instance,
// so diagnostics interleave coherently regardless of which goroutine
// ("CPU") emitted them.
var Log = logrus.New()

func init() {
	Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// WithSubsystem returns a logger entry tagged for the named subsystem.
func WithSubsystem(name string) *logrus.Entry {
	return Log.WithField("subsystem", name)
}

// Fatalf logs a structured diagnostic and panics. Used exclusively for
// kernel-internal invariant violations (double-free, corruption,
// unreachable state) -- never for caller-reachable errors, which must
// return an ErrCode instead.
func Fatalf(subsystem, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	WithSubsystem(subsystem).Error(msg)
	panic(fmt.Sprintf("[%s] fatal: %s", subsystem, msg))
}

// Pid is a process identifier, unique while live.
type Pid uint64

// Tid is a thread identifier, unique within its owning process.
type Tid uint64

// Cpu is a CPU index.
type Cpu int
