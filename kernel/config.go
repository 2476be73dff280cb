// Package kernel wires every subsystem package (mem, cap, proc, sched,
// ipc, vm) together: the boot sequence, the combined per-CPU IPI
// handler, the syscall dispatch table, and kernel-wide configuration
// defaults. It sits at the top of the dependency order: arch -> MM ->
// CAP -> PM -> SCHED -> IPC -> kernel.
package kernel

import "golang.org/x/time/rate"

// Config holds the kernel-wide tunables that have no single hard-coded
// invariant; DESIGN.md records the rationale behind each default.
//
// Boot stores the Config on the Kernel but does not pass its fields to
// the subsystems: capability spaces use cap.DefaultQuota, endpoints use
// ipc.DefaultRateLimit and ipc.DefaultRateBurst, TransferCaps uses
// ipc.MaxCapsPerMessage, and sched.TickInterval is the tick period. Those
// constants hold the same values as DefaultConfig, so changing a Config
// field has no effect on a booted kernel.
type Config struct {
	// DefaultCapQuota is the per-process capability count limit.
	DefaultCapQuota int

	// TimerTickMillis is the scheduler timer-tick period.
	TimerTickMillis int

	// MaxCapsPerIPCMessage bounds capability transfer per message.
	MaxCapsPerIPCMessage int

	// EndpointRateLimit and EndpointRateBurst configure each endpoint's
	// per-sender token bucket rate limiting.
	EndpointRateLimit rate.Limit
	EndpointRateBurst int
}

// DefaultConfig returns the kernel's resolved defaults. See DESIGN.md for
// the rationale behind each Open Question resolution.
func DefaultConfig() Config {
	return Config{
		DefaultCapQuota: 256,
		TimerTickMillis: 10,
		MaxCapsPerIPCMessage: 8,
		EndpointRateLimit: 1000,
		EndpointRateBurst: 64,
	}
}
