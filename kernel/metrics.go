package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/google/pprof/profile"
)

// Metrics accumulates per-subsystem counters sampled periodically.
// Counter names are free-form subsystem-chosen strings
// ("sched.contextSwitches", "ipc.sendFastPath", "cap.revocations", ...)
// rather than a fixed struct, so new subsystems can add counters without
// touching this package.
type Metrics struct {
	mu       sync.Mutex
	counters map[string]*int64
}

// NewMetrics constructs an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{counters: make(map[string]*int64)}
}

func (m *Metrics) slot(name string) *int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[name]
	if !ok {
		c = new(int64)
		m.counters[name] = c
	}
	return c
}

// Inc increments the named counter by delta.
func (m *Metrics) Inc(name string, delta int64) {
	atomic.AddInt64(m.slot(name), delta)
}

// Snapshot returns a consistent copy of every counter's current value.
func (m *Metrics) Snapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counters))
	for name, c := range m.counters {
		out[name] = atomic.LoadInt64(c)
	}
	return out
}

// Profile renders the current snapshot as a github.com/google/pprof
// profile.Profile, one sample per counter, so kernel statistics can be
// written out and inspected with standard pprof tooling for offline
// analysis of run-queue and IPC contention.
func (m *Metrics) Profile() *profile.Profile {
	snap := m.Snapshot()

	fn := &profile.Function{ID: 1, Name: "kernel.counters", SystemName: "kernel.counters"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn, Line: 0}}}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "count", Unit: "count"}},
		Function:   []*profile.Function{fn},
		Location:   []*profile.Location{loc},
	}

	for name, v := range snap {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{v},
			Label:    map[string][]string{"counter": {name}},
		})
	}
	return p
}
