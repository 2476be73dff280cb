package proc

import "sync"

// note is per-thread cancellation state: a thread can be marked "killed"
// from any other thread, and anything blocking on behalf of that thread
// observes it via Killch closing. Locating the current thread's note via
// a goroutine-local lookup has no portable standard-library hook, so the
// *Thread carries its own note directly instead.
type note struct {
	mu       sync.Mutex
	killed   bool
	isDoomed bool

	killCh chan struct{} // closed exactly once, when Kill is first called
	once   sync.Once
}

func newNote() *note {
	return &note{killCh: make(chan struct{})}
}

// Kill marks the thread doomed and unblocks anything waiting on Killch.
// Safe to call multiple times or concurrently; only the first call has
// effect.
func (n *note) Kill() {
	n.mu.Lock()
	n.killed = true
	n.isDoomed = true
	n.mu.Unlock()
	n.once.Do(func() { close(n.killCh) })
}

// Killed reports whether Kill has been called.
func (n *note) Killed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.killed
}

// Doomed reports whether the thread is marked as doomed (kept distinct
// from Killed; in this simulation the two are set together).
func (n *note) Doomed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isDoomed
}

// Killch returns the channel that closes exactly once Kill has been
// called, for use in a select alongside a wake channel or a deadline
// timer.
func (n *note) Killch() <-chan struct{} {
	return n.killCh
}
