package browser

import "sync"

// gate mirrors the session's control state for agent actions. Admission
// waits on its change channel while the session is paused or under user
// control, and fails fast once the browser is stopping.
type gate struct {
	mu       sync.Mutex
	paused   bool
	stopping bool
	changed  chan struct{}
}

func newGate() *gate {
	return &gate{changed: make(chan struct{})}
}

// signalLocked wakes every waiter so it re-checks the gate.
func (g *gate) signalLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// setPaused wakes waiters even when the flag is unchanged, since the
// session state behind it may have moved.
func (g *gate) setPaused(paused bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.paused = paused
	g.signalLocked()
}

func (g *gate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopping {
		return
	}
	g.stopping = true
	g.signalLocked()
}

// poke wakes waiters without changing the gate, so they re-check the
// session state.
func (g *gate) poke() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signalLocked()
}

// snapshot returns the gate flags and the channel closed on the next change.
func (g *gate) snapshot() (paused, stopping bool, changed <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused, g.stopping, g.changed
}

func (g *gate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func (g *gate) isStopping() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopping
}
