package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func signalled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestGate_OpenByDefault(t *testing.T) {
	paused, stopping, changed := newGate().snapshot()
	assert.False(t, paused)
	assert.False(t, stopping)
	assert.False(t, signalled(changed))
}

func TestGate_SetPausedWakesWaiters(t *testing.T) {
	g := newGate()

	_, _, changed := g.snapshot()
	g.setPaused(true)
	assert.True(t, signalled(changed))
	assert.True(t, g.isPaused())

	// An unchanged flag still wakes waiters so they re-read the session.
	_, _, changed = g.snapshot()
	g.setPaused(true)
	assert.True(t, signalled(changed))

	_, _, changed = g.snapshot()
	g.setPaused(false)
	assert.True(t, signalled(changed))
	assert.False(t, g.isPaused())
}

func TestGate_PokeKeepsFlags(t *testing.T) {
	g := newGate()
	g.setPaused(true)

	_, _, changed := g.snapshot()
	g.poke()
	assert.True(t, signalled(changed))

	paused, stopping, next := g.snapshot()
	assert.True(t, paused)
	assert.False(t, stopping)
	assert.False(t, signalled(next))
}

func TestGate_StopIsSticky(t *testing.T) {
	g := newGate()
	g.setPaused(true)

	_, _, changed := g.snapshot()
	g.stop()
	assert.True(t, signalled(changed))
	assert.True(t, g.isStopping())

	g.setPaused(false)
	_, stopping, _ := g.snapshot()
	assert.True(t, stopping)

	// A second stop does not signal again.
	_, _, changed = g.snapshot()
	g.stop()
	assert.False(t, signalled(changed))
}
