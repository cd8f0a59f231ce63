package session

import (
	"sync"

	"github.com/graaaaa/capsule-bridge/internal/message"
)

// Guard holds whether leaving the page must be confirmed.
type Guard struct {
	emitter message.Emitter

	mu    sync.Mutex
	value bool
}

// NewGuard returns a guard that does not ask for confirmation.
func NewGuard(emitter message.Emitter) *Guard {
	return &Guard{emitter: emitter}
}

// Set updates the flag and notifies the UI when it changes.
func (g *Guard) Set(v bool) {
	g.mu.Lock()
	changed := g.value != v
	g.value = v
	g.mu.Unlock()
	if changed {
		g.emitter.Emit(message.BeforeUnloadChanged{Value: v})
	}
}

// Value reports whether leaving must be confirmed.
func (g *Guard) Value() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}
