package resilience

import (
	"context"
	"sync"
)

// Waker is a device that can be woken. *device.Device satisfies it.
type Waker interface {
	Identity() string
	EnsureAwake(ctx context.Context) error
}

// WakeGuard keeps one [CircuitBreaker] per device identity so a device that
// keeps failing to open is skipped until its reset timeout elapses.
type WakeGuard struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewWakeGuard returns a guard whose breakers use cfg. cfg.Name is replaced
// by the device identity.
func NewWakeGuard(cfg CircuitBreakerConfig) *WakeGuard {
	return &WakeGuard{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

func (g *WakeGuard) breaker(id string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[id]
	if !ok {
		cfg := g.cfg
		cfg.Name = "wake " + id
		cb = NewCircuitBreaker(cfg)
		g.breakers[id] = cb
	}
	return cb
}

// Wake calls d.EnsureAwake through d's breaker. It returns [ErrCircuitOpen]
// without touching the hardware while the breaker is open.
func (g *WakeGuard) Wake(ctx context.Context, d Waker) error {
	return g.breaker(d.Identity()).Execute(func() error {
		return d.EnsureAwake(ctx)
	})
}

// State reports the breaker state for identity. Unknown identities are
// closed.
func (g *WakeGuard) State(identity string) State {
	g.mu.Lock()
	cb, ok := g.breakers[identity]
	g.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return cb.State()
}

// Forget drops the breaker for identity, e.g. after the device was evicted.
func (g *WakeGuard) Forget(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakers, identity)
}
