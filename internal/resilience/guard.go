package resilience

import (
	"context"

	"github.com/MrWong99/gatebud/pkg/provider/s2s"
)

var _ s2s.Provider = (*GuardedProvider)(nil)

// GuardedProvider is an [s2s.Provider] whose Connect runs through a
// [CircuitBreaker]. Established sessions are not affected.
type GuardedProvider struct {
	next    s2s.Provider
	breaker *CircuitBreaker
}

// Guard wraps next with cb.
func Guard(next s2s.Provider, cb *CircuitBreaker) *GuardedProvider {
	return &GuardedProvider{next: next, breaker: cb}
}

// Connect opens a session through the breaker. It returns [ErrCircuitOpen]
// without dialling while the breaker is open.
func (g *GuardedProvider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var h s2s.SessionHandle
	err := g.breaker.Execute(func() error {
		var err error
		h, err = g.next.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Capabilities returns the wrapped provider's capabilities.
func (g *GuardedProvider) Capabilities() s2s.Capabilities {
	return g.next.Capabilities()
}

// Breaker returns the circuit breaker guarding Connect.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.breaker }
