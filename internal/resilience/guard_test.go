package resilience_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/gatebud/internal/resilience"
	"github.com/MrWong99/gatebud/pkg/provider/s2s"
	s2smock "github.com/MrWong99/gatebud/pkg/provider/s2s/mock"
)

func TestGuard_OpensAfterDialFailures(t *testing.T) {
	t.Parallel()

	next := &s2smock.Provider{ConnectErr: errors.New("dial refused")}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "gemini-live",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
		Logger:       slog.New(slog.DiscardHandler),
	})
	g := resilience.Guard(next, cb)

	for range 2 {
		if _, err := g.Connect(context.Background(), s2s.SessionConfig{}); err == nil {
			t.Fatal("expected dial error")
		}
	}
	_, err := g.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if n := next.ConnectCount(); n != 2 {
		t.Errorf("dialled %d times, want 2", n)
	}
	if g.Breaker().State() != resilience.StateOpen {
		t.Errorf("breaker state = %v", g.Breaker().State())
	}
}

func TestGuard_PassesThroughSessions(t *testing.T) {
	t.Parallel()

	next := &s2smock.Provider{ProviderCapabilities: s2s.Capabilities{Voices: []string{"Zephyr"}}}
	g := resilience.Guard(next, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{}))

	h, err := g.Connect(context.Background(), s2s.SessionConfig{Voice: "Zephyr"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h != next.LastSession() {
		t.Error("Connect returned a different handle")
	}
	if got := g.Capabilities().Voices; len(got) != 1 || got[0] != "Zephyr" {
		t.Errorf("Capabilities().Voices = %v", got)
	}
}
