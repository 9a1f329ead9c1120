package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/gatebud/internal/config"
	"github.com/MrWong99/gatebud/internal/health"
	"github.com/MrWong99/gatebud/internal/observe"
	"github.com/MrWong99/gatebud/internal/resilience"
	"github.com/MrWong99/gatebud/internal/session"
)

// statusResponse is the JSON body of every control endpoint.
type statusResponse struct {
	State     string `json:"state"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	checks := health.New(
		health.Checker{Name: "provider", Check: a.checkProvider},
		health.Checker{Name: "session", Check: a.checkSession},
	)
	checks.Register(mux)

	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("POST /toggle", a.handleToggle)
	mux.HandleFunc("POST /start", a.handleStart)
	mux.HandleFunc("POST /stop", a.handleStop)
	if a.telemetry != nil && a.telemetry.Handler != nil {
		mux.Handle("GET /metrics", a.telemetry.Handler)
	}

	return observe.Middleware(a.metrics, a.log)(mux)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.writeStatus(w, http.StatusOK)
}

func (a *App) handleToggle(w http.ResponseWriter, r *http.Request) {
	// The conversation outlives the request.
	err := a.session.Toggle(context.WithoutCancel(r.Context()))
	a.writeStatus(w, statusCode(err))
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	err := a.session.Start(context.WithoutCancel(r.Context()))
	a.writeStatus(w, statusCode(err))
}

func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	_ = a.session.Stop()
	a.writeStatus(w, http.StatusOK)
}

func (a *App) writeStatus(w http.ResponseWriter, code int) {
	st := a.session.Status()
	res := statusResponse{
		State:     st.State.String(),
		Message:   st.Message(),
		SessionID: a.session.ID(),
	}
	if st.Err != nil {
		res.Error = st.Err.Error()
	}
	health.WriteJSON(w, code, res)
}

// statusCode maps a Start/Toggle error to an HTTP status.
func statusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrStartAborted):
		return http.StatusConflict
	case errors.Is(err, session.ErrDeviceAcquisition):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrTransportOpen):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) checkProvider(context.Context) error {
	cfg := a.config()
	if cfg.Provider.Name == config.DefaultProvider && cfg.Provider.APIKey == "" {
		return errors.New("api key not configured")
	}
	if g, ok := a.providers.S2S.(*resilience.GuardedProvider); ok && g.Breaker().State() == resilience.StateOpen {
		return errors.New("circuit breaker open")
	}
	return nil
}

func (a *App) checkSession(context.Context) error {
	if st := a.session.Status(); st.State == session.StateError {
		return st.Err
	}
	return nil
}
