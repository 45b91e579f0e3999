// Package server exposes the operator HTTP/JSON surface: trading state
// control, degradation status and overrides, health, reconciliation results
// and position close requests.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/internal/reconcile"
	"tradecore/internal/risk"
	"tradecore/internal/state"
	apperrors "tradecore/pkg/errors"
)

// TradingControl is the trading FSM slice the API drives.
type TradingControl interface {
	Pause(ctx context.Context, by, reason string) error
	Halt(ctx context.Context, by, reason string) error
	EnableResume(ctx context.Context, by string) error
	Resume(ctx context.Context, by string) error
	Status() state.TradingStatus
}

// ModeControl is the degradation FSM slice the API drives.
type ModeControl interface {
	Status() state.ModeStatus
	ForceOverride(ctx context.Context, mode state.Mode, ttl time.Duration, operator, reason string) error
	Permissions() map[state.ActionType]state.Permission
}

// Stopper executes the kill-switch compound action.
type Stopper interface {
	Execute(ctx context.Context, by, reason string) risk.StopReport
}

// KillSwitchReader reports the switch state for /risk/state.
type KillSwitchReader interface {
	Status() risk.KillSwitchStatus
}

// HealthSource serves the health endpoints.
type HealthSource interface {
	GetStatus() map[string]string
	IsHealthy() bool
	Component(name string) (string, bool)
}

// CloseStarter begins a durable position close.
type CloseStarter interface {
	BeginClose(ctx context.Context, positionID int64, idempotencyKey string, maxRetries int) (*core.CloseRequest, bool, error)
}

// ReconSource serves recent reconciliation output.
type ReconSource interface {
	Recent() []reconcile.Discrepancy
	LastResult() *reconcile.Result
}

// Server is the operator API.
type Server struct {
	cfg             config.ServerConfig
	closeMaxRetries int

	trading    TradingControl
	modes      ModeControl
	stopper    Stopper
	killSwitch KillSwitchReader
	health     HealthSource
	closer     CloseStarter
	recon      ReconSource
	logger     core.ILogger

	srv *http.Server
}

func New(cfg config.ServerConfig, closeMaxRetries int, trading TradingControl,
	modes ModeControl, stopper Stopper, killSwitch KillSwitchReader,
	health HealthSource, closer CloseStarter, recon ReconSource, logger core.ILogger) *Server {
	return &Server{
		cfg:             cfg,
		closeMaxRetries: closeMaxRetries,
		trading:         trading,
		modes:           modes,
		stopper:         stopper,
		killSwitch:      killSwitch,
		health:          health,
		closer:          closer,
		recon:           recon,
		logger:          logger.WithField("component", "api_server"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /risk/state", s.handleRiskState)
	mux.HandleFunc("POST /risk/halt", s.handleHalt)
	mux.HandleFunc("POST /risk/pause", s.handlePause)
	mux.HandleFunc("POST /risk/enable-resume", s.handleEnableResume)
	mux.HandleFunc("POST /risk/resume", s.handleResume)
	mux.HandleFunc("POST /risk/kill-switch", s.handleKillSwitch)

	mux.HandleFunc("GET /degradation/status", s.handleModeStatus)
	mux.HandleFunc("POST /degradation/force", s.handleModeForce)
	mux.HandleFunc("GET /degradation/permissions", s.handlePermissions)

	mux.HandleFunc("GET /health/detailed", s.handleHealthDetailed)
	mux.HandleFunc("GET /health/component/{name}", s.handleHealthComponent)

	mux.HandleFunc("GET /reconciliation/recent", s.handleReconRecent)
	mux.HandleFunc("POST /positions/{id}/close", s.handlePositionClose)

	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() {
	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	go func() {
		s.logger.Info("api server listening", "port", s.cfg.Port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// apiError is the structured error body.
type apiError struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apperrors.Classify(err)
	s.writeJSON(w, statusFor(kind), apiError{ErrorKind: string(kind), Message: err.Error()})
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, apiError{ErrorKind: string(apperrors.KindPolicy), Message: msg})
}

// statusFor maps error kinds to HTTP statuses: policy and programmer errors
// are the caller's fault, permanent conflicts are 409, the rest is the
// system's fault.
func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindPolicy, apperrors.KindProgrammer:
		return http.StatusBadRequest
	case apperrors.KindPermanent:
		return http.StatusConflict
	case apperrors.KindIntegrity:
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

func decodeBody(r *http.Request, into any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
