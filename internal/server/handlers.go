package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradecore/internal/state"
)

type operatorRequest struct {
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason"`
}

func (s *Server) handleRiskState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"trading":     s.trading.Status(),
		"kill_switch": s.killSwitch.Status(),
		"mode":        s.modes.Status(),
	})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		s.writeBadRequest(w, "reason is required")
		return
	}
	if err := s.trading.Halt(r.Context(), orDefault(req.OperatorID, "api"), req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.trading.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	reason := orDefault(req.Reason, "operator pause")
	if err := s.trading.Pause(r.Context(), orDefault(req.OperatorID, "api"), reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.trading.Status())
}

func (s *Server) handleEnableResume(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := s.trading.EnableResume(r.Context(), orDefault(req.OperatorID, "api")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.trading.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := s.trading.Resume(r.Context(), orDefault(req.OperatorID, "api")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.trading.Status())
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.OperatorID == "" {
		s.writeBadRequest(w, "operator_id is required")
		return
	}
	report := s.stopper.Execute(r.Context(), req.OperatorID, orDefault(req.Reason, "kill switch"))
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleModeStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.modes.Status())
}

type forceRequest struct {
	Mode       string `json:"mode"`
	TTLSeconds int    `json:"ttl_seconds"`
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason"`
}

func (s *Server) handleModeForce(w http.ResponseWriter, r *http.Request) {
	var req forceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.OperatorID == "" {
		s.writeBadRequest(w, "operator_id is required")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	err := s.modes.ForceOverride(r.Context(), state.Mode(req.Mode), ttl, req.OperatorID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.modes.Status())
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	st := s.modes.Status()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"mode":        st.Mode,
		"stage":       st.Stage,
		"permissions": s.modes.Permissions(),
	})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	components := s.health.GetStatus()
	healthy := s.health.IsHealthy()
	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	s.writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": components,
		"mode":       s.modes.Status().Mode,
	})
}

func (s *Server) handleHealthComponent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	st, ok := s.health.Component(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, apiError{
			ErrorKind: "policy", Message: "unknown component " + name})
		return
	}
	status := http.StatusOK
	if st != "Healthy" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"component": name, "status": st})
}

func (s *Server) handleReconRecent(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"last_run":      s.recon.LastResult(),
		"discrepancies": s.recon.Recent(),
	})
}

type closeRequestBody struct {
	Reason string `json:"reason"`
}

type closeResponse struct {
	CloseRequestID string `json:"close_request_id"`
	PositionID     int64  `json:"position_id"`
	Symbol         string `json:"symbol"`
	Status         string `json:"status"`
	TargetQty      string `json:"target_qty"`
	Replayed       bool   `json:"replayed"`
}

func (s *Server) handlePositionClose(w http.ResponseWriter, r *http.Request) {
	positionID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeBadRequest(w, "invalid position id")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		s.writeBadRequest(w, "Idempotency-Key header is required")
		return
	}
	var body closeRequestBody
	if err := decodeBody(r, &body); err != nil {
		s.writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	cr, created, err := s.closer.BeginClose(r.Context(), positionID, key, s.closeMaxRetries)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			s.writeJSON(w, http.StatusNotFound, apiError{
				ErrorKind: "policy", Message: err.Error()})
			return
		}
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.logger.Info("close request accepted",
			"position_id", positionID, "close_request_id", cr.ID, "reason", body.Reason)
	}
	s.writeJSON(w, status, closeResponse{
		CloseRequestID: cr.ID,
		PositionID:     cr.PositionID,
		Symbol:         cr.Symbol,
		Status:         string(cr.Status),
		TargetQty:      cr.TargetQty.String(),
		Replayed:       !created,
	})
}
