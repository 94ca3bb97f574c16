package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/psoagent/internal/session"
)

type StatusResponse struct {
	Operator           string           `json:"operator"`
	Session            session.Snapshot `json:"session"`
	ReconnectState     string           `json:"reconnectState,omitempty"`
	ReconnectAttempt   int              `json:"reconnectAttempt"`
	SignalingConnected bool             `json:"signalingConnected"`
	PreviewAt          *time.Time       `json:"previewAt,omitempty"`
}

type VisibilityRequest struct {
	Visible *bool `json:"visible"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Operator: s.deps.Operator}
	if s.deps.Session != nil {
		resp.Session = s.deps.Session.Snapshot()
	}
	if s.deps.Engine != nil {
		resp.ReconnectState = string(s.deps.Engine.State())
		resp.ReconnectAttempt = s.deps.Engine.Attempt()
	}
	if s.deps.Signaling != nil {
		resp.SignalingConnected = s.deps.Signaling.Connected()
	}
	if s.deps.Preview != nil {
		if f := s.deps.Preview.Latest(); f != nil {
			at := f.Captured
			resp.PreviewAt = &at
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePreview serves the most recent JPEG, or 404 while nothing is captured.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Preview == nil {
		writeError(w, http.StatusNotFound, "preview disabled")
		return
	}
	f := s.deps.Preview.Latest()
	if f == nil || len(f.JPEG) == 0 {
		writeError(w, http.StatusNotFound, "no frame captured")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(f.JPEG)))
	w.Header().Set("Last-Modified", f.Captured.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.JPEG)
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	if s.deps.Visibility == nil {
		writeError(w, http.StatusServiceUnavailable, "visibility not supported")
		return
	}
	var req VisibilityRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.Visible == nil {
		writeError(w, http.StatusBadRequest, `body must be {"visible": true|false}`)
		return
	}
	s.deps.Visibility.SetVisible(*req.Visible)
	s.logger.Info("Console visibility changed", zap.Bool("visible", *req.Visible))
	w.WriteHeader(http.StatusNoContent)
}
