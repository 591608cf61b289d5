// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/user/fedlink/internal/link"
	"github.com/user/fedlink/internal/registry"
	"github.com/user/fedlink/internal/session"
	"github.com/user/fedlink/internal/types"
)

// Controller is the session surface the API drives.
type Controller interface {
	Start(ctx context.Context, p session.Params) (*types.SessionIndex, error)
	Stop(ctx context.Context) (*types.SessionIndex, error)
	Status() session.Snapshot
	SetCaptureSource(id types.DeviceID, index *int) error
	DeviceCommand(ctx context.Context, id types.DeviceID, cmd link.Command) error
}

// Server is the HTTP control surface for the daemon.
type Server struct {
	ctrl     Controller
	devices  func() []types.Device
	ports    func() []types.PortState
	sessions types.SessionStore
	journal  types.Journal
	defaults session.Params
	mux      *http.ServeMux
}

// NewServer wires the routes. defaults fill fields a start request leaves
// empty. sessions and journal may be nil.
func NewServer(ctrl Controller, devices func() []types.Device, ports func() []types.PortState, sessions types.SessionStore, journal types.Journal, defaults session.Params) *Server {
	s := &Server{
		ctrl:     ctrl,
		devices:  devices,
		ports:    ports,
		sessions: sessions,
		journal:  journal,
		defaults: defaults,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/session", s.handleSession)
	s.mux.HandleFunc("POST /api/session/start", s.handleStart)
	s.mux.HandleFunc("POST /api/session/stop", s.handleStop)
	s.mux.HandleFunc("GET /api/devices", s.handleDevices)
	s.mux.HandleFunc("PUT /api/devices/{id}/capture", s.handleCapture)
	s.mux.HandleFunc("POST /api/devices/{id}/command", s.handleCommand)
	s.mux.HandleFunc("GET /api/ports", s.handlePorts)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidParams), errors.Is(err, session.ErrSharedCapture):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotIdle), errors.Is(err, session.ErrNotActive), errors.Is(err, session.ErrOffline):
		return http.StatusConflict
	case errors.Is(err, registry.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, link.ErrCommandFailed):
		return http.StatusBadGateway
	case errors.Is(err, link.ErrNoReply):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var p session.Params
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	p = s.withDefaults(p)

	info, err := s.ctrl.Start(r.Context(), p)
	if err != nil {
		slog.Warn("session start rejected", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) withDefaults(p session.Params) session.Params {
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&p.Experimenter, s.defaults.Experimenter)
	fill(&p.Experiment, s.defaults.Experiment)
	fill(&p.OutputDir, s.defaults.OutputDir)
	fill(&p.Credentials, s.defaults.Credentials)
	fill(&p.SpreadsheetID, s.defaults.SpreadsheetID)
	fill(&p.Trigger, s.defaults.Trigger)
	return p
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	info, err := s.ctrl.Stop(r.Context())
	if err != nil && info == nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if err != nil {
		slog.Error("session stopped with errors", "session_id", string(info.SessionID), "error", err)
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.devices()
	if devices == nil {
		devices = []types.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports := s.ports()
	if ports == nil {
		ports = []types.PortState{}
	}
	writeJSON(w, http.StatusOK, ports)
}

type captureRequest struct {
	Index *int `json:"index"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	id := types.DeviceID(r.PathValue("id"))
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Index != nil && *req.Index < 0 {
		writeError(w, http.StatusBadRequest, "index must not be negative")
		return
	}
	if err := s.ctrl.SetCaptureSource(id, req.Index); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": id, "index": req.Index})
}

type commandRequest struct {
	Command string `json:"command"`
	Mode    *int   `json:"mode,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := types.DeviceID(r.PathValue("id"))
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var cmd link.Command
	switch req.Command {
	case "sync-time":
		cmd = link.SyncTimeCommand(time.Now())
	case "set-mode":
		if req.Mode == nil || *req.Mode < 0 {
			writeError(w, http.StatusBadRequest, "set-mode needs a non-negative mode")
			return
		}
		cmd = link.SetModeCommand(*req.Mode)
	default:
		writeError(w, http.StatusBadRequest, "command must be sync-time or set-mode")
		return
	}

	if err := s.ctrl.DeviceCommand(r.Context(), id, cmd); err != nil {
		slog.Warn("device command failed", "device", string(id), "command", cmd.Name, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": id, "command": cmd.Name, "status": "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session index not configured")
		return
	}
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if sessions == nil {
		sessions = []*types.SessionIndex{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	id := types.SessionID(r.PathValue("id"))

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.journal.Tail(r.Context(), id, limit)
	if err != nil {
		slog.Error("tail journal failed", "session_id", string(id), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entries == nil {
		entries = []*types.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
