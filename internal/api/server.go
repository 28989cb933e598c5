// Package api exposes the recording controls over HTTP and the live
// transcript feed over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/session-recorder/internal/audio"
	"github.com/lexiqai/session-recorder/internal/observability"
	"github.com/lexiqai/session-recorder/internal/session"
)

// Controller is the session lifecycle surface served over HTTP
type Controller interface {
	Start(ctx context.Context, title string) (*session.RecordingSession, error)
	Pause() (*session.RecordingSession, error)
	Resume(ctx context.Context) (*session.RecordingSession, error)
	Interrupt(ctx context.Context, began bool) (*session.RecordingSession, error)
	Stop(ctx context.Context) (*session.RecordingSession, error)
	Current() (*session.RecordingSession, error)
	Session(id string) (*session.RecordingSession, error)
	Sessions() []*session.RecordingSession
	Subscribe() (<-chan session.ChunkEvent, func())
}

// Archive looks up sessions persisted by earlier runs
type Archive interface {
	GetSession(ctx context.Context, id string) (*session.RecordingSession, error)
	ListSessions(ctx context.Context, limit int) ([]*session.RecordingSession, error)
}

// StatusFunc reports a point-in-time view of one component
type StatusFunc func() any

// Server routes the control API
type Server struct {
	controller Controller
	archive    Archive
	hub        *Hub
	logger     zerolog.Logger

	statusMu sync.Mutex
	status   map[string]StatusFunc
}

// NewServer creates the API. archive may be nil.
func NewServer(controller Controller, archive Archive) *Server {
	return &Server{
		controller: controller,
		archive:    archive,
		hub:        NewHub(controller),
		logger:     observability.Component("api"),
		status:     make(map[string]StatusFunc),
	}
}

// AddStatus exposes a component's state under GET /status
func (s *Server) AddStatus(name string, fn StatusFunc) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status[name] = fn
}

// Register adds the session routes to mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", s.handleStart)
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("GET /sessions/current", s.handleCurrent)
	mux.HandleFunc("POST /sessions/current/pause", s.handlePause)
	mux.HandleFunc("POST /sessions/current/resume", s.handleResume)
	mux.HandleFunc("POST /sessions/current/stop", s.handleStop)
	mux.HandleFunc("POST /sessions/current/interruption", s.handleInterruption)
	mux.HandleFunc("GET /sessions/live", s.hub.HandleWS)
	mux.HandleFunc("GET /sessions/history", s.handleHistory)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sessions/{id}", s.handleGet)
}

// Hub returns the live feed hub
func (s *Server) Hub() *Hub {
	return s.hub
}

type startRequest struct {
	Title string `json:"title"`
}

type interruptionRequest struct {
	Began bool `json:"began"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	rs, err := s.controller.Start(r.Context(), req.Title)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rs)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Sessions())
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	rs, err := s.controller.Current()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	rs, err := s.controller.Pause()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	rs, err := s.controller.Resume(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleInterruption(w http.ResponseWriter, r *http.Request) {
	var req interruptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be {\"began\": bool}"})
		return
	}

	rs, err := s.controller.Interrupt(r.Context(), req.Began)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	// a client hanging up must not cut the drain short
	rs, err := s.controller.Stop(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rs, err := s.controller.Session(id)
	if errors.Is(err, session.ErrSessionNotFound) && s.archive != nil {
		rs, err = s.archive.GetSession(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session persistence is not configured"})
		return
	}

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	sessions, err := s.archive.ListSessions(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*session.RecordingSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.statusMu.Lock()
	out := make(map[string]any, len(s.status)+1)
	for name, fn := range s.status {
		out[name] = fn()
	}
	s.statusMu.Unlock()

	out["live_feed_clients"] = s.hub.Clients()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNoActiveSession), errors.Is(err, session.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, audio.ErrInvalidState):
		status = http.StatusConflict
	default:
		s.logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decodeOptional decodes a JSON body, accepting an empty one
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
