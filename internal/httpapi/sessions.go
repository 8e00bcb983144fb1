package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/sessiond/internal/session"
)

type openSessionRequest struct {
	Model           string `json:"model"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req openSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "model is required")
		return
	}

	ctx := r.Context()
	target, err := s.models.Resolve(ctx, req.Model)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	sess, err := s.sessions.CreateSession(ctx, caller, target, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	sessions, err := s.store.ActiveByCaller(r.Context(), caller)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	if sess.CallerID != caller {
		respondError(w, http.StatusNotFound, "not_found_error", "session not found")
		return
	}
	if r.URL.Query().Get("verify") == "true" {
		alive, err := s.sessions.VerifySessionStatus(r.Context(), id)
		if err != nil {
			respondUpstreamError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"session": sess, "alive": alive})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	if sess.CallerID != caller {
		respondError(w, http.StatusNotFound, "not_found_error", "session not found")
		return
	}
	closed, err := s.sessions.CloseSession(r.Context(), id)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"closed": closed})
}
