// Package httpapi is the thin, OpenAI-shaped consumer surface over the
// session core. Handlers translate request shapes and delegate; they hold no
// session logic of their own.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/sessiond/internal/capacity"
	"github.com/antoniostano/sessiond/internal/config"
	"github.com/antoniostano/sessiond/internal/keystore"
	"github.com/antoniostano/sessiond/internal/modelcache"
	"github.com/antoniostano/sessiond/internal/observability"
	"github.com/antoniostano/sessiond/internal/proxyrouter"
	"github.com/antoniostano/sessiond/internal/session"
)

type Server struct {
	cfg      config.Config
	router   *capacity.Router
	sessions *session.Service
	store    session.Store
	proxy    *proxyrouter.Client
	models   *modelcache.Cache
	keys     keystore.Store
	metrics  *observability.Metrics
	events   *EventHub
	upgrader websocket.Upgrader
}

func New(cfg config.Config, router *capacity.Router, sessions *session.Service, store session.Store, proxy *proxyrouter.Client, models *modelcache.Cache, keys keystore.Store, metrics *observability.Metrics, events *EventHub) *Server {
	return &Server{
		cfg:      cfg,
		router:   router,
		sessions: sessions,
		store:    store,
		proxy:    proxy,
		models:   models,
		keys:     keys,
		metrics:  metrics,
		events:   events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/embeddings", s.handleEmbeddings)
	r.Post("/v1/audio/transcriptions", s.handleAudioTranscription)
	r.Post("/v1/audio/speech", s.handleAudioSpeech)
	r.Get("/v1/models", s.handleListModels)

	r.Post("/v1/sessions", s.handleOpenSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/events", s.handleSessionEvents)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/close", s.handleCloseSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.proxy.Healthcheck(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"router": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// callerID authenticates the request to a caller identity. Key issuance and
// hashing live outside this service; the bearer key is the identity here.
func callerID(r *http.Request) (string, bool) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		if key := strings.TrimSpace(auth[len("bearer "):]); key != "" {
			return key, true
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, true
	}
	return "", false
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := callerID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication_error", "missing API key")
	}
	return id, ok
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func respondError(w http.ResponseWriter, status int, kind, message string) {
	respondJSON(w, status, errorResponse{Error: errorBody{Message: message, Type: kind}})
}

// respondUpstreamError maps a core failure onto the public error shape using
// the taxonomy kind and the upstream status when known.
func respondUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, modelcache.ErrNotFound) {
		respondError(w, http.StatusNotFound, string(proxyrouter.KindNotFound), err.Error())
		return
	}
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, string(proxyrouter.KindNotFound), err.Error())
		return
	}
	var re *proxyrouter.Error
	if errors.As(err, &re) {
		respondError(w, re.HTTPStatus(), string(re.Kind), re.Message)
		return
	}
	respondError(w, http.StatusInternalServerError, string(proxyrouter.KindUnknown), err.Error())
}
