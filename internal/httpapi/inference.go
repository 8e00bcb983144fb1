package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/antoniostano/sessiond/internal/proxyrouter"
	"github.com/antoniostano/sessiond/internal/session"
)

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req proxyrouter.EmbeddingsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "model is required")
		return
	}

	s.passThrough(w, r, caller, req.Model, "application/json", func(ctx context.Context, sess *session.Session, secret string) ([]byte, error) {
		return s.proxy.Embeddings(ctx, sess.ID, secret, req)
	})
}

func (s *Server) handleAudioTranscription(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	model := strings.TrimSpace(r.FormValue("model"))
	if model == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "model is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "file is required")
		return
	}
	defer file.Close()
	// Buffer the upload so an expiry-recovery replay can resend it.
	audio, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	s.passThrough(w, r, caller, model, "application/json", func(ctx context.Context, sess *session.Session, secret string) ([]byte, error) {
		return s.proxy.AudioTranscription(ctx, sess.ID, secret, model, header.Filename, bytes.NewReader(audio))
	})
}

func (s *Server) handleAudioSpeech(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req proxyrouter.SpeechRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if strings.TrimSpace(req.Model) == "" || strings.TrimSpace(req.Input) == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "model and input are required")
		return
	}

	s.passThrough(w, r, caller, req.Model, "application/octet-stream", func(ctx context.Context, sess *session.Session, secret string) ([]byte, error) {
		return s.proxy.AudioSpeech(ctx, sess.ID, secret, req)
	})
}

// passThrough routes a unary inference call through the capacity router with
// busy/idle bookkeeping and expiry recovery.
func (s *Server) passThrough(w http.ResponseWriter, r *http.Request, caller, model, contentType string, call func(context.Context, *session.Session, string) ([]byte, error)) {
	ctx := r.Context()
	secret, _, err := s.keys.PrivateKeyWithFallback(ctx, caller)
	if err != nil {
		respondError(w, http.StatusForbidden, "authorization_error", err.Error())
		return
	}
	sess, err := s.router.RouteRequest(ctx, caller, model)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	if err := s.router.MarkSessionBusy(ctx, sess.ID); err != nil && err != session.ErrNotFound {
		respondUpstreamError(w, err)
		return
	}

	var body []byte
	used, err := s.sessions.ExecuteWithRecovery(ctx, sess, func(ctx context.Context, active *session.Session) error {
		var cerr error
		body, cerr = call(ctx, active, secret)
		return cerr
	})
	s.markIdle(used)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	respondRaw(w, http.StatusOK, contentType, body)
}
