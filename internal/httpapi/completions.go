package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/sessiond/internal/proxyrouter"
	"github.com/antoniostano/sessiond/internal/session"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req proxyrouter.ChatCompletionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if strings.TrimSpace(req.Model) == "" || len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "model and messages are required")
		return
	}
	// One idempotency key per logical request, stable across expiry-recovery
	// replays.
	req.IdempotencyKey = uuid.NewString()

	ctx := r.Context()
	secret, _, err := s.keys.PrivateKeyWithFallback(ctx, caller)
	if err != nil {
		respondError(w, http.StatusForbidden, "authorization_error", err.Error())
		return
	}

	sess, err := s.router.RouteRequest(ctx, caller, req.Model)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}

	if err := s.router.MarkSessionBusy(ctx, sess.ID); err != nil && err != session.ErrNotFound {
		respondUpstreamError(w, err)
		return
	}
	start := time.Now()
	defer func() {
		s.metrics.ObserveInferenceLatency(time.Since(start))
	}()

	if req.Stream {
		s.streamChatCompletion(w, r, sess, secret, req)
		return
	}

	var body []byte
	used, err := s.sessions.ExecuteWithRecovery(ctx, sess, func(ctx context.Context, active *session.Session) error {
		var cerr error
		body, cerr = s.proxy.ChatCompletions(ctx, active.ID, secret, req)
		return cerr
	})
	s.markIdle(used)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	respondRaw(w, http.StatusOK, "application/json", body)
}

// streamChatCompletion relays the upstream event stream. A failure before the
// first byte goes through ordinary expiry recovery; a failure after bytes
// have been sent emits one final error-shaped chunk instead of closing
// silently. Chunks already delivered are never retracted.
func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, sess *session.Session, secret string, req proxyrouter.ChatCompletionRequest) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "unknown", "streaming unsupported")
		return
	}

	headersSent := false
	sendHeaders := func() {
		if headersSent {
			return
		}
		headersSent = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	used, err := s.sessions.ExecuteWithRecovery(ctx, sess, func(ctx context.Context, active *session.Session) error {
		return s.proxy.ChatCompletionsStream(ctx, active.ID, secret, req, func(body io.Reader) error {
			sendHeaders()
			scanner := bufio.NewScanner(body)
			scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
			for scanner.Scan() {
				if _, werr := w.Write(append(scanner.Bytes(), '\n')); werr != nil {
					return werr
				}
				flusher.Flush()
			}
			return scanner.Err()
		})
	})
	s.markIdle(used)

	if err != nil {
		if !headersSent {
			respondUpstreamError(w, err)
			return
		}
		writeStreamError(w, flusher, err)
	}
}

func writeStreamError(w http.ResponseWriter, flusher http.Flusher, err error) {
	chunk := errorResponse{Error: errorBody{Message: err.Error(), Type: string(proxyrouter.KindOf(err))}}
	payload, merr := json.Marshal(chunk)
	if merr != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\ndata: [DONE]\n\n"))
	flusher.Flush()
}

func (s *Server) markIdle(sess *session.Session) {
	if sess == nil {
		return
	}
	// Bookkeeping writes outlive a disconnecting caller.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.router.MarkSessionIdle(ctx, sess.ID); err != nil && err != session.ErrNotFound {
		log.Printf("mark session %s idle: %v", sess.ID, err)
	}
}
