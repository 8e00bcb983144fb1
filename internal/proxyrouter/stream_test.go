package proxyrouter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func streamRequest() ChatCompletionRequest {
	return ChatCompletionRequest{
		Model:    "llama-3",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	}
}

func TestStreamDeliversBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[]}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	var lines []string
	err := c.ChatCompletionsStream(context.Background(), "sess-1", "secret", streamRequest(), func(body io.Reader) error {
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			if s := scanner.Text(); s != "" {
				lines = append(lines, s)
			}
		}
		return scanner.Err()
	})
	if err != nil {
		t.Fatalf("ChatCompletionsStream = %v", err)
	}
	if len(lines) != 2 || lines[1] != "data: [DONE]" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestStreamRetriesBeforeFirstByte(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	invoked := 0
	err := c.ChatCompletionsStream(context.Background(), "sess-1", "secret", streamRequest(), func(io.Reader) error {
		invoked++
		return nil
	})
	if err != nil {
		t.Fatalf("ChatCompletionsStream = %v", err)
	}
	if hits != 2 || invoked != 1 {
		t.Fatalf("hits=%d invoked=%d, want one retry then one delivery", hits, invoked)
	}
}

func TestStreamSessionExpiredNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "session expired", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.ChatCompletionsStream(context.Background(), "sess-1", "secret", streamRequest(), func(io.Reader) error {
		t.Fatal("fn invoked on a non-200 response")
		return nil
	})
	if !IsSessionExpired(err) {
		t.Fatalf("error = %v, want session-expired classification", err)
	}
	// A 500 would normally be retried; the expiry signal suppresses that so
	// the caller can replace the session instead.
	if hits != 1 {
		t.Fatalf("upstream hits = %d, want 1", hits)
	}
}

func TestStreamNoRetryAfterFn(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("data: partial\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	wantErr := errors.New("write failed mid-stream")
	err := c.ChatCompletionsStream(context.Background(), "sess-1", "secret", streamRequest(), func(io.Reader) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
	if hits != 1 {
		t.Fatalf("upstream hits = %d, want 1 (no retry once bytes flowed)", hits)
	}
}

func TestStreamForcesStreamFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !bytes.Contains(body, []byte(`"stream":true`)) {
			t.Errorf("request body %s lacks stream:true", body)
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	req := streamRequest()
	req.Stream = false
	err := c.ChatCompletionsStream(context.Background(), "sess-1", "secret", req, func(io.Reader) error { return nil })
	if err != nil {
		t.Fatalf("ChatCompletionsStream = %v", err)
	}
}
