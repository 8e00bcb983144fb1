package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antoniostano/sessiond/internal/capacity"
	"github.com/antoniostano/sessiond/internal/config"
	"github.com/antoniostano/sessiond/internal/keystore"
	"github.com/antoniostano/sessiond/internal/modelcache"
	"github.com/antoniostano/sessiond/internal/proxyrouter"
	"github.com/antoniostano/sessiond/internal/session"
	"github.com/antoniostano/sessiond/internal/settings"
)

// upstream emulates the session router for handler tests.
type upstream struct {
	opens       atomic.Int32
	closes      atomic.Int32
	chats       atomic.Int32
	expireFirst atomic.Bool // next chat call fails with a session-expired body
	vanishFirst atomic.Bool // next chat call fails as if the session was closed
}

func (u *upstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /blockchain/models", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"Id":"0xaa11","Name":"llama-3","ModelType":"chat"}]}`))
	})
	mux.HandleFunc("POST /blockchain/models/{target}/session", func(w http.ResponseWriter, r *http.Request) {
		n := u.opens.Add(1)
		w.Write([]byte(`{"sessionID":"sess-` + strconv.Itoa(int(n)) + `"}`))
	})
	mux.HandleFunc("POST /blockchain/sessions/{id}/close", func(w http.ResponseWriter, r *http.Request) {
		u.closes.Add(1)
		w.Write([]byte(`{"closed":true}`))
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		u.chats.Add(1)
		if u.expireFirst.CompareAndSwap(true, false) {
			http.Error(w, "session expired", http.StatusBadRequest)
			return
		}
		if u.vanishFirst.CompareAndSwap(true, false) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion"}`))
	})
	mux.HandleFunc("POST /v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"object":"list","data":[]}`))
	})
	mux.HandleFunc("GET /healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"healthy"}`))
	})
	return mux
}

type env struct {
	api      http.Handler
	store    *session.MemoryStore
	upstream *upstream
}

func newEnv(t *testing.T) *env {
	t.Helper()
	up := &upstream{}
	srv := httptest.NewServer(up.handler())
	t.Cleanup(srv.Close)

	cfg := config.Config{
		RouterBaseURL:       srv.URL,
		RouterRetryAttempts: 1,
		RouterRetryBackoff:  time.Millisecond,
		CatalogTimeout:      5 * time.Second,
		InferenceTimeout:    5 * time.Second,
	}
	store := session.NewMemoryStore()
	keys := keystore.NewStatic("service-secret")
	proxy := proxyrouter.New(proxyrouter.Config{
		BaseURL:          cfg.RouterBaseURL,
		RetryAttempts:    cfg.RouterRetryAttempts,
		RetryBackoff:     cfg.RouterRetryBackoff,
		CatalogTimeout:   cfg.CatalogTimeout,
		InferenceTimeout: cfg.InferenceTimeout,
	}, nil)
	t.Cleanup(proxy.Close)

	models := modelcache.New(proxy, time.Minute, nil)
	lifecycle := session.NewService(store, proxy, keys, time.Hour, 0, nil)
	router := capacity.NewRouter(lifecycle, store, models, settings.NewMemory(), 5*time.Second, time.Minute, nil)
	api := New(cfg, router, lifecycle, store, proxy, models, keys, nil, NewEventHub())

	return &env{api: api.Router(), store: store, upstream: up}
}

func (e *env) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer caller-key-1")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.api.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletionsRequiresAuth(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.api.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Error.Type != "authentication_error" {
		t.Fatalf("error type = %q, want authentication_error", resp.Error.Type)
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	e := newEnv(t)
	rec := e.request(t, http.MethodPost, "/v1/chat/completions", `{"model":"llama-3"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatCompletionsPassThrough(t *testing.T) {
	e := newEnv(t)
	rec := e.request(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-3","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "chatcmpl-1") {
		t.Fatalf("body = %s, want upstream payload passed through", rec.Body)
	}

	active, err := e.store.ActiveByCaller(context.Background(), "caller-key-1")
	if err != nil {
		t.Fatalf("ActiveByCaller = %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active sessions = %d, want 1 opened on demand", len(active))
	}
	if active[0].Utilization != session.StatusIdle {
		t.Fatalf("utilization = %s, want idle after completion", active[0].Utilization)
	}
	if active[0].RequestCount != 1 {
		t.Fatalf("request count = %d, want 1", active[0].RequestCount)
	}
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	e := newEnv(t)
	rec := e.request(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"no-such-model","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestChatCompletionsRecoversExpiredSession(t *testing.T) {
	e := newEnv(t)

	// First request opens sess-1.
	rec := e.request(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-3","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("warmup status = %d", rec.Code)
	}

	// The next inference call gets rejected as expired; the gateway must open
	// a replacement and succeed anyway.
	e.upstream.expireFirst.Store(true)
	opensBefore := e.upstream.opens.Load()
	rec = e.request(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-3","messages":[{"role":"user","content":"hi again"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status after expiry = %d, body = %s", rec.Code, rec.Body)
	}
	if got := e.upstream.opens.Load(); got != opensBefore+1 {
		t.Fatalf("upstream opens = %d, want exactly one replacement (had %d)", got, opensBefore)
	}

	active, err := e.store.ActiveByCaller(context.Background(), "caller-key-1")
	if err != nil {
		t.Fatalf("ActiveByCaller = %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active sessions = %d, want the replacement only", len(active))
	}
}

func TestChatCompletionsRecoversClosedSession(t *testing.T) {
	e := newEnv(t)

	rec := e.request(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-3","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("warmup status = %d", rec.Code)
	}

	// The warm session gets closed out from under the caller (e.g. by the
	// reclaim pass) between routing and use. The upstream answers 404; the
	// gateway must treat it like expiry and replay on a fresh session.
	e.upstream.vanishFirst.Store(true)
	opensBefore := e.upstream.opens.Load()
	rec = e.request(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-3","messages":[{"role":"user","content":"hi again"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status after vanished session = %d, body = %s", rec.Code, rec.Body)
	}
	if got := e.upstream.opens.Load(); got != opensBefore+1 {
		t.Fatalf("upstream opens = %d, want exactly one replacement (had %d)", got, opensBefore)
	}
}

func TestListModels(t *testing.T) {
	e := newEnv(t)
	rec := e.request(t, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list modelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 1 {
		t.Fatalf("list = %+v", list)
	}
	card := list.Data[0]
	if card.ID != "llama-3" || card.Target != "0xaa11" || card.Object != "model" {
		t.Fatalf("card = %+v", card)
	}
}

func TestSessionEndpoints(t *testing.T) {
	e := newEnv(t)

	rec := e.request(t, http.MethodPost, "/v1/sessions", `{"model":"llama-3"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open status = %d, body = %s", rec.Code, rec.Body)
	}
	var opened session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &opened); err != nil {
		t.Fatalf("decode opened session: %v", err)
	}
	if opened.ModelID != "0xaa11" || !opened.IsActive {
		t.Fatalf("opened session = %+v", opened)
	}

	rec = e.request(t, http.MethodGet, "/v1/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Sessions []session.Session `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Sessions) != 1 || listed.Sessions[0].ID != opened.ID {
		t.Fatalf("listed = %+v", listed.Sessions)
	}

	rec = e.request(t, http.MethodGet, "/v1/sessions/"+opened.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = e.request(t, http.MethodPost, "/v1/sessions/"+opened.ID+"/close", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("close status = %d, body = %s", rec.Code, rec.Body)
	}
	if e.upstream.closes.Load() != 1 {
		t.Fatalf("upstream closes = %d, want 1", e.upstream.closes.Load())
	}

	rec = e.request(t, http.MethodGet, "/v1/sessions", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Sessions) != 0 {
		t.Fatalf("listed after close = %+v, want empty", listed.Sessions)
	}
}

func TestSessionOwnershipHidden(t *testing.T) {
	e := newEnv(t)
	rec := e.request(t, http.MethodPost, "/v1/sessions", `{"model":"llama-3"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open status = %d", rec.Code)
	}
	var opened session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &opened); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// A different caller must not see or close the session.
	reqOther := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+opened.ID, nil)
	reqOther.Header.Set("X-API-Key", "caller-key-2")
	rec2 := httptest.NewRecorder()
	e.api.ServeHTTP(rec2, reqOther)
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("cross-caller get status = %d, want 404", rec2.Code)
	}
}

func TestEmbeddingsPassThrough(t *testing.T) {
	e := newEnv(t)
	rec := e.request(t, http.MethodPost, "/v1/embeddings", `{"model":"llama-3","input":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"object":"list"`) {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := e.request(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	e := newEnv(t)
	rec := e.request(t, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
}
