package proxyrouter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := New(Config{
		BaseURL:       baseURL,
		Username:      "admin",
		Password:      "hunter2",
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
	}, nil)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestDoRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, "temporary", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.do(context.Background(), call{op: "test", method: http.MethodGet, path: "/"})
	if err != nil {
		t.Fatalf("do = %v", err)
	}
	if string(resp.body) != `{"ok":true}` {
		t.Fatalf("body = %q", resp.body)
	}
	if hits != 3 {
		t.Fatalf("upstream hits = %d, want 3", hits)
	}
}

func TestDoGivesUpAfterAttemptBudget(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.do(context.Background(), call{op: "test", method: http.MethodGet, path: "/"})
	if err == nil {
		t.Fatal("do = nil, want error")
	}
	if hits != 3 {
		t.Fatalf("upstream hits = %d, want 3", hits)
	}
	var re *Error
	if !errors.As(err, &re) || re.Kind != KindServer {
		t.Fatalf("error = %v, want server_error", err)
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "validation failed: bad target", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.do(context.Background(), call{op: "test", method: http.MethodGet, path: "/"})
	if hits != 1 {
		t.Fatalf("upstream hits = %d, want 1", hits)
	}
	var re *Error
	if !errors.As(err, &re) || re.Kind != KindValidation {
		t.Fatalf("error = %v, want validation_error", err)
	}
	if re.Status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", re.Status)
	}
}

func TestDoEmptySuccessBodyIsAnError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.do(context.Background(), call{op: "test", method: http.MethodGet, path: "/"})
	var re *Error
	if !errors.As(err, &re) || re.Kind != KindEmptyResponse {
		t.Fatalf("error = %v, want empty_response", err)
	}
	if hits != 1 {
		t.Fatalf("upstream hits = %d, want 1 (empty bodies are terminal)", hits)
	}
}

func TestDoAllowsEmptyNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.do(context.Background(), call{op: "test", method: http.MethodPost, path: "/"}); err != nil {
		t.Fatalf("do = %v, want 204 accepted", err)
	}
}

func TestRequestCarriesAuthAndSecret(t *testing.T) {
	var gotUser, gotPass, gotSecret, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		gotSecret = r.Header.Get("X-Consumer-Secret")
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.do(context.Background(), call{
		op:     "test",
		method: http.MethodPost,
		path:   "/",
		body:   map[string]string{"k": "v"},
		secret: "caller-key",
	})
	if err != nil {
		t.Fatalf("do = %v", err)
	}
	if gotUser != "admin" || gotPass != "hunter2" {
		t.Errorf("basic auth = %q/%q", gotUser, gotPass)
	}
	if gotSecret != "caller-key" {
		t.Errorf("secret header = %q, want caller-key", gotSecret)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
}

func TestOpenSessionRequest(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"sessionID":"sess-1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	body, err := c.OpenSession(context.Background(), "0xaa11", 30*time.Minute, "secret", OpenSessionOptions{Failover: true})
	if err != nil {
		t.Fatalf("OpenSession = %v", err)
	}
	if gotPath != "/blockchain/models/0xaa11/session" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["sessionDuration"] != float64(1800) {
		t.Errorf("sessionDuration = %v, want 1800", gotBody["sessionDuration"])
	}
	if gotBody["failover"] != true {
		t.Errorf("failover = %v, want true", gotBody["failover"])
	}
	if string(body) != `{"sessionID":"sess-1"}` {
		t.Errorf("body = %q", body)
	}
}

func TestGetAllModelsConditional(t *testing.T) {
	const etag = `"abc123"`
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/blockchain/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	body, notModified, newETag, err := c.GetAllModels(context.Background(), "")
	if err != nil {
		t.Fatalf("GetAllModels = %v", err)
	}
	if notModified || newETag != etag || string(body) != `{"models":[]}` {
		t.Fatalf("first fetch: notModified=%v etag=%q body=%q", notModified, newETag, body)
	}

	_, notModified, _, err = c.GetAllModels(context.Background(), etag)
	if err != nil {
		t.Fatalf("conditional GetAllModels = %v", err)
	}
	if !notModified {
		t.Fatal("notModified = false, want true on matching etag")
	}
	if hits != 2 {
		t.Fatalf("upstream hits = %d, want 2 (304 is terminal, not retried)", hits)
	}
}

func TestGetSessionStatusShapes(t *testing.T) {
	bodies := map[string]string{
		"/blockchain/sessions/enveloped": `{"session":{"id":"enveloped","closedAt":42}}`,
		"/blockchain/sessions/bare":      `{"id":"bare","endsAt":99}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bodies[r.URL.Path]))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	st, err := c.GetSessionStatus(context.Background(), "enveloped")
	if err != nil {
		t.Fatalf("GetSessionStatus(enveloped) = %v", err)
	}
	if st.ID != "enveloped" || st.ClosedAt != 42 {
		t.Fatalf("enveloped status = %+v", st)
	}

	st, err = c.GetSessionStatus(context.Background(), "bare")
	if err != nil {
		t.Fatalf("GetSessionStatus(bare) = %v", err)
	}
	if st.ID != "bare" || st.EndsAt != 99 {
		t.Fatalf("bare status = %+v", st)
	}
}

func TestChatCompletionsSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotSession string
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		gotSession = r.URL.Query().Get("session_id")
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{"id":"chatcmpl-1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.ChatCompletions(context.Background(), "sess-1", "secret", ChatCompletionRequest{
		Model:          "llama-3",
		Messages:       []ChatMessage{{Role: "user", Content: "hi"}},
		Stream:         true, // forced off for the unary path
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("ChatCompletions = %v", err)
	}
	if gotKey != "key-1" {
		t.Errorf("idempotency key = %q, want key-1", gotKey)
	}
	if gotSession != "sess-1" {
		t.Errorf("session_id = %q, want sess-1", gotSession)
	}
	if gotReq["stream"] != false {
		t.Errorf("stream = %v, want false", gotReq["stream"])
	}
	if _, present := gotReq["IdempotencyKey"]; present {
		t.Error("idempotency key leaked into the JSON body")
	}
}

func TestApproveSpending(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blockchain/approve" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"tx":"0xfeed"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	body, err := c.ApproveSpending(context.Background(), "0xspender", "1000000", "secret")
	if err != nil {
		t.Fatalf("ApproveSpending = %v", err)
	}
	if gotQuery != "amount=1000000&spender=0xspender" {
		t.Errorf("query = %q", gotQuery)
	}
	if string(body) != `{"tx":"0xfeed"}` {
		t.Errorf("body = %q", body)
	}
}

func TestGetBidDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blockchain/bids/bid-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"bid":{"id":"bid-1","modelAgentId":"0xaa11","pricePerSecond":"10"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	bid, err := c.GetBidDetails(context.Background(), "bid-1")
	if err != nil {
		t.Fatalf("GetBidDetails = %v", err)
	}
	if bid.ID != "bid-1" || bid.ModelID != "0xaa11" || bid.PricePerSecond != "10" {
		t.Fatalf("bid = %+v", bid)
	}
}

func TestGetRatedBids(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blockchain/models/0xaa11/bids/rated" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`[{"id":"bid-1"}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	body, err := c.GetRatedBids(context.Background(), "0xaa11")
	if err != nil {
		t.Fatalf("GetRatedBids = %v", err)
	}
	if string(body) != `[{"id":"bid-1"}]` {
		t.Errorf("body = %q", body)
	}
}

func TestParseModels(t *testing.T) {
	enveloped := []byte(`{"models":[{"Id":"0xaa","Name":"a"}]}`)
	bare := []byte(`[{"Id":"0xbb","Name":"b"}]`)

	models, err := ParseModels(enveloped)
	if err != nil || len(models) != 1 || models[0].ID != "0xaa" {
		t.Fatalf("ParseModels(enveloped) = %v, %v", models, err)
	}
	models, err = ParseModels(bare)
	if err != nil || len(models) != 1 || models[0].ID != "0xbb" {
		t.Fatalf("ParseModels(bare) = %v, %v", models, err)
	}
	if _, err := ParseModels([]byte(`not json`)); err == nil {
		t.Fatal("ParseModels(garbage) = nil, want error")
	}
}
