// Package proxyrouter is the pass-through client for the upstream session
// router. One Client (and its pooled transport) is shared process-wide.
package proxyrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/sessiond/internal/observability"
	"github.com/antoniostano/sessiond/internal/reliability"
)

// callerSecretHeader carries the per-caller secret on session-scoped calls.
const callerSecretHeader = "X-Consumer-Secret"

const maxErrorBodyBytes = 8 << 10

type Config struct {
	BaseURL  string
	Username string
	Password string

	RetryAttempts    int
	RetryBackoff     time.Duration
	CatalogTimeout   time.Duration
	InferenceTimeout time.Duration
}

type Client struct {
	cfg     Config
	httpc   *http.Client
	metrics *observability.Metrics
	sleep   func(context.Context, time.Duration) error
}

func New(cfg Config, metrics *observability.Metrics) *Client {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.CatalogTimeout <= 0 {
		cfg.CatalogTimeout = 10 * time.Second
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = 180 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Transport: transport},
		metrics: metrics,
		sleep:   sleepCtx,
	}
}

// Close releases idle pooled connections. In-flight calls are unaffected.
func (c *Client) Close() {
	if t, ok := c.httpc.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// call describes one upstream request. Body, when set, is marshalled to JSON
// unless rawBody is provided.
type call struct {
	op      string
	method  string
	path    string
	query   url.Values
	body    any
	rawBody []byte
	headers map[string]string
	secret  string
	timeout time.Duration
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) newRequest(ctx context.Context, cl call) (*http.Request, error) {
	u := c.cfg.BaseURL + cl.path
	if len(cl.query) > 0 {
		u += "?" + cl.query.Encode()
	}

	var payload []byte
	switch {
	case cl.rawBody != nil:
		payload = cl.rawBody
	case cl.body != nil:
		b, err := json.Marshal(cl.body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", cl.op, err)
		}
		payload = b
	}

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", cl.op, err)
	}
	if payload != nil && cl.headers["Content-Type"] == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cl.headers {
		req.Header.Set(k, v)
	}
	if c.cfg.Username != "" || c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	if strings.TrimSpace(cl.secret) != "" {
		req.Header.Set(callerSecretHeader, cl.secret)
	}
	return req, nil
}

// do executes the call with bounded retries and linear backoff. A 2xx with an
// empty body is an error: the router is known to return these pathologically.
func (c *Client) do(ctx context.Context, cl call) (*response, error) {
	if cl.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cl.timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			if c.metrics != nil {
				c.metrics.UpstreamRetries.WithLabelValues(cl.op).Inc()
			}
			if err := c.sleep(ctx, reliability.LinearBackoff(attempt-1, c.cfg.RetryBackoff)); err != nil {
				break
			}
		}

		req, err := c.newRequest(ctx, cl)
		if err != nil {
			return nil, err
		}
		res, err := c.httpc.Do(req)
		if err != nil {
			lastErr = classifyTransport(cl.op, err)
			continue
		}

		resp, cerr := c.consume(cl.op, res)
		if cerr == nil {
			return resp, nil
		}
		lastErr = cerr
		var re *Error
		if !errors.As(cerr, &re) || !re.Retryable() {
			break
		}
	}

	if c.metrics != nil && lastErr != nil {
		c.metrics.UpstreamErrors.WithLabelValues(string(KindOf(lastErr))).Inc()
	}
	return nil, lastErr
}

func (c *Client) consume(op string, res *http.Response) (*response, error) {
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotModified {
		return &response{status: res.StatusCode, header: res.Header}, nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
		return nil, classifyStatus(op, res.StatusCode, body)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	if res.StatusCode != http.StatusNoContent && len(bytes.TrimSpace(body)) == 0 {
		return nil, emptyResponseError(op)
	}
	return &response{status: res.StatusCode, header: res.Header, body: body}, nil
}

// Healthcheck verifies the router is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	_, err := c.do(ctx, call{
		op:      "healthcheck",
		method:  http.MethodGet,
		path:    "/healthcheck",
		timeout: c.cfg.CatalogTimeout,
	})
	return err
}
