package proxyrouter

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/antoniostano/sessiond/internal/reliability"
)

// ChatCompletionsStream executes a streamed chat call. The first response is
// inspected before any bytes are yielded: a non-200 status is read, classified
// and returned without invoking fn, so "session expired" failures can be
// recovered by re-issuing the whole request against a fresh session. Once fn
// has been handed the body no retry happens here; partial output already
// consumed cannot be retracted.
//
// The body is scoped to fn and always closed on return, so the pooled
// connection is released on every path.
func (c *Client) ChatCompletionsStream(ctx context.Context, sessionID, secret string, req ChatCompletionRequest, fn func(body io.Reader) error) error {
	req.Stream = true
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InferenceTimeout)
	defer cancel()

	headers := map[string]string{"Accept": "text/event-stream"}
	if strings.TrimSpace(req.IdempotencyKey) != "" {
		headers[idempotencyKeyHeader] = req.IdempotencyKey
	}
	cl := call{
		op:      "chat_completions_stream",
		method:  http.MethodPost,
		path:    "/v1/chat/completions",
		query:   sessionQuery(sessionID),
		body:    req,
		headers: headers,
		secret:  secret,
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

		httpReq, err := c.newRequest(ctx, cl)
		if err != nil {
			return err
		}
		res, err := c.httpc.Do(httpReq)
		if err != nil {
			lastErr = classifyTransport(cl.op, err)
			continue
		}

		if res.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
			res.Body.Close()
			cerr := classifyStatus(cl.op, res.StatusCode, body)
			lastErr = cerr
			// Session expiry is the lifecycle service's recovery case, not
			// a local retry case.
			if IsSessionExpired(cerr) || !cerr.Retryable() {
				break
			}
			continue
		}

		err = fn(res.Body)
		res.Body.Close()
		return err
	}

	if c.metrics != nil && lastErr != nil {
		c.metrics.UpstreamErrors.WithLabelValues(string(KindOf(lastErr))).Inc()
	}
	return lastErr
}
