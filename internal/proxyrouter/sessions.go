package proxyrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type OpenSessionOptions struct {
	Failover      bool
	DirectPayment bool
}

type openSessionBody struct {
	SessionDuration int64 `json:"sessionDuration"`
	Failover        bool  `json:"failover"`
	DirectPayment   bool  `json:"directPayment"`
}

// OpenSession opens a paid session against the given target and returns the
// raw response body. The session identifier location varies across router
// versions, so extraction is left to the caller.
func (c *Client) OpenSession(ctx context.Context, target string, duration time.Duration, secret string, opts OpenSessionOptions) ([]byte, error) {
	resp, err := c.do(ctx, call{
		op:     "open_session",
		method: http.MethodPost,
		path:   fmt.Sprintf("/blockchain/models/%s/session", url.PathEscape(target)),
		body: openSessionBody{
			SessionDuration: int64(duration.Seconds()),
			Failover:        opts.Failover,
			DirectPayment:   opts.DirectPayment,
		},
		secret:  secret,
		timeout: c.cfg.InferenceTimeout,
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// CloseSession closes the session upstream. 200 and 204 both mean success.
func (c *Client) CloseSession(ctx context.Context, id, secret string) error {
	_, err := c.do(ctx, call{
		op:      "close_session",
		method:  http.MethodPost,
		path:    fmt.Sprintf("/blockchain/sessions/%s/close", url.PathEscape(id)),
		secret:  secret,
		timeout: c.cfg.CatalogTimeout,
	})
	return err
}

type SessionStatus struct {
	ID             string `json:"id"`
	Provider       string `json:"provider"`
	ModelID        string `json:"modelAgentId"`
	OpenedAt       int64  `json:"openedAt"`
	ClosedAt       int64  `json:"closedAt"`
	EndsAt         int64  `json:"endsAt"`
	IsDirect       bool   `json:"isDirect"`
	PricePerSecond string `json:"pricePerSecond"`
}

type sessionStatusEnvelope struct {
	Session *SessionStatus `json:"session"`
}

// GetSessionStatus fetches the router's bookkeeping record for a session.
func (c *Client) GetSessionStatus(ctx context.Context, id string) (*SessionStatus, error) {
	resp, err := c.do(ctx, call{
		op:      "session_status",
		method:  http.MethodGet,
		path:    fmt.Sprintf("/blockchain/sessions/%s", url.PathEscape(id)),
		timeout: c.cfg.CatalogTimeout,
	})
	if err != nil {
		return nil, err
	}
	var env sessionStatusEnvelope
	if err := json.Unmarshal(resp.body, &env); err == nil && env.Session != nil {
		return env.Session, nil
	}
	var st SessionStatus
	if err := json.Unmarshal(resp.body, &st); err != nil {
		return nil, &Error{Op: "session_status", Kind: KindUnknown, Message: fmt.Sprintf("parse session status: %v", err)}
	}
	return &st, nil
}

type Bid struct {
	ID             string `json:"id"`
	ModelID        string `json:"modelAgentId"`
	Provider       string `json:"provider"`
	PricePerSecond string `json:"pricePerSecond"`
	DeletedAt      int64  `json:"deletedAt"`
}

type bidEnvelope struct {
	Bid *Bid `json:"bid"`
}

// GetBidDetails fetches one bid record by id.
func (c *Client) GetBidDetails(ctx context.Context, id string) (*Bid, error) {
	resp, err := c.do(ctx, call{
		op:      "bid_details",
		method:  http.MethodGet,
		path:    fmt.Sprintf("/blockchain/bids/%s", url.PathEscape(id)),
		timeout: c.cfg.CatalogTimeout,
	})
	if err != nil {
		return nil, err
	}
	var env bidEnvelope
	if err := json.Unmarshal(resp.body, &env); err == nil && env.Bid != nil {
		return env.Bid, nil
	}
	var b Bid
	if err := json.Unmarshal(resp.body, &b); err != nil {
		return nil, &Error{Op: "bid_details", Kind: KindUnknown, Message: fmt.Sprintf("parse bid: %v", err)}
	}
	return &b, nil
}

// ApproveSpending authorizes the router to spend up to amount on the caller's
// behalf. Amount is a decimal string in the token's base unit.
func (c *Client) ApproveSpending(ctx context.Context, spender, amount, secret string) ([]byte, error) {
	q := url.Values{}
	q.Set("spender", spender)
	q.Set("amount", amount)
	resp, err := c.do(ctx, call{
		op:      "approve_spending",
		method:  http.MethodPost,
		path:    "/blockchain/approve",
		query:   q,
		secret:  secret,
		timeout: c.cfg.CatalogTimeout,
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}
