package proxyrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Model is one catalog record from the router.
type Model struct {
	ID        string   `json:"Id"`
	Name      string   `json:"Name"`
	ModelType string   `json:"ModelType"`
	Tags      []string `json:"Tags"`
	IsDeleted bool     `json:"IsDeleted"`
}

type modelListEnvelope struct {
	Models []Model `json:"models"`
}

// GetAllModels fetches the raw catalog payload. When etag is non-empty it is
// sent as If-None-Match; notModified is true on a 304, in which case body and
// newETag are empty.
func (c *Client) GetAllModels(ctx context.Context, etag string) (body []byte, notModified bool, newETag string, err error) {
	cl := call{
		op:      "get_models",
		method:  http.MethodGet,
		path:    "/blockchain/models",
		timeout: c.cfg.CatalogTimeout,
	}
	if strings.TrimSpace(etag) != "" {
		cl.headers = map[string]string{"If-None-Match": etag}
	}
	resp, err := c.do(ctx, cl)
	if err != nil {
		return nil, false, "", err
	}
	if resp.status == http.StatusNotModified {
		return nil, true, "", nil
	}
	return resp.body, false, resp.header.Get("ETag"), nil
}

// ParseModels decodes a catalog payload. Both the enveloped shape
// {"models":[...]} and a bare array have been seen in the wild.
func ParseModels(body []byte) ([]Model, error) {
	var env modelListEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Models != nil {
		return env.Models, nil
	}
	var list []Model
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	return list, nil
}

// GetRatedBids fetches the provider bids for a model, best-rated first.
func (c *Client) GetRatedBids(ctx context.Context, modelID string) ([]byte, error) {
	resp, err := c.do(ctx, call{
		op:      "rated_bids",
		method:  http.MethodGet,
		path:    fmt.Sprintf("/blockchain/models/%s/bids/rated", url.PathEscape(modelID)),
		timeout: c.cfg.CatalogTimeout,
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}
