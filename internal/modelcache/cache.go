// Package modelcache resolves human-readable model names to router target
// identifiers from a TTL-cached catalog snapshot.
package modelcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/antoniostano/sessiond/internal/observability"
	"github.com/antoniostano/sessiond/internal/proxyrouter"
)

var ErrNotFound = errors.New("model not found")

// Fetcher fetches the raw catalog payload, optionally conditionally by ETag.
type Fetcher interface {
	GetAllModels(ctx context.Context, etag string) (body []byte, notModified bool, newETag string, err error)
}

// snapshot is one immutable catalog version. Readers only ever see a whole
// snapshot; refresh swaps the pointer atomically.
type snapshot struct {
	byName  map[string]string
	ids     map[string]string
	models  []proxyrouter.Model
	hash    uint64
	etag    string
	expires time.Time
}

type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	metrics *observability.Metrics
	now     func() time.Time

	refreshMu sync.Mutex
	snap      atomic.Pointer[snapshot]
}

func New(fetcher Fetcher, ttl time.Duration, metrics *observability.Metrics) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		metrics: metrics,
		now:     time.Now,
	}
}

// Resolve maps a model name or target identifier to the target identifier.
// Inputs that already are a known target identifier pass through unchanged.
func (c *Cache) Resolve(ctx context.Context, nameOrID string) (string, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return "", err
	}
	key := strings.ToLower(strings.TrimSpace(nameOrID))
	if key == "" {
		return "", ErrNotFound
	}
	if id, ok := snap.ids[key]; ok {
		return id, nil
	}
	if id, ok := snap.byName[key]; ok {
		return id, nil
	}
	return "", ErrNotFound
}

// Models returns the non-deleted catalog entries from the current snapshot.
func (c *Cache) Models(ctx context.Context) ([]proxyrouter.Model, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.models, nil
}

func (c *Cache) current(ctx context.Context) (*snapshot, error) {
	if snap := c.snap.Load(); snap != nil && c.now().Before(snap.expires) {
		return snap, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if snap := c.snap.Load(); snap != nil && c.now().Before(snap.expires) {
		return snap, nil
	}
	return c.refresh(ctx, c.snap.Load())
}

func (c *Cache) refresh(ctx context.Context, prev *snapshot) (*snapshot, error) {
	var etag string
	if prev != nil {
		etag = prev.etag
	}

	body, notModified, newETag, err := c.fetcher.GetAllModels(ctx, etag)
	if err != nil {
		// Stale-but-available beats failing the caller.
		if prev != nil {
			return c.extend(prev, prev.etag, "stale"), nil
		}
		c.observe("error")
		return nil, err
	}
	if notModified && prev != nil {
		return c.extend(prev, prev.etag, "not_modified"), nil
	}

	hash := xxhash.Sum64(body)
	if prev != nil && hash == prev.hash {
		// Same content, no reparse.
		return c.extend(prev, pickETag(newETag, prev.etag), "unchanged"), nil
	}

	models, perr := proxyrouter.ParseModels(body)
	if perr != nil {
		if prev != nil {
			return c.extend(prev, prev.etag, "stale"), nil
		}
		c.observe("error")
		return nil, perr
	}

	byName := make(map[string]string, len(models))
	ids := make(map[string]string, len(models))
	kept := make([]proxyrouter.Model, 0, len(models))
	for _, m := range models {
		if m.IsDeleted {
			continue
		}
		id := strings.TrimSpace(m.ID)
		if id == "" {
			continue
		}
		ids[strings.ToLower(id)] = id
		if name := strings.ToLower(strings.TrimSpace(m.Name)); name != "" {
			byName[name] = id
		}
		kept = append(kept, m)
	}

	next := &snapshot{
		byName:  byName,
		ids:     ids,
		models:  kept,
		hash:    hash,
		etag:    newETag,
		expires: c.now().Add(c.ttl),
	}
	c.snap.Store(next)
	c.observe("updated")
	return next, nil
}

// extend republishes the previous snapshot with a fresh expiry.
func (c *Cache) extend(prev *snapshot, etag, outcome string) *snapshot {
	next := *prev
	next.etag = etag
	next.expires = c.now().Add(c.ttl)
	c.snap.Store(&next)
	c.observe(outcome)
	return &next
}

func (c *Cache) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.CatalogRefreshes.WithLabelValues(outcome).Inc()
	}
}

func pickETag(fresh, prev string) string {
	if strings.TrimSpace(fresh) != "" {
		return fresh
	}
	return prev
}
