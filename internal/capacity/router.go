// Package capacity decides, per caller and target model, whether inbound
// requests reuse, fan out, or queue onto sessions, and right-sizes the warm
// pool on a schedule.
package capacity

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/antoniostano/sessiond/internal/observability"
	"github.com/antoniostano/sessiond/internal/session"
	"github.com/antoniostano/sessiond/internal/settings"
)

// Lifecycle is the slice of the session service the router drives.
type Lifecycle interface {
	CreateSession(ctx context.Context, callerID, target string, duration time.Duration) (*session.Session, error)
	CreateAdditionalSession(ctx context.Context, callerID, target string, duration time.Duration) (*session.Session, error)
	CloseSession(ctx context.Context, id string) (bool, error)
	SynchronizeSessions(ctx context.Context, callerID string) error
}

// Resolver maps model names to target identifiers.
type Resolver interface {
	Resolve(ctx context.Context, nameOrID string) (string, error)
}

type Router struct {
	lifecycle  Lifecycle
	store      session.Store
	models     Resolver
	settings   settings.Store
	metrics    *observability.Metrics
	quiescence time.Duration
	interval   time.Duration
	now        func() time.Time
}

func NewRouter(lifecycle Lifecycle, store session.Store, models Resolver, settingsStore settings.Store, quiescence, interval time.Duration, metrics *observability.Metrics) *Router {
	if quiescence <= 0 {
		quiescence = 5 * time.Second
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Router{
		lifecycle:  lifecycle,
		store:      store,
		models:     models,
		settings:   settingsStore,
		metrics:    metrics,
		quiescence: quiescence,
		interval:   interval,
		now:        time.Now,
	}
}

// idle reports whether a session can absorb a new request: explicitly idle,
// never used, or quiescent longer than the configured window.
func (r *Router) idle(s *session.Session, now time.Time) bool {
	if s.Utilization == session.StatusIdle {
		return true
	}
	if s.LastRequestAt.IsZero() {
		return true
	}
	return now.Sub(s.LastRequestAt) > r.quiescence
}

// RouteRequest picks (or opens) the session an inbound request for
// (callerID, model) runs on. model may be a name or a target identifier.
func (r *Router) RouteRequest(ctx context.Context, callerID, model string) (*session.Session, error) {
	target, err := r.models.Resolve(ctx, model)
	if err != nil {
		return nil, err
	}

	now := r.now()
	open, err := r.store.OpenByCallerModel(ctx, callerID, target, now)
	if err != nil {
		return nil, err
	}

	auto, err := r.settings.AutomationSettings(ctx, callerID)
	if err != nil {
		return nil, err
	}
	duration := time.Duration(0)
	maxPerModel := 0
	if auto != nil {
		duration = time.Duration(auto.SessionDuration) * time.Second
		maxPerModel = auto.MaxSessionsPerModel
	}

	if len(open) == 0 {
		return r.lifecycle.CreateSession(ctx, callerID, target, duration)
	}

	for _, s := range open {
		if r.idle(s, now) {
			return s, nil
		}
	}

	// All busy. Fan out unless the per-model ceiling is reached.
	if maxPerModel <= 0 || len(open) < maxPerModel {
		return r.lifecycle.CreateAdditionalSession(ctx, callerID, target, duration)
	}

	// Ceiling reached: queue onto the least-recently-used busy session.
	lru := open[0]
	for _, s := range open[1:] {
		if s.LastRequestAt.Before(lru.LastRequestAt) {
			lru = s
		}
	}
	log.Printf("caller %s hit the session ceiling (%d) for model %s; routing to busy session %s", callerID, maxPerModel, target, lru.ID)
	if r.metrics != nil {
		r.metrics.CeilingWarnings.Inc()
	}
	return lru, nil
}

// MarkSessionBusy records a request starting on the session.
func (r *Router) MarkSessionBusy(ctx context.Context, id string) error {
	return r.store.SetUtilization(ctx, id, session.StatusBusy, r.now(), true)
}

// MarkSessionIdle records the session's request finishing.
func (r *Router) MarkSessionIdle(ctx context.Context, id string) error {
	return r.store.SetUtilization(ctx, id, session.StatusIdle, r.now(), false)
}

// RunCapacityPass evaluates the warm-pool policy for one caller: preferred
// models keep a standby reserve, non-preferred models are reclaimed
// aggressively.
func (r *Router) RunCapacityPass(ctx context.Context, callerID string) error {
	auto, err := r.settings.AutomationSettings(ctx, callerID)
	if err != nil {
		return err
	}
	if auto == nil || !auto.Enabled {
		return nil
	}

	preferred := make(map[string]bool, len(auto.PreferredModels))
	for _, name := range auto.PreferredModels {
		target, err := r.models.Resolve(ctx, name)
		if err != nil {
			log.Printf("capacity pass: preferred model %q for caller %s does not resolve: %v", name, callerID, err)
			continue
		}
		preferred[target] = true
	}

	for target := range preferred {
		if err := r.passModel(ctx, callerID, target, true, auto); err != nil {
			return err
		}
	}

	existing, err := r.store.ModelsWithSessions(ctx, callerID)
	if err != nil {
		return err
	}
	for _, target := range existing {
		if preferred[target] {
			continue
		}
		if err := r.passModel(ctx, callerID, target, false, auto); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) passModel(ctx context.Context, callerID, target string, preferred bool, auto *settings.Automation) error {
	now := r.now()
	open, err := r.store.OpenByCallerModel(ctx, callerID, target, now)
	if err != nil {
		return err
	}

	var idle []*session.Session
	for _, s := range open {
		if r.idle(s, now) {
			idle = append(idle, s)
		}
	}

	duration := time.Duration(auto.SessionDuration) * time.Second

	if !preferred {
		// Never pre-warm non-preferred targets; reclaim every idle session
		// immediately. Busy-only pools are left alone.
		for _, s := range idle {
			if _, err := r.lifecycle.CloseSession(ctx, s.ID); err != nil {
				return err
			}
			r.action("reclaim")
		}
		return nil
	}

	switch {
	case len(open) == 0:
		if _, err := r.lifecycle.CreateAdditionalSession(ctx, callerID, target, duration); err != nil {
			return err
		}
		r.action("prewarm")
	case len(idle) == 0:
		if auto.MaxSessionsPerModel > 0 && len(open) >= auto.MaxSessionsPerModel {
			return nil
		}
		if _, err := r.lifecycle.CreateAdditionalSession(ctx, callerID, target, duration); err != nil {
			return err
		}
		r.action("expand")
	case len(idle) > auto.MinIdleSessions:
		// Trim the least-recently-used idle sessions down to the standby
		// reserve. The reserve itself stays warm on purpose.
		sort.Slice(idle, func(i, j int) bool {
			return idle[i].LastRequestAt.Before(idle[j].LastRequestAt)
		})
		for _, s := range idle[:len(idle)-auto.MinIdleSessions] {
			if _, err := r.lifecycle.CloseSession(ctx, s.ID); err != nil {
				return err
			}
			r.action("trim")
		}
	}
	return nil
}

func (r *Router) action(name string) {
	if r.metrics != nil {
		r.metrics.CapacityActions.WithLabelValues(name).Inc()
	}
}

// Start launches the background policy loop. It stops when ctx is done. The
// pass has no ordering relationship with concurrent demand routing; sessions
// vanishing between a check and their use is handled by expiry recovery.
func (r *Router) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runOnce(ctx)
			}
		}
	}()
}

func (r *Router) runOnce(ctx context.Context) {
	callers, err := r.settings.ListEnabled(ctx)
	if err != nil {
		log.Printf("capacity pass: list automation-enabled callers: %v", err)
		return
	}
	for _, callerID := range callers {
		if err := r.lifecycle.SynchronizeSessions(ctx, callerID); err != nil {
			log.Printf("capacity pass: synchronize sessions for %s: %v", callerID, err)
		}
		if err := r.RunCapacityPass(ctx, callerID); err != nil {
			log.Printf("capacity pass for %s: %v", callerID, err)
		}
	}
}
