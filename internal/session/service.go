package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/antoniostano/sessiond/internal/keystore"
	"github.com/antoniostano/sessiond/internal/observability"
	"github.com/antoniostano/sessiond/internal/proxyrouter"
)

// RouterClient is the slice of the proxy client the lifecycle service needs.
type RouterClient interface {
	OpenSession(ctx context.Context, target string, duration time.Duration, secret string, opts proxyrouter.OpenSessionOptions) ([]byte, error)
	CloseSession(ctx context.Context, id, secret string) error
	GetSessionStatus(ctx context.Context, id string) (*proxyrouter.SessionStatus, error)
	ChatCompletions(ctx context.Context, sessionID, secret string, req proxyrouter.ChatCompletionRequest) ([]byte, error)
}

// Event is a lifecycle notification for observers (metrics, event feed).
type Event struct {
	Type    string   `json:"type"` // opened | closed | expired
	Session *Session `json:"session"`
}

// Service owns the mapping between caller identities and their session rows.
// It creates sessions through the router client, retires them, verifies
// liveness, and repairs expired sessions transparently to the caller.
type Service struct {
	store    Store
	router   RouterClient
	keys     keystore.Store
	metrics  *observability.Metrics
	duration time.Duration
	settle   time.Duration
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	notify   func(Event)
}

func NewService(store Store, router RouterClient, keys keystore.Store, defaultDuration, settleDelay time.Duration, metrics *observability.Metrics) *Service {
	if defaultDuration <= 0 {
		defaultDuration = time.Hour
	}
	return &Service{
		store:    store,
		router:   router,
		keys:     keys,
		metrics:  metrics,
		duration: defaultDuration,
		settle:   settleDelay,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// SetNotify registers a lifecycle event hook. Must be called before the
// service is shared.
func (s *Service) SetNotify(fn func(Event)) {
	s.notify = fn
}

func (s *Service) emit(eventType string, sess *Session) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(eventType).Inc()
		if eventType == "opened" {
			s.metrics.ActiveSessions.Inc()
		} else {
			s.metrics.ActiveSessions.Dec()
		}
	}
	if s.notify != nil {
		s.notify(Event{Type: eventType, Session: clone(sess)})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetOrCreateSession returns the caller's current open session for the target
// model, opening a new one if none exists.
func (s *Service) GetOrCreateSession(ctx context.Context, callerID, target string) (*Session, error) {
	open, err := s.store.OpenByCallerModel(ctx, callerID, target, s.now())
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return open[0], nil
	}
	return s.CreateSession(ctx, callerID, target, 0)
}

// CreateSession always opens a new session, deactivating any prior session
// for the caller first. A duration of zero uses the configured default.
func (s *Service) CreateSession(ctx context.Context, callerID, target string, duration time.Duration) (*Session, error) {
	return s.create(ctx, callerID, target, duration, false)
}

// CreateAdditionalSession opens a pooled session without deactivating the
// caller's existing ones. Used by the capacity router for fan-out and
// pre-warming.
func (s *Service) CreateAdditionalSession(ctx context.Context, callerID, target string, duration time.Duration) (*Session, error) {
	return s.create(ctx, callerID, target, duration, true)
}

// openRetries is how many extra open calls are made when a 2xx response
// carries no recognizable session id.
const openRetries = 2

func (s *Service) create(ctx context.Context, callerID, target string, duration time.Duration, pooled bool) (*Session, error) {
	if err := ValidateTarget(target); err != nil {
		return nil, err
	}
	if duration <= 0 {
		duration = s.duration
	}

	secret, usedFallback, err := s.keys.PrivateKeyWithFallback(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("resolve consumer key: %w", err)
	}
	if usedFallback {
		log.Printf("session open for caller %s uses the fallback consumer key", callerID)
	}

	var id string
	for attempt := 0; attempt <= openRetries; attempt++ {
		body, err := s.router.OpenSession(ctx, target, duration, secret, proxyrouter.OpenSessionOptions{Failover: true})
		if err != nil {
			return nil, err
		}
		if id = extractSessionID(body); id != "" {
			break
		}
		log.Printf("open session response for %s carried no session id (attempt %d)", target, attempt+1)
	}
	if id == "" {
		return nil, fmt.Errorf("open session for %s: response carried no session id", target)
	}

	now := s.now()
	sess := &Session{
		ID:          id,
		CallerID:    callerID,
		ModelID:     target,
		IsActive:    true,
		Pooled:      pooled,
		Utilization: StatusIdle,
		CreatedAt:   now,
		ExpiresAt:   now.Add(duration),
	}
	if pooled {
		err = s.store.Insert(ctx, sess)
	} else {
		err = s.store.DeactivateAndCreate(ctx, sess)
	}
	if err != nil {
		return nil, err
	}
	s.emit("opened", sess)

	// Providers need a moment after open before they accept traffic. The
	// probe afterwards is advisory only.
	if err := s.sleep(ctx, s.settle); err != nil {
		return sess, nil
	}
	if err := s.probe(ctx, sess, secret); err != nil {
		log.Printf("post-open liveness probe for session %s failed: %v", sess.ID, err)
	}
	return sess, nil
}

// probe issues a minimal inference call against the session.
func (s *Service) probe(ctx context.Context, sess *Session, secret string) error {
	_, err := s.router.ChatCompletions(ctx, sess.ID, secret, proxyrouter.ChatCompletionRequest{
		Model:     sess.ModelID,
		Messages:  []proxyrouter.ChatMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

// CloseSession retires a session. An already-expired session is a local-only
// state change; no upstream close call is issued for it.
func (s *Service) CloseSession(ctx context.Context, id string) (bool, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !sess.IsActive {
		return false, nil
	}

	if !sess.Expired(s.now()) {
		secret, _, kerr := s.keys.PrivateKeyWithFallback(ctx, sess.CallerID)
		if kerr != nil {
			return false, fmt.Errorf("resolve consumer key: %w", kerr)
		}
		if cerr := s.router.CloseSession(ctx, id, secret); cerr != nil {
			// The row is retired regardless; the upstream session dies on its
			// own at expiry.
			log.Printf("upstream close for session %s failed: %v", id, cerr)
		}
	}

	if err := s.store.MarkInactive(ctx, id); err != nil {
		return false, err
	}
	sess.IsActive = false
	s.emit("closed", sess)
	return true, nil
}

// VerifySessionStatus checks liveness. An expired session is marked inactive
// without a network round-trip; a live check failure closes the session.
func (s *Service) VerifySessionStatus(ctx context.Context, id string) (bool, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !sess.IsActive {
		return false, nil
	}
	if sess.Expired(s.now()) {
		if err := s.store.MarkInactive(ctx, id); err != nil {
			return false, err
		}
		sess.IsActive = false
		s.emit("expired", sess)
		return false, nil
	}

	secret, _, err := s.keys.PrivateKeyWithFallback(ctx, sess.CallerID)
	if err != nil {
		return false, fmt.Errorf("resolve consumer key: %w", err)
	}
	if err := s.probe(ctx, sess, secret); err != nil {
		log.Printf("session %s failed liveness probe, closing: %v", id, err)
		if _, cerr := s.CloseSession(ctx, id); cerr != nil {
			return false, cerr
		}
		return false, nil
	}
	return true, nil
}

// SynchronizeSessions reconciles the caller's rows against upstream truth.
// Network failures leave rows untouched; only definitive answers retire them.
func (s *Service) SynchronizeSessions(ctx context.Context, callerID string) error {
	active, err := s.store.ActiveByCaller(ctx, callerID)
	if err != nil {
		return err
	}
	now := s.now()
	for _, sess := range active {
		if sess.Expired(now) {
			if err := s.store.MarkInactive(ctx, sess.ID); err != nil {
				return err
			}
			sess.IsActive = false
			s.emit("expired", sess)
			continue
		}
		st, err := s.router.GetSessionStatus(ctx, sess.ID)
		if err != nil {
			if proxyrouter.KindOf(err) == proxyrouter.KindNotFound {
				if err := s.store.MarkInactive(ctx, sess.ID); err != nil {
					return err
				}
				sess.IsActive = false
				s.emit("expired", sess)
			}
			continue
		}
		if st.ClosedAt > 0 || (st.EndsAt > 0 && time.Unix(st.EndsAt, 0).Before(now)) {
			if err := s.store.MarkInactive(ctx, sess.ID); err != nil {
				return err
			}
			sess.IsActive = false
			s.emit("expired", sess)
		}
	}
	return nil
}

// ExecuteWithRecovery runs call against sess and, if the upstream rejects the
// session as expired, opens one replacement for the same caller/model and
// replays the whole call exactly once. It returns the session the successful
// (or final) attempt used.
func (s *Service) ExecuteWithRecovery(ctx context.Context, sess *Session, call func(context.Context, *Session) error) (*Session, error) {
	err := call(ctx, sess)
	if err == nil || !proxyrouter.IsSessionExpired(err) {
		return sess, err
	}

	if merr := s.store.MarkInactive(ctx, sess.ID); merr != nil && merr != ErrNotFound {
		log.Printf("retire expired session %s: %v", sess.ID, merr)
	}
	sess.IsActive = false
	s.emit("expired", sess)

	var repl *Session
	var cerr error
	if sess.Pooled {
		repl, cerr = s.CreateAdditionalSession(ctx, sess.CallerID, sess.ModelID, 0)
	} else {
		repl, cerr = s.CreateSession(ctx, sess.CallerID, sess.ModelID, 0)
	}
	if cerr != nil {
		return sess, fmt.Errorf("%w (replacement session failed: %v)", err, cerr)
	}

	// The dead session took the busy/request-count bookkeeping for this call;
	// carry it over to the row the replay actually runs on.
	if uerr := s.store.SetUtilization(ctx, repl.ID, StatusBusy, s.now(), true); uerr != nil {
		log.Printf("mark replacement session %s busy: %v", repl.ID, uerr)
	}

	if rerr := call(ctx, repl); rerr != nil {
		return repl, rerr
	}
	return repl, nil
}
