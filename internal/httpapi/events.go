package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/antoniostano/sessiond/internal/session"
)

// EventHub fans session lifecycle events out to websocket subscribers. Slow
// subscribers drop events rather than backpressure the lifecycle service.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan session.Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan session.Event]struct{})}
}

// Publish is the hook handed to the lifecycle service.
func (h *EventHub) Publish(evt session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *EventHub) subscribe() chan session.Event {
	ch := make(chan session.Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan session.Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.events.subscribe()
	defer s.events.unsubscribe(ch)

	// Reader goroutine only notices the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case evt := <-ch:
			if evt.Session == nil || evt.Session.CallerID != caller {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
