package supabase

import (
	"sync"

	"agency-portal-backend/internal/domain"
)

// hub fans lifecycle events out to subscriptions. Each subscription has a
// bounded queue; when it is full the oldest queued event is dropped.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	buffer int
	closed bool
}

func newHub(buffer int) *hub {
	if buffer < 1 {
		buffer = 1
	}
	return &hub{subs: make(map[*subscription]struct{}), buffer: buffer}
}

type subscription struct {
	hub  *hub
	ch   chan domain.AuthEvent
	once sync.Once
}

func (s *subscription) Events() <-chan domain.AuthEvent { return s.ch }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if _, ok := s.hub.subs[s]; ok {
			delete(s.hub.subs, s)
			close(s.ch)
		}
	})
}

func (h *hub) subscribe() domain.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscription{hub: h, ch: make(chan domain.AuthEvent, h.buffer)}
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// publish never blocks and reports how many events were dropped.
func (h *hub) publish(ev domain.AuthEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		select {
		case <-sub.ch:
			dropped++
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}
