package memory

import (
	"context"
	"sync"
	"time"

	"agency-portal-backend/internal/domain"
)

type entry struct {
	session domain.Session
	expires time.Time
}

// TokenStore keeps sessions in process memory. Used when Redis is not configured.
type TokenStore struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

var _ domain.TokenStore = (*TokenStore)(nil)

func NewTokenStore(ttl time.Duration) *TokenStore {
	return &TokenStore{entries: make(map[string]entry), ttl: ttl, now: time.Now}
}

func (s *TokenStore) Load(_ context.Context, key string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if s.ttl > 0 && !s.now().Before(e.expires) {
		delete(s.entries, key)
		return nil, nil
	}
	sess := e.session
	return &sess, nil
}

func (s *TokenStore) Save(_ context.Context, key string, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess == nil {
		delete(s.entries, key)
		return nil
	}
	s.entries[key] = entry{session: *sess, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *TokenStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
