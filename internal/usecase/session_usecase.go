package usecase

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"agency-portal-backend/internal/domain"
	"agency-portal-backend/internal/session"
	"agency-portal-backend/pkg/apperror"
	"agency-portal-backend/pkg/logger"
)

// Backend is a per-client auth backend that the registry closes on unmount.
type Backend interface {
	domain.AuthBackend
	Close()
}

type BackendFactory func(clientID string) Backend

// RegistryMetrics extends the synchronizer counters with mount accounting.
type RegistryMetrics interface {
	session.Metrics
	ProviderMounted()
	ProviderUnmounted(reason string)
}

type SessionConfig struct {
	MaxClients         int
	IdleTimeout        time.Duration
	NotificationBuffer int
	Routes             session.Routes
}

// Client is one browser's mounted provider and its output sinks.
type Client struct {
	ID            string
	Auth          *session.Provider
	Notifications *session.NotificationQueue
	Routes        *session.RouteRecorder

	backend  Backend
	lastSeen time.Time
	elem     *list.Element
}

var ErrRegistryClosed = errors.New("session registry closed")

// SessionUsecase lazily mounts one provider per client id, evicting the least
// recently used client when full and sweeping idle ones.
type SessionUsecase struct {
	newBackend BackendFactory
	profiles   domain.ProfileRepository
	cfg        SessionConfig
	log        *slog.Logger
	metrics    RegistryMetrics
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[string]*Client
	lru     *list.List // front is most recently used
	closed  bool
}

func NewSessionUsecase(newBackend BackendFactory, profiles domain.ProfileRepository, cfg SessionConfig, log *slog.Logger, metrics RegistryMetrics) *SessionUsecase {
	if cfg.MaxClients < 1 {
		cfg.MaxClients = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.Routes == (session.Routes{}) {
		cfg.Routes = session.DefaultRoutes()
	}
	if metrics == nil {
		metrics = nopRegistryMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionUsecase{
		newBackend: newBackend,
		profiles:   profiles,
		cfg:        cfg,
		log:        logger.Or(log),
		metrics:    metrics,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[string]*Client),
		lru:        list.New(),
	}
}

// Acquire returns the client's provider, mounting it on first use. The
// provider outlives ctx; it is unmounted by Release, Sweep, eviction or Close.
func (u *SessionUsecase) Acquire(ctx context.Context, clientID string) (*Client, error) {
	if clientID == "" {
		return nil, apperror.BadRequest("missing client id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, apperror.WithKind(apperror.KindProviderUnavailable, "session registry is shutting down", ErrRegistryClosed)
	}
	if c, ok := u.clients[clientID]; ok {
		c.lastSeen = u.now()
		u.lru.MoveToFront(c.elem)
		u.mu.Unlock()
		return c, nil
	}

	var evicted []*Client
	for len(u.clients) >= u.cfg.MaxClients {
		evicted = append(evicted, u.removeLocked(u.lru.Back().Value.(*Client)))
	}

	c := u.mountLocked(clientID)
	u.mu.Unlock()

	for _, old := range evicted {
		u.unmount(old, "capacity")
	}
	return c, nil
}

// Release unmounts the client's provider if it is mounted.
func (u *SessionUsecase) Release(clientID string) bool {
	u.mu.Lock()
	c, ok := u.clients[clientID]
	if ok {
		u.removeLocked(c)
	}
	u.mu.Unlock()

	if ok {
		u.unmount(c, "released")
	}
	return ok
}

// Sweep unmounts clients idle for longer than the idle timeout and returns
// how many were removed.
func (u *SessionUsecase) Sweep(now time.Time) int {
	u.mu.Lock()
	var idle []*Client
	for e := u.lru.Back(); e != nil; {
		c := e.Value.(*Client)
		prev := e.Prev()
		if now.Sub(c.lastSeen) <= u.cfg.IdleTimeout {
			break
		}
		idle = append(idle, u.removeLocked(c))
		e = prev
	}
	u.mu.Unlock()

	for _, c := range idle {
		u.unmount(c, "idle")
	}
	if len(idle) > 0 {
		u.log.Info("swept idle session providers", "count", len(idle))
	}
	return len(idle)
}

// Run sweeps on a ticker until ctx is done.
func (u *SessionUsecase) Run(ctx context.Context) {
	interval := u.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.Sweep(u.now())
		}
	}
}

// Close unmounts every provider. Later Acquire calls fail.
func (u *SessionUsecase) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	all := make([]*Client, 0, len(u.clients))
	for _, c := range u.clients {
		all = append(all, u.removeLocked(c))
	}
	u.mu.Unlock()

	for _, c := range all {
		u.unmount(c, "shutdown")
	}
	u.cancel()
}

func (u *SessionUsecase) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.clients)
}

func (u *SessionUsecase) mountLocked(clientID string) *Client {
	backend := u.newBackend(clientID)
	c := &Client{
		ID:            clientID,
		Notifications: session.NewNotificationQueue(u.cfg.NotificationBuffer),
		Routes:        &session.RouteRecorder{},
		backend:       backend,
		lastSeen:      u.now(),
	}
	c.Auth = session.NewProvider(session.Options{
		Backend:   backend,
		Profiles:  u.profiles,
		Navigator: c.Routes,
		Notifier:  c.Notifications,
		Routes:    u.cfg.Routes,
		Logger:    u.log.With("client_id", clientID),
		Metrics:   u.metrics,
	})
	c.Auth.Mount(u.ctx)
	c.elem = u.lru.PushFront(c)
	u.clients[clientID] = c
	u.metrics.ProviderMounted()
	return c
}

func (u *SessionUsecase) removeLocked(c *Client) *Client {
	delete(u.clients, c.ID)
	u.lru.Remove(c.elem)
	return c
}

func (u *SessionUsecase) unmount(c *Client, reason string) {
	c.Auth.Unmount()
	c.backend.Close()
	u.metrics.ProviderUnmounted(reason)
	u.log.Debug("session provider unmounted", "client_id", c.ID, "reason", reason)
}

type nopRegistryMetrics struct{}

func (nopRegistryMetrics) EventObserved(domain.EventKind)     {}
func (nopRegistryMetrics) StaleBuildDiscarded()               {}
func (nopRegistryMetrics) ProfileFetchFailed()                {}
func (nopRegistryMetrics) ActionFailed(string, apperror.Kind) {}
func (nopRegistryMetrics) ProviderMounted()                   {}
func (nopRegistryMetrics) ProviderUnmounted(string)           {}
