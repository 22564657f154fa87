package session

import (
	"context"
	"log/slog"
	"time"

	"agency-portal-backend/internal/domain"
	"agency-portal-backend/pkg/logger"
)

type Options struct {
	Backend   domain.AuthBackend
	Profiles  domain.ProfileRepository
	Navigator domain.Navigator
	Notifier  domain.Notifier
	Routes    Routes
	Logger    *slog.Logger
	Metrics   Metrics
	// EventHandoff overrides DefaultEventHandoff when positive.
	EventHandoff time.Duration
}

// Provider owns one store and wires the listener and facade to it.
type Provider struct {
	*Facade
	store    *Store
	listener *Listener
}

var _ Auth = (*Provider)(nil)

func NewProvider(opts Options) *Provider {
	log := logger.Or(opts.Logger)
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Navigator == nil {
		opts.Navigator = nopNavigator{}
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Routes == (Routes{}) {
		opts.Routes = DefaultRoutes()
	}

	store := NewStore()
	fetcher := NewFetcher(opts.Profiles, log, opts.Metrics)
	facade := NewFacade(opts.Backend, opts.Profiles, store, fetcher, opts.Notifier, log, opts.Metrics)
	if opts.EventHandoff > 0 {
		facade.handoff = opts.EventHandoff
	}
	return &Provider{
		Facade:   facade,
		store:    store,
		listener: NewListener(opts.Backend, store, fetcher, opts.Navigator, opts.Routes, log, opts.Metrics),
	}
}

// Mount starts the listener. Loading is already raised when Mount returns.
func (p *Provider) Mount(ctx context.Context) {
	p.listener.Start(ctx)
}

// Unmount stops the listener and freezes the store.
func (p *Provider) Unmount() {
	p.listener.Stop()
}

func (p *Provider) Store() *Store { return p.store }

func (p *Provider) ListenerState() ListenerState { return p.listener.State() }

func (p *Provider) State() State { return p.store.Snapshot() }

func (p *Provider) IsAuthenticated() bool { return p.store.Snapshot().Session != nil }

func (p *Provider) IsAdmin() bool {
	u := p.store.Snapshot().User
	return u != nil && u.IsAdmin
}

func (p *Provider) WaitIdle(ctx context.Context) (State, error) {
	return p.store.WaitIdle(ctx)
}
