package session

import (
	"context"
	"log/slog"
	"sync"

	"agency-portal-backend/internal/domain"
)

type ListenerState int

const (
	StateUninitialized ListenerState = iota
	StateCheckingInitialSession
	StateIdleAuthenticated
	StateIdleUnauthenticated
	StateProcessingEvent
)

func (s ListenerState) String() string {
	switch s {
	case StateCheckingInitialSession:
		return "checking-initial-session"
	case StateIdleAuthenticated:
		return "idle-authenticated"
	case StateIdleUnauthenticated:
		return "idle-unauthenticated"
	case StateProcessingEvent:
		return "processing-event"
	default:
		return "uninitialized"
	}
}

// Routes are the navigation targets driven by lifecycle events.
type Routes struct {
	Dashboard      string
	Login          string
	PasswordUpdate string
}

func DefaultRoutes() Routes {
	return Routes{Dashboard: "/dashboard", Login: "/login", PasswordUpdate: "/update-password"}
}

// Listener consumes lifecycle events on one goroutine and writes the store.
// Builds that need a profile fetch run on their own goroutine so a newer
// event can supersede them before they land.
type Listener struct {
	backend domain.AuthBackend
	store   *Store
	fetcher *Fetcher
	nav     domain.Navigator
	routes  Routes
	log     *slog.Logger
	metrics Metrics

	mu     sync.Mutex
	state  ListenerState
	latest uint64
	ctx    context.Context
	cancel context.CancelFunc
	sub    domain.Subscription

	loop   sync.WaitGroup
	builds sync.WaitGroup
}

func NewListener(backend domain.AuthBackend, store *Store, fetcher *Fetcher, nav domain.Navigator, routes Routes, log *slog.Logger, metrics Metrics) *Listener {
	return &Listener{
		backend: backend,
		store:   store,
		fetcher: fetcher,
		nav:     nav,
		routes:  routes,
		log:     log,
		metrics: metrics,
	}
}

func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start subscribes to the backend and runs the initial session check. Loading
// is raised before Start returns. Calling Start twice is a no-op.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.state != StateUninitialized {
		l.mu.Unlock()
		return
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	release := l.store.Acquire()
	t := l.store.ObserveEvent()
	l.latest = t.Seq()
	l.state = StateCheckingInitialSession
	// Subscribe before the check so no event between the two is lost; any
	// such event supersedes the initial ticket.
	l.sub = l.backend.OnAuthStateChange()
	sub := l.sub
	l.mu.Unlock()

	l.builds.Add(1)
	go l.initialCheck(t, release)

	l.loop.Add(1)
	go l.consume(sub)
}

// Stop cancels pending effects: continuations that finish afterwards make no
// store write and trigger no navigation. It waits for the consumer goroutine
// but not for in-flight profile fetches.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, sub := l.cancel, l.sub
	l.cancel, l.sub = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	sub.Unsubscribe()
	l.store.Close()
	l.loop.Wait()
}

func (l *Listener) alive() bool {
	return l.ctx.Err() == nil
}

// consume holds loading from the moment an event is taken up until the queue
// is drained, so there is no idle gap between queued events.
func (l *Listener) consume(sub domain.Subscription) {
	defer l.loop.Done()
	events := sub.Events()
	var hold func()
	defer func() {
		if hold != nil {
			hold()
		}
	}()
	for {
		select {
		case <-l.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !l.alive() {
				return
			}
			next := l.store.Receive()
			if hold != nil {
				hold()
			}
			hold = next
			l.handle(ev)
			if len(events) == 0 {
				hold()
				hold = nil
			}
		}
	}
}

func (l *Listener) handle(ev domain.AuthEvent) {
	l.metrics.EventObserved(ev.Kind)
	l.log.Debug("auth event received", "event", ev.Kind)

	switch ev.Kind {
	case domain.EventPasswordRecovery:
		l.navigate(l.routes.PasswordUpdate)

	case domain.EventSignedOut:
		release := l.store.Acquire()
		t := l.begin()
		applied := l.store.Apply(t, nil, nil)
		release()
		if applied {
			l.settle(t, false)
			l.navigate(l.routes.Login)
		}

	case domain.EventSignedIn, domain.EventTokenRefreshed:
		release := l.store.Acquire()
		t := l.begin()
		l.builds.Add(1)
		go l.build(t, ev.Session, release)

	default:
		l.log.Warn("ignoring unknown auth event", "event", ev.Kind)
	}
}

func (l *Listener) initialCheck(t Ticket, release func()) {
	defer l.builds.Done()
	defer release()

	sess, err := l.backend.GetSession(l.ctx)
	if err != nil {
		l.log.Warn("initial session check failed", "error", err)
		sess = nil
	}
	if !l.alive() {
		return
	}

	var view *domain.UserView
	if sess != nil {
		view = l.buildView(sess)
	}
	if !l.alive() {
		return
	}
	if l.store.Apply(t, sess, view) {
		l.settle(t, sess != nil)
	}
}

func (l *Listener) build(t Ticket, sess *domain.Session, release func()) {
	defer l.builds.Done()
	defer release()

	if sess == nil {
		var err error
		sess, err = l.backend.GetSession(l.ctx)
		if err != nil {
			l.log.Warn("session lookup after auth event failed", "error", err)
		}
	}
	var view *domain.UserView
	if sess != nil {
		view = l.buildView(sess)
	}
	if !l.alive() {
		return
	}
	if !l.store.Apply(t, sess, view) {
		l.metrics.StaleBuildDiscarded()
		l.log.Debug("discarding superseded user view build", "seq", t.Seq())
		return
	}
	l.settle(t, sess != nil)
	if sess != nil {
		l.navigate(l.routes.Dashboard)
	} else {
		l.navigate(l.routes.Login)
	}
}

// buildView fetches the profile and degrades to session-only data on failure.
func (l *Listener) buildView(sess *domain.Session) *domain.UserView {
	row, err := l.fetcher.Fetch(l.ctx, sess.User.ID)
	if err != nil {
		l.log.Warn("building user view without profile", "user_id", sess.User.ID)
	}
	return BuildUserView(sess, row)
}

func (l *Listener) begin() Ticket {
	t := l.store.ObserveEvent()
	l.mu.Lock()
	l.latest = t.Seq()
	l.state = StateProcessingEvent
	l.mu.Unlock()
	return t
}

func (l *Listener) settle(t Ticket, authenticated bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.Seq() != l.latest {
		return
	}
	if authenticated {
		l.state = StateIdleAuthenticated
	} else {
		l.state = StateIdleUnauthenticated
	}
}

func (l *Listener) navigate(route string) {
	if route == "" || !l.alive() {
		return
	}
	l.nav.Navigate(route)
}
