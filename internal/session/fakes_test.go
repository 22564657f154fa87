package session_test

import (
	"context"
	"sync"
	"time"

	"agency-portal-backend/internal/domain"
)

type fakeBackend struct {
	mu          sync.Mutex
	session     *domain.Session
	getErr      error
	signInErr   error
	signUpErr   error
	signOutErr  error
	updateErr   error
	resetErr    error
	verifyErr   error
	panicSignIn bool
	// Sessions established by successful calls; each emits its event.
	signInSession   *domain.Session
	signUpSession   *domain.Session
	recoverySession *domain.Session
	signUpData      map[string]any
	signOuts        int
	unsubscribed    int
	events          chan domain.AuthEvent
}

func newFakeBackend(sess *domain.Session) *fakeBackend {
	return &fakeBackend{session: sess, events: make(chan domain.AuthEvent, 16)}
}

func (b *fakeBackend) GetSession(context.Context) (*domain.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session, b.getErr
}

func (b *fakeBackend) OnAuthStateChange() domain.Subscription { return fakeSub{b} }

func (b *fakeBackend) SignInWithPassword(_ context.Context, email, _ string) error {
	if b.panicSignIn {
		panic("provider exploded")
	}
	if b.signInErr != nil {
		return b.signInErr
	}
	b.establish(b.signInSession, domain.EventSignedIn)
	return nil
}

func (b *fakeBackend) SignUp(_ context.Context, _, _ string, data map[string]any) (bool, error) {
	b.mu.Lock()
	b.signUpData = data
	b.mu.Unlock()
	if b.signUpErr != nil {
		return false, b.signUpErr
	}
	return b.establish(b.signUpSession, domain.EventSignedIn), nil
}

// SignOut emits SIGNED_OUT only when a session was held, like the Supabase
// backend.
func (b *fakeBackend) SignOut(context.Context) error {
	b.mu.Lock()
	b.signOuts++
	had := b.session != nil
	if b.signOutErr == nil {
		b.session = nil
	}
	b.mu.Unlock()
	if b.signOutErr != nil {
		return b.signOutErr
	}
	if had {
		b.emit(domain.EventSignedOut, nil)
	}
	return nil
}

func (b *fakeBackend) UpdateUser(context.Context, domain.UserAttributes) error { return b.updateErr }

func (b *fakeBackend) ResetPasswordForEmail(context.Context, string) error { return b.resetErr }

func (b *fakeBackend) VerifyRecovery(context.Context, string, string) error {
	if b.verifyErr != nil {
		return b.verifyErr
	}
	if b.recoverySession != nil {
		b.emit(domain.EventPasswordRecovery, b.recoverySession)
	}
	return nil
}

// establish stores sess and emits kind. A nil sess establishes nothing.
func (b *fakeBackend) establish(sess *domain.Session, kind domain.EventKind) bool {
	if sess == nil {
		return false
	}
	b.mu.Lock()
	b.session = sess
	b.mu.Unlock()
	b.emit(kind, sess)
	return true
}

func (b *fakeBackend) emit(kind domain.EventKind, sess *domain.Session) {
	b.events <- domain.AuthEvent{Kind: kind, Session: sess}
}

type fakeSub struct{ b *fakeBackend }

func (s fakeSub) Events() <-chan domain.AuthEvent { return s.b.events }

func (s fakeSub) Unsubscribe() {
	s.b.mu.Lock()
	s.b.unsubscribed++
	s.b.mu.Unlock()
}

// gatedRepo blocks GetByID on gate (when set) and reports each call on started.
type gatedRepo struct {
	mu        sync.Mutex
	rows      map[string]*domain.ProfileRow
	getErr    error
	upsertErr error
	upserts   []domain.ProfileUpdate
	gate      chan struct{}
	started   chan string
}

func (r *gatedRepo) GetByID(_ context.Context, id string) (*domain.ProfileRow, error) {
	if r.started != nil {
		r.started <- id
	}
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	row, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	return row, nil
}

func (r *gatedRepo) Upsert(_ context.Context, _ string, u domain.ProfileUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.upserts = append(r.upserts, u)
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []domain.Notification
}

func (n *recordingNotifier) Notify(item domain.Notification) {
	n.mu.Lock()
	n.items = append(n.items, item)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.items...)
}

type recordingNavigator struct {
	mu     sync.Mutex
	routes []string
}

func (n *recordingNavigator) Navigate(route string) {
	n.mu.Lock()
	n.routes = append(n.routes, route)
	n.mu.Unlock()
}

func (n *recordingNavigator) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes...)
}

func testSession(id, email string, meta map[string]any) *domain.Session {
	return &domain.Session{
		AccessToken:  "access-" + id,
		RefreshToken: "refresh-" + id,
		TokenType:    "bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         domain.SessionUser{ID: id, Email: email, Metadata: meta},
	}
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func waitCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}
