package supabase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"agency-portal-backend/internal/domain"
	"agency-portal-backend/pkg/apperror"
	"agency-portal-backend/pkg/auth"
	"agency-portal-backend/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
)

const retryAfterNetworkError = 30 * time.Second

type BackendOptions struct {
	Tokens        domain.TokenStore
	Verifier      *auth.Verifier // nil skips signature checks
	RefreshMargin time.Duration
	EventBuffer   int
	Logger        *slog.Logger
}

// Backend is one browser client's view of Supabase Auth. Its session lives in
// the token store under the client key.
type Backend struct {
	api      *GoTrue
	key      string
	tokens   domain.TokenStore
	verifier *auth.Verifier
	margin   time.Duration
	hub      *hub
	log      *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

var _ domain.AuthBackend = (*Backend)(nil)

func NewBackend(api *GoTrue, key string, opts BackendOptions) *Backend {
	return &Backend{
		api:      api,
		key:      key,
		tokens:   opts.Tokens,
		verifier: opts.Verifier,
		margin:   opts.RefreshMargin,
		hub:      newHub(opts.EventBuffer),
		log:      logger.Or(opts.Logger).With("client_id", key),
		now:      time.Now,
	}
}

// GetSession returns the stored session, refreshing it first when the access
// token is expired or about to expire. Sessions that cannot be refreshed or
// verified are dropped.
func (b *Backend) GetSession(ctx context.Context) (*domain.Session, error) {
	sess, err := b.tokens.Load(ctx, b.key)
	if err != nil || sess == nil {
		return nil, err
	}

	if !sess.Expired(b.now(), b.margin) && b.verifier != nil {
		if _, err := b.verifier.Verify(sess.AccessToken); err != nil {
			if !errors.Is(err, jwt.ErrTokenExpired) {
				b.log.Warn("dropping session with invalid access token", "error", err)
				_ = b.tokens.Delete(ctx, b.key)
				return nil, nil
			}
			sess.ExpiresAt = b.now()
		}
	}

	if sess.Expired(b.now(), b.margin) {
		fresh, err := b.refresh(ctx, sess)
		if err != nil {
			if rejected(err) {
				b.log.Info("stored session could not be refreshed", "error", err)
				_ = b.tokens.Delete(ctx, b.key)
				return nil, nil
			}
			return nil, err
		}
		sess = fresh
	}

	b.schedule(sess)
	return sess, nil
}

func (b *Backend) OnAuthStateChange() domain.Subscription {
	return b.hub.subscribe()
}

func (b *Backend) SignInWithPassword(ctx context.Context, email, password string) error {
	resp, err := b.api.PasswordGrant(ctx, email, password)
	if err != nil {
		return err
	}
	return b.establish(ctx, resp.session(b.now()), domain.EventSignedIn)
}

// SignUp signs the client in only when the project auto-confirms addresses.
func (b *Backend) SignUp(ctx context.Context, email, password string, data map[string]any) (bool, error) {
	resp, err := b.api.SignUp(ctx, email, password, data)
	if err != nil {
		return false, err
	}
	sess := resp.session(b.now())
	if sess == nil {
		return false, nil
	}
	if err := b.establish(ctx, sess, domain.EventSignedIn); err != nil {
		return false, err
	}
	return true, nil
}

// SignOut always forgets the local session. A transport failure is still
// returned so the caller can report it.
func (b *Backend) SignOut(ctx context.Context) error {
	sess, err := b.tokens.Load(ctx, b.key)
	if err != nil {
		return apperror.WithKind(apperror.KindNetwork, "network error: "+err.Error(), err)
	}
	if sess == nil {
		return nil
	}

	var remoteErr error
	if err := b.api.Logout(ctx, sess.AccessToken); err != nil && !apperror.IsKind(err, apperror.KindNotAuthenticated) {
		remoteErr = err
	}

	b.stopTimer()
	if err := b.tokens.Delete(ctx, b.key); err != nil {
		b.log.Warn("failed to delete stored session", "error", err)
	}
	b.emit(domain.AuthEvent{Kind: domain.EventSignedOut})
	return remoteErr
}

func (b *Backend) UpdateUser(ctx context.Context, attrs domain.UserAttributes) error {
	sess, err := b.GetSession(ctx)
	if err != nil {
		return err
	}
	if sess == nil {
		return apperror.WithKind(apperror.KindNotAuthenticated, "not authenticated", nil)
	}

	user, err := b.api.UpdateUser(ctx, sess.AccessToken, attrs)
	if err != nil {
		return err
	}
	if user.ID != "" {
		sess.User = domain.SessionUser{ID: user.ID, Email: user.Email, Metadata: user.UserMetadata}
	}
	return b.tokens.Save(ctx, b.key, sess)
}

func (b *Backend) ResetPasswordForEmail(ctx context.Context, email string) error {
	return b.api.Recover(ctx, email)
}

// VerifyRecovery stores the recovery session and emits PASSWORD_RECOVERY.
func (b *Backend) VerifyRecovery(ctx context.Context, email, token string) error {
	resp, err := b.api.VerifyRecovery(ctx, email, token)
	if err != nil {
		return err
	}
	sess := resp.session(b.now())
	if sess == nil {
		return apperror.WithKind(apperror.KindInvalidCredentials, "Token has expired or is invalid", nil)
	}
	return b.establish(ctx, sess, domain.EventPasswordRecovery)
}

// Close stops the refresher and ends every subscription.
func (b *Backend) Close() {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	b.hub.close()
}

func (b *Backend) establish(ctx context.Context, sess *domain.Session, kind domain.EventKind) error {
	if err := b.tokens.Save(ctx, b.key, sess); err != nil {
		return apperror.WithKind(apperror.KindNetwork, "network error: "+err.Error(), err)
	}
	b.schedule(sess)
	b.emit(domain.AuthEvent{Kind: kind, Session: copySession(sess)})
	return nil
}

func (b *Backend) refresh(ctx context.Context, sess *domain.Session) (*domain.Session, error) {
	resp, err := b.api.RefreshGrant(ctx, sess.RefreshToken)
	if err != nil {
		return nil, err
	}
	fresh := resp.session(b.now())
	if fresh == nil {
		return nil, apperror.WithKind(apperror.KindNotAuthenticated, "refresh returned no session", nil)
	}
	if err := b.tokens.Save(ctx, b.key, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// schedule arms the refresher margin before sess expires.
func (b *Backend) schedule(sess *domain.Session) {
	if sess == nil || sess.ExpiresAt.IsZero() {
		return
	}
	b.scheduleIn(sess.ExpiresAt.Sub(b.now()) - b.margin)
}

func (b *Backend) scheduleIn(d time.Duration) {
	if d < 0 {
		d = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(d, b.autoRefresh)
}

func (b *Backend) stopTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Backend) autoRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sess, err := b.tokens.Load(ctx, b.key)
	if err != nil {
		b.log.Warn("refresher could not load session", "error", err)
		b.scheduleIn(retryAfterNetworkError)
		return
	}
	if sess == nil {
		return
	}

	fresh, err := b.refresh(ctx, sess)
	switch {
	case err == nil:
		b.schedule(fresh)
		b.emit(domain.AuthEvent{Kind: domain.EventTokenRefreshed, Session: copySession(fresh)})
	case rejected(err):
		b.log.Info("refresh token rejected, signing out", "error", err)
		_ = b.tokens.Delete(ctx, b.key)
		b.emit(domain.AuthEvent{Kind: domain.EventSignedOut})
	default:
		b.log.Warn("token refresh failed, retrying", "error", err)
		b.scheduleIn(retryAfterNetworkError)
	}
}

func (b *Backend) emit(ev domain.AuthEvent) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	if dropped := b.hub.publish(ev); dropped > 0 {
		b.log.Warn("auth event queue full, dropped oldest", "event", ev.Kind, "dropped", dropped)
	}
}

func copySession(s *domain.Session) *domain.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
