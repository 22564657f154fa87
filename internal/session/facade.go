package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"agency-portal-backend/internal/domain"
	"agency-portal-backend/pkg/apperror"
)

// Facade is the imperative action surface. Every action raises loading for
// its whole duration and reports each failure with exactly one notification.
type Facade struct {
	backend  domain.AuthBackend
	profiles domain.ProfileRepository
	store    *Store
	fetcher  *Fetcher
	notifier domain.Notifier
	log      *slog.Logger
	metrics  Metrics
	handoff  time.Duration
	now      func() time.Time
}

// DefaultEventHandoff bounds how long an action keeps loading raised while
// the lifecycle event it caused reaches the listener.
const DefaultEventHandoff = 2 * time.Second

func NewFacade(backend domain.AuthBackend, profiles domain.ProfileRepository, store *Store, fetcher *Fetcher, notifier domain.Notifier, log *slog.Logger, metrics Metrics) *Facade {
	return &Facade{
		backend:  backend,
		profiles: profiles,
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		log:      log,
		metrics:  metrics,
		handoff:  DefaultEventHandoff,
		now:      time.Now,
	}
}

// SignIn leaves the user view to the SIGNED_IN event.
func (f *Facade) SignIn(ctx context.Context, email, password string) error {
	defer f.store.Acquire()()

	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return f.fail("sign_in", apperror.WithKind(apperror.KindInvalidCredentials, "Invalid login credentials", nil))
	}
	mark := f.store.Received()
	if err := f.backend.SignInWithPassword(ctx, email, password); err != nil {
		return f.fail("sign_in", err)
	}
	f.awaitEvent(ctx, "sign_in", mark)
	f.notify(domain.NotifySuccess, "Signed in successfully.")
	return nil
}

// SignUp does not guarantee a local session: the provider may require email
// confirmation first.
func (f *Facade) SignUp(ctx context.Context, email, password, name string) error {
	defer f.store.Acquire()()

	data := map[string]any{}
	if name = strings.TrimSpace(name); name != "" {
		data["full_name"] = name
	}
	mark := f.store.Received()
	signedIn, err := f.backend.SignUp(ctx, strings.TrimSpace(email), password, data)
	if err != nil {
		return f.fail("sign_up", err)
	}
	if signedIn {
		f.awaitEvent(ctx, "sign_up", mark)
	}
	f.notify(domain.NotifySuccess, "Account created. Check your email to confirm your address.")
	return nil
}

// SignOut clears the local view before calling the provider. The SIGNED_OUT
// event repeats the clear; calling it while signed out changes nothing.
func (f *Facade) SignOut(ctx context.Context) error {
	defer f.store.Acquire()()

	hadSession := f.store.Clear()
	mark := f.store.Received()
	err := f.backend.SignOut(ctx)
	if hadSession {
		f.awaitEvent(ctx, "sign_out", mark)
	}
	if err != nil {
		return f.fail("sign_out", err)
	}
	if hadSession {
		f.notify(domain.NotifyInfo, "You have been signed out.")
	}
	return nil
}

// RefreshUser rebuilds the user view for the current session. Failures are
// reported through the notifier only; it always returns nil.
func (f *Facade) RefreshUser(ctx context.Context) error {
	defer f.store.Acquire()()

	t, sess := f.store.BeginAction()
	if sess == nil {
		return nil
	}
	row, err := f.fetcher.Fetch(ctx, sess.User.ID)
	if err != nil {
		f.report("refresh_user", err)
		return nil
	}
	if !f.store.Apply(t, sess, BuildUserView(sess, row)) {
		f.log.Debug("refresh superseded by a newer write", "seq", t.Seq())
	}
	return nil
}

// UpdateProfile persists the partial and then merges it into the local view.
func (f *Facade) UpdateProfile(ctx context.Context, update domain.ProfileUpdate) error {
	defer f.store.Acquire()()

	t, sess := f.store.BeginAction()
	if sess == nil {
		return f.fail("update_profile", notAuthenticated())
	}
	if update = update.Normalize(); update.Empty() {
		return nil
	}
	if f.profiles == nil {
		return f.fail("update_profile", apperror.Internal(errors.New("profile repository not configured")))
	}
	if err := f.profiles.Upsert(ctx, sess.User.ID, update); err != nil {
		return f.fail("update_profile", err)
	}
	if !f.store.Merge(t, update) {
		f.log.Debug("profile merge superseded by a newer write", "seq", t.Seq())
	}
	f.notify(domain.NotifySuccess, "Profile updated.")
	return nil
}

// RequestPasswordReset sends the recovery mail. The outcome is reported the
// same way whether or not the address is registered.
func (f *Facade) RequestPasswordReset(ctx context.Context, email string) error {
	defer f.store.Acquire()()

	if err := f.backend.ResetPasswordForEmail(ctx, strings.TrimSpace(email)); err != nil {
		return f.fail("reset_password", err)
	}
	f.notify(domain.NotifyInfo, "If an account exists for this email, a reset link is on its way.")
	return nil
}

// VerifyRecovery exchanges a recovery code for a session; the backend then
// emits PASSWORD_RECOVERY.
func (f *Facade) VerifyRecovery(ctx context.Context, email, token string) error {
	defer f.store.Acquire()()

	mark := f.store.Received()
	if err := f.backend.VerifyRecovery(ctx, strings.TrimSpace(email), strings.TrimSpace(token)); err != nil {
		return f.fail("verify_recovery", err)
	}
	f.awaitEvent(ctx, "verify_recovery", mark)
	return nil
}

// UpdatePassword does not consult the store: a recovery session is held by
// the backend without ever becoming the local view.
func (f *Facade) UpdatePassword(ctx context.Context, password string) error {
	defer f.store.Acquire()()

	if err := f.backend.UpdateUser(ctx, domain.UserAttributes{Password: password}); err != nil {
		return f.fail("update_password", err)
	}
	f.notify(domain.NotifySuccess, "Password updated.")
	return nil
}

// awaitEvent keeps the caller's loading raised until the listener has taken
// up an event newer than mark. The listener then holds loading itself until
// that event's write lands.
func (f *Facade) awaitEvent(ctx context.Context, action string, mark uint64) {
	if !f.store.AwaitReceived(ctx, mark, f.handoff) {
		f.log.Debug("no auth event observed after action", "action", action, "timeout", f.handoff)
	}
}

// fail notifies once and returns the error as an AppError carrying the
// user-readable message. Errors without a kind are treated as transport errors.
func (f *Facade) fail(action string, err error) error {
	appErr := classify(err)
	f.metrics.ActionFailed(action, appErr.Kind)
	f.log.Warn("auth action failed", "action", action, "kind", appErr.Kind, "error", err)
	f.notify(domain.NotifyError, appErr.Message)
	return appErr
}

func (f *Facade) report(action string, err error) {
	appErr := classify(err)
	f.metrics.ActionFailed(action, appErr.Kind)
	f.log.Warn("auth action failed silently", "action", action, "error", err)
	f.notify(domain.NotifyError, appErr.Message)
}

func (f *Facade) notify(level domain.NotificationLevel, msg string) {
	f.notifier.Notify(domain.Notification{Level: level, Message: msg, At: f.now()})
}

func classify(err error) *apperror.AppError {
	kind := apperror.KindOf(err)
	if kind == "" {
		kind = apperror.KindNetwork
	}
	return apperror.WithKind(kind, FriendlyMessage(err), err)
}

func notAuthenticated() error {
	return apperror.WithKind(apperror.KindNotAuthenticated, "not authenticated", nil)
}
