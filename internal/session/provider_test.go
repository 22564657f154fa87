package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"agency-portal-backend/internal/domain"
	"agency-portal-backend/internal/session"
	"agency-portal-backend/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	backend  *fakeBackend
	repo     *gatedRepo
	notifier *recordingNotifier
	nav      *recordingNavigator
	provider *session.Provider
}

func newHarness(sess *domain.Session, repo *gatedRepo) *harness {
	if repo == nil {
		repo = &gatedRepo{}
	}
	h := &harness{
		backend:  newFakeBackend(sess),
		repo:     repo,
		notifier: &recordingNotifier{},
		nav:      &recordingNavigator{},
	}
	h.provider = session.NewProvider(session.Options{
		Backend:   h.backend,
		Profiles:  h.repo,
		Navigator: h.nav,
		Notifier:  h.notifier,
		// Actions whose fake emits nothing wait this long for an event.
		EventHandoff: 300 * time.Millisecond,
	})
	return h
}

func (h *harness) mountIdle(t *testing.T) session.State {
	t.Helper()
	h.provider.Mount(context.Background())
	t.Cleanup(h.provider.Unmount)
	ctx, cancel := waitCtx()
	defer cancel()
	st, err := h.provider.WaitIdle(ctx)
	require.NoError(t, err)
	return st
}

func TestInitialLoadWithProfile(t *testing.T) {
	sess := testSession("u-1", "ana@agency.dev", nil)
	repo := &gatedRepo{rows: map[string]*domain.ProfileRow{
		"u-1": {ID: "u-1", FullName: strPtr("Ana"), IsAdmin: boolPtr(true)},
	}}
	h := newHarness(sess, repo)

	states, stop := h.provider.Store().Subscribe(16)
	defer stop()

	st := h.mountIdle(t)

	require.NotNil(t, st.User)
	assert.Equal(t, &domain.UserView{ID: "u-1", Email: "ana@agency.dev", Name: "Ana", IsAdmin: true}, st.User)
	assert.Same(t, sess, st.Session)
	assert.False(t, st.Loading)
	assert.True(t, h.provider.IsAuthenticated())
	assert.True(t, h.provider.IsAdmin())
	assert.Equal(t, session.StateIdleAuthenticated, h.provider.ListenerState())
	assert.Empty(t, h.nav.all(), "initial check does not navigate")

	var loading []bool
	for drained := false; !drained; {
		select {
		case s := <-states:
			loading = append(loading, s.Loading)
		default:
			drained = true
		}
	}
	require.NotEmpty(t, loading)
	assert.True(t, loading[0])
	falls := 0
	for i := 1; i < len(loading); i++ {
		if loading[i-1] && !loading[i] {
			falls++
		}
	}
	assert.Equal(t, 1, falls)
	assert.False(t, loading[len(loading)-1])
}

func TestInitialCheckErrorSettlesUnauthenticated(t *testing.T) {
	h := newHarness(nil, nil)
	h.backend.getErr = errors.New("connection reset")

	st := h.mountIdle(t)

	assert.Nil(t, st.Session)
	assert.Nil(t, st.User)
	assert.Equal(t, session.StateIdleUnauthenticated, h.provider.ListenerState())
	assert.Empty(t, h.notifier.all(), "background failures are logged, not notified")
}

func TestDegradedViewWhenProfileFetchFails(t *testing.T) {
	sess := testSession("u-2", "bo@agency.dev", map[string]any{"full_name": "Bo Meta"})
	h := newHarness(sess, &gatedRepo{getErr: errors.New("permission denied for table profiles")})

	st := h.mountIdle(t)

	require.NotNil(t, st.User)
	assert.Equal(t, "Bo Meta", st.User.Name)
	assert.False(t, st.User.IsAdmin)
}

func TestSignedInEventBuildsViewAndNavigates(t *testing.T) {
	h := newHarness(nil, nil)
	h.mountIdle(t)

	sess := testSession("u-3", "cy@agency.dev", nil)
	h.backend.emit(domain.EventSignedIn, sess)

	assert.Eventually(t, func() bool {
		st := h.provider.State()
		return st.User != nil && !st.Loading
	}, time.Second, 5*time.Millisecond)

	st := h.provider.State()
	assert.Equal(t, "cy", st.User.Name)
	assert.Equal(t, []string{"/dashboard"}, h.nav.all())
	assert.Equal(t, session.StateIdleAuthenticated, h.provider.ListenerState())
}

func TestTokenRefreshedEventRebuildsView(t *testing.T) {
	sess := testSession("u-3r", "cyr@agency.dev", nil)
	repo := &gatedRepo{rows: map[string]*domain.ProfileRow{
		"u-3r": {ID: "u-3r", FullName: strPtr("Cyr")},
	}}
	h := newHarness(sess, repo)
	h.mountIdle(t)

	repo.mu.Lock()
	repo.rows["u-3r"] = &domain.ProfileRow{ID: "u-3r", FullName: strPtr("Cyr Neo"), IsAdmin: boolPtr(true)}
	repo.mu.Unlock()
	fresh := testSession("u-3r", "cyr@agency.dev", nil)
	fresh.AccessToken = "access-rotated"
	h.backend.emit(domain.EventTokenRefreshed, fresh)

	assert.Eventually(t, func() bool {
		st := h.provider.State()
		return st.Session == fresh && !st.Loading
	}, time.Second, 5*time.Millisecond)

	st := h.provider.State()
	assert.Equal(t, "Cyr Neo", st.User.Name)
	assert.True(t, st.User.IsAdmin)
	assert.Equal(t, []string{"/dashboard"}, h.nav.all())
	assert.Equal(t, session.StateIdleAuthenticated, h.provider.ListenerState())
}

func TestPasswordRecoveryOnlyNavigates(t *testing.T) {
	sess := testSession("u-4", "di@agency.dev", nil)
	h := newHarness(sess, nil)
	before := h.mountIdle(t)

	h.backend.emit(domain.EventPasswordRecovery, sess)

	assert.Eventually(t, func() bool {
		return len(h.nav.all()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "/update-password", h.nav.all()[0])
	assert.Equal(t, before.Version, h.provider.State().Version)
}

func TestStaleSignedInBuildIsDiscarded(t *testing.T) {
	repo := &gatedRepo{gate: make(chan struct{}), started: make(chan string, 1)}
	h := newHarness(nil, repo)
	h.mountIdle(t)

	h.backend.emit(domain.EventSignedIn, testSession("u-5", "ed@agency.dev", nil))
	<-repo.started

	h.backend.emit(domain.EventSignedOut, nil)
	assert.Eventually(t, func() bool {
		routes := h.nav.all()
		return len(routes) == 1 && routes[0] == "/login"
	}, time.Second, 5*time.Millisecond)

	close(repo.gate)
	ctx, cancel := waitCtx()
	defer cancel()
	st, err := h.provider.WaitIdle(ctx)
	require.NoError(t, err)

	assert.Nil(t, st.Session)
	assert.Nil(t, st.User)
	assert.Equal(t, []string{"/login"}, h.nav.all())
	assert.Equal(t, session.StateIdleUnauthenticated, h.provider.ListenerState())
}

func TestUnmountDuringFetchHasNoEffects(t *testing.T) {
	repo := &gatedRepo{gate: make(chan struct{}), started: make(chan string, 1)}
	h := newHarness(nil, repo)
	h.mountIdle(t)

	h.backend.emit(domain.EventSignedIn, testSession("u-6", "fa@agency.dev", nil))
	<-repo.started

	h.provider.Unmount()
	assert.NotPanics(t, func() { close(repo.gate) })

	ctx, cancel := waitCtx()
	defer cancel()
	st, err := h.provider.WaitIdle(ctx)
	require.NoError(t, err)

	assert.Nil(t, st.User)
	assert.Empty(t, h.nav.all())
	assert.Equal(t, 1, h.backend.unsubscribed)
}

func TestSignOutIsIdempotent(t *testing.T) {
	sess := testSession("u-7", "gu@agency.dev", nil)
	h := newHarness(sess, nil)
	h.mountIdle(t)
	ctx := context.Background()

	require.NoError(t, h.provider.SignOut(ctx))
	st := h.provider.State()
	assert.Nil(t, st.Session)
	assert.Nil(t, st.User)
	assert.Len(t, h.notifier.all(), 1)

	require.NoError(t, h.provider.SignOut(ctx))
	require.NoError(t, h.provider.SignOut(ctx))
	st = h.provider.State()
	assert.Nil(t, st.Session)
	assert.Nil(t, st.User)
	assert.Len(t, h.notifier.all(), 1, "no duplicate notifications")
	assert.False(t, st.Loading)
}

func TestSignOutWhileSignedOutNotifiesNothing(t *testing.T) {
	h := newHarness(nil, nil)
	before := h.mountIdle(t)

	require.NoError(t, h.provider.SignOut(context.Background()))

	assert.Empty(t, h.notifier.all())
	assert.Equal(t, before.Version, h.provider.State().Version)
}

func TestSignedOutEventAfterEagerClearIsNoop(t *testing.T) {
	h := newHarness(testSession("u-8", "ha@agency.dev", nil), nil)
	h.mountIdle(t)

	require.NoError(t, h.provider.SignOut(context.Background()))
	ctx, cancel := waitCtx()
	defer cancel()
	st, err := h.provider.WaitIdle(ctx)
	require.NoError(t, err)

	assert.Nil(t, st.Session)
	assert.Equal(t, []string{"/login"}, h.nav.all())
	assert.Len(t, h.notifier.all(), 1)
}

func TestActionsResetLoadingOnFailure(t *testing.T) {
	sess := testSession("u-9", "io@agency.dev", nil)
	netErr := apperror.WithKind(apperror.KindNetwork, "network error: connection refused", nil)

	cases := []struct {
		name string
		kind apperror.Kind
		run  func(h *harness) error
	}{
		{"sign in", apperror.KindInvalidCredentials, func(h *harness) error {
			h.backend.signInErr = apperror.WithKind(apperror.KindInvalidCredentials, "Invalid login credentials", nil)
			return h.provider.SignIn(context.Background(), "io@agency.dev", "wrong")
		}},
		{"sign up", apperror.KindEmailAlreadyRegistered, func(h *harness) error {
			h.backend.signUpErr = apperror.WithKind(apperror.KindEmailAlreadyRegistered, "User already registered", nil)
			return h.provider.SignUp(context.Background(), "io@agency.dev", "secret123", "Io")
		}},
		{"sign out", apperror.KindNetwork, func(h *harness) error {
			h.backend.signOutErr = netErr
			return h.provider.SignOut(context.Background())
		}},
		{"update profile", apperror.KindNetwork, func(h *harness) error {
			h.repo.upsertErr = errors.New("connection refused")
			return h.provider.UpdateProfile(context.Background(), domain.ProfileUpdate{Phone: strPtr("+15550100")})
		}},
		{"update password", apperror.KindWeakPassword, func(h *harness) error {
			h.backend.updateErr = apperror.WithKind(apperror.KindWeakPassword, "Password should be at least 6 characters", nil)
			return h.provider.UpdatePassword(context.Background(), "123")
		}},
		{"reset password", apperror.KindNetwork, func(h *harness) error {
			h.backend.resetErr = netErr
			return h.provider.RequestPasswordReset(context.Background(), "io@agency.dev")
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(sess, nil)
			h.mountIdle(t)

			err := tc.run(h)

			require.Error(t, err)
			assert.Equal(t, tc.kind, apperror.KindOf(err))
			assert.False(t, h.provider.State().Loading)
			notes := h.notifier.all()
			require.Len(t, notes, 1)
			assert.Equal(t, domain.NotifyError, notes[0].Level)
			assert.Equal(t, err.Error(), notes[0].Message)
		})
	}
}

func TestLoadingResetWhenProviderPanics(t *testing.T) {
	h := newHarness(nil, nil)
	h.mountIdle(t)
	h.backend.panicSignIn = true

	assert.Panics(t, func() {
		_ = h.provider.SignIn(context.Background(), "jo@agency.dev", "pw")
	})
	assert.False(t, h.provider.State().Loading)
}

func TestSignInSuccessLeavesViewToEvent(t *testing.T) {
	h := newHarness(nil, nil)
	before := h.mountIdle(t)

	require.NoError(t, h.provider.SignIn(context.Background(), "ka@agency.dev", "secret123"))

	assert.Equal(t, before.Version, h.provider.State().Version)
	notes := h.notifier.all()
	require.Len(t, notes, 1)
	assert.Equal(t, domain.NotifySuccess, notes[0].Level)
}

func TestWaitIdleAfterSignInSeesSignedInState(t *testing.T) {
	h := newHarness(nil, &gatedRepo{rows: map[string]*domain.ProfileRow{
		"u-k": {ID: "u-k", FullName: strPtr("Kai")},
	}})
	h.mountIdle(t)
	h.backend.signInSession = testSession("u-k", "kai@agency.dev", nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, h.provider.SignIn(ctx, "kai@agency.dev", "secret123"))
		wctx, cancel := waitCtx()
		st, err := h.provider.WaitIdle(wctx)
		cancel()
		require.NoError(t, err)
		require.NotNil(t, st.Session, "run %d", i)
		require.NotNil(t, st.User, "run %d", i)
		assert.Equal(t, "Kai", st.User.Name)

		require.NoError(t, h.provider.SignOut(ctx))
		wctx, cancel = waitCtx()
		st, err = h.provider.WaitIdle(wctx)
		cancel()
		require.NoError(t, err)
		require.Nil(t, st.Session, "run %d", i)
	}
	routes := h.nav.all()
	require.Len(t, routes, 100)
	assert.Equal(t, "/dashboard", routes[len(routes)-2])
	assert.Equal(t, "/login", routes[len(routes)-1])
}

func TestWaitIdleAfterAutoConfirmedSignUp(t *testing.T) {
	h := newHarness(nil, nil)
	h.mountIdle(t)
	h.backend.signUpSession = testSession("u-p", "pia@agency.dev", nil)

	require.NoError(t, h.provider.SignUp(context.Background(), "pia@agency.dev", "secret123", "Pia"))
	ctx, cancel := waitCtx()
	defer cancel()
	st, err := h.provider.WaitIdle(ctx)
	require.NoError(t, err)

	require.NotNil(t, st.Session)
	assert.Equal(t, "u-p", st.User.ID)
	assert.Equal(t, []string{"/dashboard"}, h.nav.all())
}

func TestWaitIdleAfterVerifyRecoverySeesNavigation(t *testing.T) {
	h := newHarness(nil, nil)
	h.mountIdle(t)
	h.backend.recoverySession = testSession("u-q", "qi@agency.dev", nil)

	require.NoError(t, h.provider.VerifyRecovery(context.Background(), "qi@agency.dev", "123456"))
	ctx, cancel := waitCtx()
	defer cancel()
	st, err := h.provider.WaitIdle(ctx)
	require.NoError(t, err)

	assert.Nil(t, st.Session, "a recovery session never becomes the local view")
	assert.Equal(t, []string{"/update-password"}, h.nav.all())
}

func TestSignUpSendsNameMetadata(t *testing.T) {
	h := newHarness(nil, nil)
	h.mountIdle(t)

	require.NoError(t, h.provider.SignUp(context.Background(), " le@agency.dev ", "secret123", " Le Duc "))

	assert.Equal(t, map[string]any{"full_name": "Le Duc"}, h.backend.signUpData)
	assert.Nil(t, h.provider.State().Session)
}

func TestUpdateProfileMergesOptimistically(t *testing.T) {
	sess := testSession("u-10", "mo@agency.dev", nil)
	h := newHarness(sess, nil)
	h.mountIdle(t)

	update := domain.ProfileUpdate{FullName: strPtr("Mo Sal"), Company: strPtr("Acme")}
	require.NoError(t, h.provider.UpdateProfile(context.Background(), update))

	st := h.provider.State()
	assert.Equal(t, "Mo Sal", st.User.Name)
	assert.Equal(t, strPtr("Acme"), st.User.Company)
	assert.Nil(t, st.User.Phone)
	assert.Equal(t, []domain.ProfileUpdate{update}, h.repo.upserts)
}

func TestUpdateProfileBlankFieldsAgreeWithRebuild(t *testing.T) {
	sess := testSession("u-10b", "mb@agency.dev", map[string]any{"company": "Meta Co"})
	repo := &gatedRepo{rows: map[string]*domain.ProfileRow{
		"u-10b": {ID: "u-10b", Company: strPtr("Acme")},
	}}
	h := newHarness(sess, repo)
	h.mountIdle(t)

	update := domain.ProfileUpdate{Phone: strPtr(" +15550109 "), Company: strPtr("   ")}
	require.NoError(t, h.provider.UpdateProfile(context.Background(), update))

	require.Len(t, h.repo.upserts, 1)
	assert.Equal(t, domain.ProfileUpdate{Phone: strPtr("+15550109")}, h.repo.upserts[0])
	merged := h.provider.State().User
	assert.Equal(t, strPtr("Acme"), merged.Company)
	assert.Equal(t, strPtr("+15550109"), merged.Phone)

	repo.mu.Lock()
	repo.rows["u-10b"].Phone = strPtr("+15550109")
	repo.mu.Unlock()
	require.NoError(t, h.provider.RefreshUser(context.Background()))
	assert.Equal(t, merged, h.provider.State().User)
}

func TestUpdateProfileAllBlankIsNoop(t *testing.T) {
	h := newHarness(testSession("u-10c", "mc@agency.dev", nil), nil)
	before := h.mountIdle(t)

	require.NoError(t, h.provider.UpdateProfile(context.Background(), domain.ProfileUpdate{FullName: strPtr(" "), Company: strPtr("")}))

	assert.Empty(t, h.repo.upserts)
	assert.Empty(t, h.notifier.all())
	assert.Equal(t, before.Version, h.provider.State().Version)
}

func TestUpdateProfileRequiresSession(t *testing.T) {
	h := newHarness(nil, nil)
	h.mountIdle(t)

	err := h.provider.UpdateProfile(context.Background(), domain.ProfileUpdate{Phone: strPtr("+15550100")})

	assert.True(t, apperror.IsKind(err, apperror.KindNotAuthenticated))
	assert.Empty(t, h.repo.upserts)
	assert.Len(t, h.notifier.all(), 1)
}

func TestRefreshUserRebuildsFromProfile(t *testing.T) {
	sess := testSession("u-11", "ni@agency.dev", nil)
	repo := &gatedRepo{rows: map[string]*domain.ProfileRow{}}
	h := newHarness(sess, repo)
	st := h.mountIdle(t)
	assert.Equal(t, "ni", st.User.Name)

	repo.mu.Lock()
	repo.rows["u-11"] = &domain.ProfileRow{ID: "u-11", FullName: strPtr("Nina"), Phone: strPtr("+15550111")}
	repo.mu.Unlock()

	require.NoError(t, h.provider.RefreshUser(context.Background()))

	st = h.provider.State()
	assert.Equal(t, "Nina", st.User.Name)
	assert.Equal(t, strPtr("+15550111"), st.User.Phone)
}

func TestRefreshUserFailsSilently(t *testing.T) {
	sess := testSession("u-12", "ol@agency.dev", nil)
	repo := &gatedRepo{}
	h := newHarness(sess, repo)
	h.mountIdle(t)
	repo.mu.Lock()
	repo.getErr = errors.New("timeout")
	repo.mu.Unlock()

	err := h.provider.RefreshUser(context.Background())

	assert.NoError(t, err)
	assert.False(t, h.provider.State().Loading)
	assert.Len(t, h.notifier.all(), 1)
	assert.Equal(t, "ol", h.provider.State().User.Name)
}
