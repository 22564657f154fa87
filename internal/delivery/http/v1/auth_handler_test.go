package v1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"agency-portal-backend/config"
	"agency-portal-backend/internal/delivery/http/middleware"
	v1 "agency-portal-backend/internal/delivery/http/v1"
	"agency-portal-backend/internal/domain"
	"agency-portal-backend/internal/usecase"
	"agency-portal-backend/pkg/apperror"
	"agency-portal-backend/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const goodPassword = "secret123"

// stubBackend accepts goodPassword for any email and emits events the way
// the Supabase backend does.
type stubBackend struct {
	mu         sync.Mutex
	session    *domain.Session
	recovering bool
	events     chan domain.AuthEvent
}

func newStubBackend() *stubBackend {
	return &stubBackend{events: make(chan domain.AuthEvent, 16)}
}

func (b *stubBackend) GetSession(context.Context) (*domain.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session, nil
}

func (b *stubBackend) OnAuthStateChange() domain.Subscription { return stubSub{b.events} }

func (b *stubBackend) SignInWithPassword(_ context.Context, email, password string) error {
	if password != goodPassword {
		return apperror.WithKind(apperror.KindInvalidCredentials, "Invalid login credentials", nil)
	}
	sess := &domain.Session{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         domain.SessionUser{ID: "u-1", Email: email},
	}
	b.mu.Lock()
	b.session = sess
	b.mu.Unlock()
	b.events <- domain.AuthEvent{Kind: domain.EventSignedIn, Session: sess}
	return nil
}

func (b *stubBackend) SignUp(_ context.Context, email, _ string, _ map[string]any) (bool, error) {
	if email == "taken@agency.dev" {
		return false, apperror.WithKind(apperror.KindEmailAlreadyRegistered, "User already registered", nil)
	}
	return false, nil
}

func (b *stubBackend) SignOut(context.Context) error {
	b.mu.Lock()
	had := b.session != nil
	b.session = nil
	b.mu.Unlock()
	if had {
		b.events <- domain.AuthEvent{Kind: domain.EventSignedOut}
	}
	return nil
}

func (b *stubBackend) UpdateUser(context.Context, domain.UserAttributes) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil && !b.recovering {
		return apperror.WithKind(apperror.KindNotAuthenticated, "Auth session missing!", nil)
	}
	return nil
}

func (b *stubBackend) ResetPasswordForEmail(context.Context, string) error { return nil }

func (b *stubBackend) VerifyRecovery(_ context.Context, email, token string) error {
	if token != "123456" {
		return apperror.WithKind(apperror.KindNotAuthenticated, "Token has expired or is invalid", nil)
	}
	b.mu.Lock()
	b.recovering = true
	b.mu.Unlock()
	b.events <- domain.AuthEvent{Kind: domain.EventPasswordRecovery, Session: &domain.Session{User: domain.SessionUser{ID: "u-1", Email: email}}}
	return nil
}

func (b *stubBackend) Close() {}

type stubSub struct{ ch chan domain.AuthEvent }

func (s stubSub) Events() <-chan domain.AuthEvent { return s.ch }
func (s stubSub) Unsubscribe()                    {}

type memoryProfiles struct {
	mu   sync.Mutex
	rows map[string]*domain.ProfileRow
}

func (p *memoryProfiles) GetByID(_ context.Context, id string) (*domain.ProfileRow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.rows[id]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	cp := *row
	return &cp, nil
}

func (p *memoryProfiles) Upsert(_ context.Context, id string, u domain.ProfileUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.rows[id]
	if !ok {
		row = &domain.ProfileRow{ID: id}
		p.rows[id] = row
	}
	if u.FullName != nil {
		row.FullName = u.FullName
	}
	if u.Phone != nil {
		row.Phone = u.Phone
	}
	if u.Company != nil {
		row.Company = u.Company
	}
	return nil
}

type stateEnvelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    v1.StateResponse  `json:"data"`
	Error   map[string]string `json:"error"`
}

type browser struct {
	t       *testing.T
	router  http.Handler
	cookies map[string]*http.Cookie
}

func (b *browser) do(method, path string, payload any) *httptest.ResponseRecorder {
	b.t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(b.t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	if c, ok := b.cookies[middleware.CSRFTokenCookieName]; ok {
		req.Header.Set(middleware.CSRFTokenHeaderName, c.Value)
	}

	w := httptest.NewRecorder()
	b.router.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		b.cookies[c.Name] = c
	}
	return w
}

func (b *browser) state() stateEnvelope {
	b.t.Helper()
	w := b.do(http.MethodGet, "/v1/auth/state?wait=true", nil)
	var env stateEnvelope
	require.NoError(b.t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func messagesOf(st v1.StateResponse) []string {
	out := make([]string, 0, len(st.Notifications))
	for _, n := range st.Notifications {
		out = append(out, n.Message)
	}
	return out
}

type fixture struct {
	registry *usecase.SessionUsecase
	profiles *memoryProfiles
	router   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	profiles := &memoryProfiles{rows: map[string]*domain.ProfileRow{
		"u-1": {ID: "u-1", FullName: strPtr("Ana"), IsAdmin: boolPtr(true)},
	}}
	registry := usecase.NewSessionUsecase(
		func(string) usecase.Backend { return newStubBackend() },
		profiles,
		usecase.SessionConfig{MaxClients: 8, IdleTimeout: time.Hour},
		nil, nil,
	)
	t.Cleanup(registry.Close)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	router := v1.NewRouter(v1.RouterDeps{
		Sessions:    registry,
		HealthUC:    usecase.NewHealthUsecase(map[string]usecase.Check{"database": nil}),
		RateLimiter: middleware.NewRateLimiter(nil, nil, collector),
		Gatherer:    reg,
		Config: &config.Config{
			FrontendURL:              "http://localhost:3000",
			RateLimitWindowSeconds:   60,
			RateLimitLoginThreshold:  100,
			RateLimitGlobalThreshold: 1000,
			SessionTokenTTL:          time.Hour,
		},
	})
	return &fixture{registry: registry, profiles: profiles, router: router}
}

func (f *fixture) browser(t *testing.T) *browser {
	return &browser{t: t, router: f.router, cookies: map[string]*http.Cookie{}}
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func TestInitialStateIsSignedOut(t *testing.T) {
	b := newFixture(t).browser(t)

	env := b.state()
	assert.True(t, env.Success)
	assert.False(t, env.Data.Loading)
	assert.False(t, env.Data.IsAuthenticated)
	assert.Nil(t, env.Data.Session)
	assert.Nil(t, env.Data.User)
	assert.NotNil(t, env.Data.Notifications)

	assert.Contains(t, b.cookies, middleware.ClientCookieName)
	assert.Contains(t, b.cookies, middleware.CSRFTokenCookieName)
}

func TestLoginProfileAndLogout(t *testing.T) {
	b := newFixture(t).browser(t)
	b.state()

	w := b.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "ana@agency.dev", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid email or password.")
	assert.Contains(t, w.Body.String(), string(apperror.KindInvalidCredentials))

	w = b.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "ana@agency.dev", "password": goodPassword})
	require.Equal(t, http.StatusOK, w.Code)

	// The login response is sent only once the SIGNED_IN write has landed
	// or is holding loading, so one waiting read sees the result.
	st := b.state().Data
	assert.True(t, st.IsAuthenticated)
	assert.False(t, st.Loading)
	require.NotNil(t, st.User)
	assert.Equal(t, "Ana", st.User.Name)
	assert.True(t, st.IsAdmin)
	require.NotNil(t, st.Session)
	assert.Equal(t, "u-1", st.Session.UserID)
	assert.Equal(t, "/dashboard", st.RedirectTo)
	messages := messagesOf(st)
	assert.Contains(t, messages, "Invalid email or password.")
	assert.Contains(t, messages, "Signed in successfully.")
	raw := b.do(http.MethodGet, "/v1/auth/state", nil).Body.String()
	assert.NotContains(t, raw, "access_token")
	assert.NotContains(t, raw, "refresh_token")

	w = b.do(http.MethodPatch, "/v1/auth/profile", map[string]string{"phone": "abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = b.do(http.MethodPatch, "/v1/auth/profile", map[string]string{"company": "Acme"})
	require.Equal(t, http.StatusOK, w.Code)
	st = b.state().Data
	require.NotNil(t, st.User.Company)
	assert.Equal(t, "Acme", *st.User.Company)
	assert.Equal(t, "Ana", st.User.Name)

	w = b.do(http.MethodPost, "/v1/auth/logout", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st = b.state().Data
	assert.False(t, st.IsAuthenticated)
	assert.Nil(t, st.User)
	assert.Equal(t, "/login", st.RedirectTo)
	assert.Contains(t, messagesOf(st), "You have been signed out.")

	// Signing out again is harmless and says nothing.
	w = b.do(http.MethodPost, "/v1/auth/logout", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	st = b.state().Data
	assert.False(t, st.IsAuthenticated)
	assert.Empty(t, st.Notifications)
}

func TestMutationsRequireCSRFToken(t *testing.T) {
	f := newFixture(t)
	b := f.browser(t)
	b.state()

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/logout", nil)
	req.AddCookie(b.cookies[middleware.ClientCookieName])
	req.AddCookie(b.cookies[middleware.CSRFTokenCookieName])
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRegister(t *testing.T) {
	b := newFixture(t).browser(t)
	b.state()

	w := b.do(http.MethodPost, "/v1/auth/register", map[string]string{"email": "new@agency.dev", "password": "123"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Password")

	w = b.do(http.MethodPost, "/v1/auth/register", map[string]string{"email": "taken@agency.dev", "password": goodPassword})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "An account with this email already exists.")

	w = b.do(http.MethodPost, "/v1/auth/register", map[string]string{"email": "new@agency.dev", "password": goodPassword, "name": "New Person"})
	assert.Equal(t, http.StatusCreated, w.Code)

	st := b.state().Data
	assert.False(t, st.IsAuthenticated, "confirmation pending")
	require.NotEmpty(t, st.Notifications)
	assert.Equal(t, domain.NotifySuccess, st.Notifications[len(st.Notifications)-1].Level)
}

func TestRecoveryFlow(t *testing.T) {
	b := newFixture(t).browser(t)
	b.state()

	w := b.do(http.MethodPost, "/v1/auth/forgot-password", map[string]string{"email": "ana@agency.dev"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = b.do(http.MethodPost, "/v1/auth/update-password", map[string]string{"password": "brand-new-pass"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = b.do(http.MethodPost, "/v1/auth/verify-recovery", map[string]string{"email": "ana@agency.dev", "token": "000000"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = b.do(http.MethodPost, "/v1/auth/verify-recovery", map[string]string{"email": "ana@agency.dev", "token": "123456"})
	require.Equal(t, http.StatusOK, w.Code)

	st := b.state().Data
	assert.Equal(t, "/update-password", st.RedirectTo)
	assert.False(t, st.IsAuthenticated, "recovery does not sign the browser in")

	w = b.do(http.MethodPost, "/v1/auth/update-password", map[string]string{"password": "brand-new-pass"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRefreshAlwaysSucceeds(t *testing.T) {
	b := newFixture(t).browser(t)
	b.state()

	w := b.do(http.MethodPost, "/v1/auth/refresh", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProviderUnavailable(t *testing.T) {
	f := newFixture(t)
	f.registry.Close()
	b := f.browser(t)

	w := b.do(http.MethodGet, "/v1/auth/state", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), string(apperror.KindProviderUnavailable))

	w = b.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "ana@agency.dev", "password": goodPassword})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	b := f.browser(t)

	w := b.do(http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"disabled"`)

	b.state()
	w = b.do(http.MethodGet, "/v1/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agency_portal_rate_limit")
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	b := newFixture(t).browser(t)

	w := b.do(http.MethodGet, "/v1/nope", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var env stateEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.False(t, env.Success)
	assert.Equal(t, "Route not found", env.Message)
}
