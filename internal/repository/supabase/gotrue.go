package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agency-portal-backend/internal/domain"
	"agency-portal-backend/pkg/apperror"
	"agency-portal-backend/pkg/auth"
	"agency-portal-backend/pkg/logger"
)

// GoTrue calls the Supabase Auth REST API. It holds no per-user state and is
// shared by every Backend.
type GoTrue struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *slog.Logger
}

func NewGoTrue(supabaseURL, apiKey string, httpClient *http.Client, log *slog.Logger) *GoTrue {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoTrue{
		baseURL: strings.TrimRight(supabaseURL, "/") + "/auth/v1",
		apiKey:  apiKey,
		http:    httpClient,
		log:     logger.Or(log),
	}
}

type userResponse struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	RefreshToken string       `json:"refresh_token"`
	User         userResponse `json:"user"`
}

// session converts the response; nil when no tokens were issued.
func (t *tokenResponse) session(now time.Time) *domain.Session {
	if t == nil || t.AccessToken == "" {
		return nil
	}
	// Without expires_at or expires_in the access token's exp claim is used;
	// a zero ExpiresAt never expires.
	var expires time.Time
	switch {
	case t.ExpiresAt > 0:
		expires = time.Unix(t.ExpiresAt, 0)
	case t.ExpiresIn > 0:
		expires = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	default:
		if exp, err := auth.Expiry(t.AccessToken); err == nil {
			expires = exp
		}
	}
	return &domain.Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresAt:    expires,
		User: domain.SessionUser{
			ID:       t.User.ID,
			Email:    t.User.Email,
			Metadata: t.User.UserMetadata,
		},
	}
}

// signupResponse is either a token response (autoconfirm) or a bare user.
type signupResponse struct {
	tokenResponse
	ID    string `json:"id"`
	Email string `json:"email"`
}

type errorResponse struct {
	Code             int    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e errorResponse) text() string {
	for _, s := range []string{e.Msg, e.ErrorDescription, e.Message, e.Error, e.ErrorCode} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (g *GoTrue) PasswordGrant(ctx context.Context, email, password string) (*tokenResponse, error) {
	var out tokenResponse
	body := map[string]string{"email": email, "password": password}
	if err := g.do(ctx, http.MethodPost, "/token?grant_type=password", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *GoTrue) RefreshGrant(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	var out tokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := g.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SignUp returns a token response only when the project auto-confirms emails.
func (g *GoTrue) SignUp(ctx context.Context, email, password string, data map[string]any) (*tokenResponse, error) {
	var out signupResponse
	body := map[string]any{"email": email, "password": password, "data": data}
	if err := g.do(ctx, http.MethodPost, "/signup", "", body, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, nil
	}
	return &out.tokenResponse, nil
}

func (g *GoTrue) Logout(ctx context.Context, accessToken string) error {
	return g.do(ctx, http.MethodPost, "/logout", accessToken, nil, nil)
}

func (g *GoTrue) UpdateUser(ctx context.Context, accessToken string, attrs domain.UserAttributes) (*userResponse, error) {
	var out userResponse
	if err := g.do(ctx, http.MethodPut, "/user", accessToken, attrs, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *GoTrue) Recover(ctx context.Context, email string) error {
	return g.do(ctx, http.MethodPost, "/recover", "", map[string]string{"email": email}, nil)
}

func (g *GoTrue) VerifyRecovery(ctx context.Context, email, token string) (*tokenResponse, error) {
	var out tokenResponse
	body := map[string]string{"type": "recovery", "email": email, "token": token}
	if err := g.do(ctx, http.MethodPost, "/verify", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *GoTrue) do(ctx context.Context, method, path, accessToken string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperror.Internal(err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return apperror.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", g.apiKey)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		g.log.Warn("supabase request failed", "path", path, "error", err)
		return apperror.WithKind(apperror.KindNetwork, "network error: "+err.Error(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperror.WithKind(apperror.KindNetwork, "network error: "+err.Error(), err)
	}

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.Unmarshal(raw, &errResp)
		appErr := classifyResponse(resp.StatusCode, errResp)
		g.log.Debug("supabase rejected request", "path", path, "status", resp.StatusCode, "kind", appErr.Kind)
		return appErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperror.WithKind(apperror.KindNetwork, "network error: malformed response", err)
	}
	return nil
}

// classifyResponse maps a GoTrue error body to a kind. The provider text is
// kept as the message so it can be translated for the user later.
func classifyResponse(status int, e errorResponse) *apperror.AppError {
	text := e.text()
	if text == "" {
		text = http.StatusText(status)
	}
	lower := strings.ToLower(text + " " + e.ErrorCode)
	cause := fmt.Errorf("supabase: status %d: %s", status, text)

	var kind apperror.Kind
	switch {
	case status >= 500:
		return apperror.WithKind(apperror.KindNetwork, "network error: "+text, cause)
	case status == http.StatusTooManyRequests || strings.Contains(lower, "rate limit"):
		kind = apperror.KindNetwork
	case strings.Contains(lower, "invalid login credentials"),
		strings.Contains(lower, "invalid_grant"),
		strings.Contains(lower, "email not confirmed"):
		kind = apperror.KindInvalidCredentials
	case strings.Contains(lower, "already registered"),
		strings.Contains(lower, "already been registered"),
		strings.Contains(lower, "user_already_exists"):
		kind = apperror.KindEmailAlreadyRegistered
	case strings.Contains(lower, "password should be"),
		strings.Contains(lower, "weak_password"):
		kind = apperror.KindWeakPassword
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = apperror.KindNotAuthenticated
	default:
		kind = apperror.KindValidation
	}
	return apperror.WithKind(kind, text, cause)
}

// rejected reports whether err is a definitive refusal rather than a
// transport failure.
func rejected(err error) bool {
	k := apperror.KindOf(err)
	return k != "" && k != apperror.KindNetwork && k != apperror.KindInternal
}
