package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrProfileNotFound means the profiles row does not exist yet (fresh signup).
var ErrProfileNotFound = errors.New("profile not found")

// Session is the provider-issued proof of authentication, cached locally.
type Session struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	ExpiresAt    time.Time   `json:"expires_at"`
	User         SessionUser `json:"user"`
}

// SessionUser holds the claims Supabase returns alongside the tokens.
type SessionUser struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"user_metadata,omitempty"`
}

// Expired reports whether the access token expires within margin of now.
func (s *Session) Expired(now time.Time, margin time.Duration) bool {
	if s == nil || s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(s.ExpiresAt)
}

// UserView is the canonical client-visible identity. Phone and Company are
// always present in JSON (null when unknown).
type UserView struct {
	ID      string  `json:"id"`
	Email   string  `json:"email"`
	Name    string  `json:"name"`
	IsAdmin bool    `json:"is_admin"`
	Phone   *string `json:"phone"`
	Company *string `json:"company"`
}

// ProfileRow mirrors the profiles table. Every column but id is nullable.
type ProfileRow struct {
	ID        string    `json:"id"`
	FullName  *string   `json:"full_name"`
	IsAdmin   *bool     `json:"is_admin"`
	Phone     *string   `json:"phone"`
	Company   *string   `json:"company"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProfileUpdate is a partial profile; nil fields are left unchanged.
type ProfileUpdate struct {
	FullName *string `json:"full_name"`
	Phone    *string `json:"phone"`
	Company  *string `json:"company"`
}

// Empty reports whether the update changes nothing.
func (u ProfileUpdate) Empty() bool {
	return u.FullName == nil && u.Phone == nil && u.Company == nil
}

// Normalize trims every field and turns blank ones into nil. A stored blank
// would be masked by provider metadata on the next rebuild, so blank never
// clears a field.
func (u ProfileUpdate) Normalize() ProfileUpdate {
	return ProfileUpdate{
		FullName: nonBlank(u.FullName),
		Phone:    nonBlank(u.Phone),
		Company:  nonBlank(u.Company),
	}
}

func nonBlank(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}

type EventKind string

const (
	EventSignedIn         EventKind = "SIGNED_IN"
	EventSignedOut        EventKind = "SIGNED_OUT"
	EventTokenRefreshed   EventKind = "TOKEN_REFRESHED"
	EventPasswordRecovery EventKind = "PASSWORD_RECOVERY"
)

// AuthEvent is one lifecycle event emitted by the auth provider.
type AuthEvent struct {
	Kind    EventKind `json:"event"`
	Session *Session  `json:"session,omitempty"`
}

// UserAttributes is the body of an update-user call.
type UserAttributes struct {
	Password string         `json:"password,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

type NotificationLevel string

const (
	NotifyInfo    NotificationLevel = "info"
	NotifySuccess NotificationLevel = "success"
	NotifyError   NotificationLevel = "error"
)

type Notification struct {
	Level   NotificationLevel `json:"level"`
	Message string            `json:"message"`
	At      time.Time         `json:"at"`
}

// Subscription delivers lifecycle events until Unsubscribe is called.
type Subscription interface {
	Events() <-chan AuthEvent
	Unsubscribe()
}

// AuthBackend is the hosted authentication provider.
type AuthBackend interface {
	GetSession(ctx context.Context) (*Session, error)
	OnAuthStateChange() Subscription
	SignInWithPassword(ctx context.Context, email, password string) error
	// SignUp reports whether the new account was signed in right away.
	SignUp(ctx context.Context, email, password string, data map[string]any) (bool, error)
	SignOut(ctx context.Context) error
	UpdateUser(ctx context.Context, attrs UserAttributes) error
	ResetPasswordForEmail(ctx context.Context, email string) error
	VerifyRecovery(ctx context.Context, email, token string) error
}

type ProfileRepository interface {
	GetByID(ctx context.Context, id string) (*ProfileRow, error)
	Upsert(ctx context.Context, id string, update ProfileUpdate) error
}

// TokenStore persists sessions per client. Load returns nil, nil when absent.
type TokenStore interface {
	Load(ctx context.Context, key string) (*Session, error)
	Save(ctx context.Context, key string, s *Session) error
	Delete(ctx context.Context, key string) error
}

type Navigator interface {
	Navigate(route string)
}

type Notifier interface {
	Notify(n Notification)
}
