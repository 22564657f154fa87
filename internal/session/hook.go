package session

import (
	"context"

	"agency-portal-backend/internal/domain"
	"agency-portal-backend/pkg/apperror"
)

// Auth is the whole public surface of a mounted session provider.
type Auth interface {
	State() State
	IsAuthenticated() bool
	IsAdmin() bool
	WaitIdle(ctx context.Context) (State, error)

	SignIn(ctx context.Context, email, password string) error
	SignUp(ctx context.Context, email, password, name string) error
	SignOut(ctx context.Context) error
	RefreshUser(ctx context.Context) error
	UpdateProfile(ctx context.Context, update domain.ProfileUpdate) error
	RequestPasswordReset(ctx context.Context, email string) error
	VerifyRecovery(ctx context.Context, email, token string) error
	UpdatePassword(ctx context.Context, password string) error
}

// ErrProviderUnavailable is returned by every action of Unavailable.
var ErrProviderUnavailable = apperror.WithKind(apperror.KindProviderUnavailable, "session provider is not mounted", nil)

type authKey struct{}

func WithAuth(ctx context.Context, a Auth) context.Context {
	return context.WithValue(ctx, authKey{}, a)
}

// FromContext returns the provider mounted on ctx, or Unavailable.
func FromContext(ctx context.Context) Auth {
	if a, ok := ctx.Value(authKey{}).(Auth); ok && a != nil {
		return a
	}
	return Unavailable
}

// Unavailable is the inert Auth used when no provider is mounted. Its state is
// empty and its actions fail with ErrProviderUnavailable without notifying.
var Unavailable Auth = unavailable{}

type unavailable struct{}

func (unavailable) State() State          { return State{} }
func (unavailable) IsAuthenticated() bool { return false }
func (unavailable) IsAdmin() bool         { return false }

func (unavailable) WaitIdle(context.Context) (State, error) { return State{}, nil }

func (unavailable) SignIn(context.Context, string, string) error { return ErrProviderUnavailable }

func (unavailable) SignUp(context.Context, string, string, string) error {
	return ErrProviderUnavailable
}

func (unavailable) SignOut(context.Context) error     { return ErrProviderUnavailable }
func (unavailable) RefreshUser(context.Context) error { return ErrProviderUnavailable }

func (unavailable) UpdateProfile(context.Context, domain.ProfileUpdate) error {
	return ErrProviderUnavailable
}

func (unavailable) RequestPasswordReset(context.Context, string) error {
	return ErrProviderUnavailable
}

func (unavailable) VerifyRecovery(context.Context, string, string) error {
	return ErrProviderUnavailable
}

func (unavailable) UpdatePassword(context.Context, string) error { return ErrProviderUnavailable }
