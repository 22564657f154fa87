package apperror

import (
	"errors"
	"net/http"
)

// Kind classifies an error independently of its HTTP status.
type Kind string

const (
	KindInvalidCredentials     Kind = "invalid_credentials"
	KindEmailAlreadyRegistered Kind = "email_already_registered"
	KindWeakPassword           Kind = "weak_password"
	KindNetwork                Kind = "network"
	KindNotAuthenticated       Kind = "not_authenticated"
	KindProviderUnavailable    Kind = "provider_unavailable"
	KindValidation             Kind = "validation"
	KindInternal               Kind = "internal"
)

type AppError struct {
	Code    int    `json:"code"`
	Kind    Kind   `json:"kind,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithKind builds an AppError whose status code is derived from kind.
func WithKind(kind Kind, message string, err error) *AppError {
	return &AppError{
		Code:    statusFor(kind),
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Kind: KindValidation, Message: message}
}

func Unauthorized(message string) *AppError {
	return &AppError{Code: http.StatusUnauthorized, Kind: KindNotAuthenticated, Message: message}
}

func NotFound(message string) *AppError {
	return New(http.StatusNotFound, message, nil)
}

func Internal(err error) *AppError {
	return &AppError{Code: http.StatusInternalServerError, Kind: KindInternal, Message: "Internal Server Error", Err: err}
}

// KindOf returns the Kind of the first AppError in err's chain, or "" when none is found.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func statusFor(kind Kind) int {
	switch kind {
	case KindInvalidCredentials, KindNotAuthenticated:
		return http.StatusUnauthorized
	case KindEmailAlreadyRegistered:
		return http.StatusConflict
	case KindWeakPassword, KindValidation:
		return http.StatusBadRequest
	case KindNetwork:
		return http.StatusBadGateway
	case KindProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
