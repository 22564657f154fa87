package session

import (
	"strings"

	"agency-portal-backend/pkg/apperror"
)

const fallbackMessage = "Something went wrong. Please try again."

// friendlyMessages is matched in order against the lowercased provider message.
var friendlyMessages = []struct {
	needle  string
	message string
}{
	{"invalid login credentials", "Invalid email or password."},
	{"email not confirmed", "Please confirm your email address before signing in."},
	{"user already registered", "An account with this email already exists."},
	{"already been registered", "An account with this email already exists."},
	{"password should be", "Password must be at least 6 characters long."},
	{"weak password", "Please choose a stronger password."},
	{"rate limit", "Too many attempts. Please wait a moment and try again."},
	{"captcha", "Captcha verification failed. Please try again."},
	{"not authenticated", "Please sign in to continue."},
	{"network", "Unable to reach the server. Check your connection and try again."},
}

// FriendlyMessage maps a provider error to the text shown to the user.
func FriendlyMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	for _, m := range friendlyMessages {
		if strings.Contains(msg, m.needle) {
			return m.message
		}
	}
	if apperror.IsKind(err, apperror.KindNetwork) {
		return "Unable to reach the server. Check your connection and try again."
	}
	return fallbackMessage
}
