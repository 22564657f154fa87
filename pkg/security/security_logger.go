package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EventType represents the type of security event
type EventType string

const (
	EventLoginFailed        EventType = "login_failed"
	EventLoginBlocked       EventType = "login_blocked"
	EventLoginSuccess       EventType = "login_success"
	EventSignup             EventType = "signup"
	EventLogout             EventType = "logout"
	EventPasswordReset      EventType = "password_reset_requested"
	EventPasswordChange     EventType = "password_change"
	EventRateLimitTriggered EventType = "rate_limit_triggered"
	EventBlockCreated       EventType = "block_created"
)

// SecurityEvent represents a security-related event to be logged
type SecurityEvent struct {
	Timestamp    time.Time      `json:"timestamp"`
	Event        EventType      `json:"event"`
	SubjectType  string         `json:"subject_type,omitempty"`  // "email", "ip", "client_id"
	SubjectValue string         `json:"subject_value,omitempty"` // masked or hashed
	IP           string         `json:"ip,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Service      string         `json:"service"`
	Environment  string         `json:"env"`
	Severity     Severity       `json:"severity"`
}

// SecurityLogger writes security events through zap, separate from the
// application log.
type SecurityLogger struct {
	zapLogger   *zap.Logger
	serviceName string
	environment string

	// Optional: DB persistence function
	persistFunc func(ctx context.Context, event SecurityEvent) error
}

// NewSecurityLogger wraps an existing zap logger. Tests pass zaptest/observer cores.
func NewSecurityLogger(zl *zap.Logger, serviceName, environment string) *SecurityLogger {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &SecurityLogger{zapLogger: zl, serviceName: serviceName, environment: environment}
}

// NewProductionLogger builds the JSON stdout logger used in deployments.
func NewProductionLogger(serviceName string) *SecurityLogger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	zl, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		zl, _ = zap.NewProduction()
	}
	return NewSecurityLogger(zl, serviceName, environment())
}

// SetPersistFunc sets the function that stores events besides logging them.
// Set it before the logger is shared.
func (sl *SecurityLogger) SetPersistFunc(f func(ctx context.Context, event SecurityEvent) error) {
	sl.persistFunc = f
}

// Log logs a security event and, when configured, persists it in the
// background.
func (sl *SecurityLogger) Log(_ context.Context, event SecurityEvent) {
	if sl == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Service = sl.serviceName
	event.Environment = sl.environment
	event.Severity = GetSeverity(event.Event)

	fields := []zap.Field{
		zap.String("service", event.Service),
		zap.String("env", event.Environment),
		zap.String("event", string(event.Event)),
		zap.String("severity", string(event.Severity)),
		zap.Time("event_time", event.Timestamp),
	}
	if event.SubjectType != "" {
		fields = append(fields, zap.String("subject_type", event.SubjectType))
	}
	if event.SubjectValue != "" {
		fields = append(fields, zap.String("subject_value", event.SubjectValue))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", event.UserAgent))
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if len(event.Details) > 0 {
		detailsJSON, _ := json.Marshal(event.Details)
		fields = append(fields, zap.String("details", string(detailsJSON)))
	}

	sl.zapLogger.Log(event.Severity.zapLevel(), string(event.Event), fields...)

	if sl.persistFunc != nil {
		go func(e SecurityEvent) {
			// The request context may already be canceled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sl.persistFunc(ctx, e); err != nil {
				sl.zapLogger.Error("failed to persist security event", zap.String("event", string(e.Event)), zap.Error(err))
			}
		}(event)
	}
}

// Request identifies where an event came from.
type Request struct {
	IP        string
	UserAgent string
	RequestID string
}

// LogAuth logs an auth action against an email subject.
func (sl *SecurityLogger) LogAuth(ctx context.Context, event EventType, email string, req Request, details map[string]any) {
	sl.Log(ctx, SecurityEvent{
		Event:        event,
		SubjectType:  "email",
		SubjectValue: MaskEmail(email),
		IP:           req.IP,
		UserAgent:    req.UserAgent,
		RequestID:    req.RequestID,
		Details:      details,
	})
}

// LogRateLimitTriggered logs when rate limiting is triggered
func (sl *SecurityLogger) LogRateLimitTriggered(ctx context.Context, req Request, endpoint string) {
	sl.Log(ctx, SecurityEvent{
		Event:        EventRateLimitTriggered,
		SubjectType:  "ip",
		SubjectValue: req.IP,
		IP:           req.IP,
		UserAgent:    req.UserAgent,
		RequestID:    req.RequestID,
		Details:      map[string]any{"endpoint": endpoint},
	})
}

// Sync flushes any buffered log entries
func (sl *SecurityLogger) Sync() error {
	if sl == nil {
		return nil
	}
	return sl.zapLogger.Sync()
}

// MaskEmail masks an email for logging (e.g., "j***@example.com")
func MaskEmail(email string) string {
	if len(email) < 3 {
		return "***"
	}
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***" + email[1:]
	}
	return email[:1] + "***" + email[at:]
}

// HashValue creates a SHA256 hash of a value (for logging without PII)
func HashValue(value string) string {
	hash := sha256.Sum256([]byte(value))
	return hex.EncodeToString(hash[:8])
}

func environment() string {
	if os.Getenv("GIN_MODE") == "release" {
		return "production"
	}
	return "development"
}
