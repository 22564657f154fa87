package security

import "go.uber.org/zap/zapcore"

// Severity is derived from the EventType, never supplied by the caller.
type Severity string

const (
	SeverityINFO   Severity = "INFO"
	SeverityMEDIUM Severity = "MEDIUM"
	SeverityWARN   Severity = "WARN"
	SeverityHIGH   Severity = "HIGH"
)

// EventSeverityMap is the hard-coded severity of each auth event.
var EventSeverityMap = map[EventType]Severity{
	// INFO - normal operations
	EventLoginSuccess: SeverityINFO,
	EventSignup:       SeverityINFO,
	EventLogout:       SeverityINFO,

	// MEDIUM - account changes worth an audit trail
	EventPasswordReset:  SeverityMEDIUM,
	EventPasswordChange: SeverityMEDIUM,

	// WARN - possible abuse, monitor
	EventLoginFailed:        SeverityWARN,
	EventRateLimitTriggered: SeverityWARN,

	// HIGH - active blocking
	EventLoginBlocked: SeverityHIGH,
	EventBlockCreated: SeverityHIGH,
}

// GetSeverity returns the severity for an event type, MEDIUM when unmapped.
func GetSeverity(eventType EventType) Severity {
	if severity, ok := EventSeverityMap[eventType]; ok {
		return severity
	}
	return SeverityMEDIUM
}

func (s Severity) zapLevel() zapcore.Level {
	switch s {
	case SeverityWARN:
		return zapcore.WarnLevel
	case SeverityHIGH:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
