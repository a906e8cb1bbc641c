package logging

import (
	"sync"

	"github.com/rs/zerolog"
)

// AuditSeverity classifies an audit event for alerting.
type AuditSeverity int

const (
	AuditInfo AuditSeverity = iota
	AuditWarn
	AuditCritical
)

// Alerter receives critical audit events. The default ConsoleAlerter just
// logs; a real deployment could wire this to pager/Slack without touching
// call sites.
type Alerter interface {
	Alert(event string, message string, fields map[string]any)
}

// ConsoleAlerter logs critical events through the given logger.
type ConsoleAlerter struct {
	logger zerolog.Logger
}

func NewConsoleAlerter(logger zerolog.Logger) *ConsoleAlerter {
	return &ConsoleAlerter{logger: logger}
}

func (a *ConsoleAlerter) Alert(event, message string, fields map[string]any) {
	e := a.logger.Warn().Str("audit_event", event)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg("ALERT: " + message)
}

// AuditLogger records discrete named events for security- and
// reliability-relevant occurrences: session lifecycle, refresh-token reuse,
// circuit breaker transitions, rate-limit degradation.
type AuditLogger struct {
	logger  zerolog.Logger
	minimum AuditSeverity
	alerter Alerter
	mu      sync.Mutex
}

func NewAuditLogger(logger zerolog.Logger, minimum AuditSeverity) *AuditLogger {
	return &AuditLogger{logger: logger, minimum: minimum}
}

func (a *AuditLogger) SetAlerter(alerter Alerter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerter = alerter
}

func (a *AuditLogger) log(sev AuditSeverity, event, message string, fields map[string]any) {
	if sev < a.minimum {
		return
	}
	e := a.logger.With().Str("audit_event", event).Timestamp().Logger()
	entry := e.Info()
	switch sev {
	case AuditWarn:
		entry = e.Warn()
	case AuditCritical:
		entry = e.Error()
	}
	for k, v := range fields {
		entry = entry.Interface(k, v)
	}
	entry.Msg(message)

	if sev == AuditCritical {
		a.mu.Lock()
		alerter := a.alerter
		a.mu.Unlock()
		if alerter != nil {
			alerter.Alert(event, message, fields)
		}
	}
}

func (a *AuditLogger) Info(event, message string, fields map[string]any) {
	a.log(AuditInfo, event, message, fields)
}

func (a *AuditLogger) Warn(event, message string, fields map[string]any) {
	a.log(AuditWarn, event, message, fields)
}

func (a *AuditLogger) Critical(event, message string, fields map[string]any) {
	a.log(AuditCritical, event, message, fields)
}
