package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditAuthFailure           AuditEvent = "auth_failure"
	AuditAuthRateLimited       AuditEvent = "auth_rate_limited"
	AuditPublicKeyRegistered   AuditEvent = "public_key_registered"
	AuditRoleGranted           AuditEvent = "role_granted"
	AuditRoleRevoked           AuditEvent = "role_revoked"
	AuditTranscriptIssued      AuditEvent = "transcript_issued"
	AuditTranscriptRead        AuditEvent = "transcript_read"
	AuditAccessGranted         AuditEvent = "access_granted"
	AuditAccessRevoked         AuditEvent = "access_revoked"
	AuditBreakGlassRequested   AuditEvent = "break_glass_requested"
	AuditBreakGlassConsent     AuditEvent = "break_glass_consent"
	AuditEmergencyReleased     AuditEvent = "emergency_access_released"
	AuditBreakGlassExecuted    AuditEvent = "break_glass_executed"
	AuditBreakGlassHistoryRead AuditEvent = "break_glass_history_read"
)

// auditLogger wraps slog.Logger for structured security audit logging of
// API calls. Break-glass disclosures are additionally written to the
// durable audit log by the coordinator.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logCaller is a convenience for events performed by an authenticated
// caller.
func (al *auditLogger) logCaller(event AuditEvent, r *http.Request, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{callerAttr(r)}, extra...)...)
}

func (al *auditLogger) alert(ev AlertEvent) {
	al.logger.LogAttrs(context.Background(), slog.LevelWarn, "anomaly detected",
		slog.String("alert", string(ev.Type)),
		slog.String("message", ev.Message),
		slog.Int("count", ev.Count),
		slog.Int("threshold", ev.Threshold),
	)
}
