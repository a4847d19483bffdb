package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditUserStaged      AuditEvent = "user_staged"
	AuditEmailStaged     AuditEvent = "email_staged"
	AuditStageThrottled  AuditEvent = "stage_throttled"
	AuditUserCreated     AuditEvent = "user_created"
	AuditEmailVerified   AuditEvent = "email_verified"
	AuditAuthSuccess     AuditEvent = "authentication_success"
	AuditAuthFailure     AuditEvent = "authentication_failure"
	AuditAccountLocked   AuditEvent = "account_locked"
	AuditAssertionAuth   AuditEvent = "assertion_authentication"
	AuditPasswordUpdated AuditEvent = "password_updated"
	AuditCertIssued      AuditEvent = "cert_issued"
	AuditEmailRemoved    AuditEvent = "email_removed"
	AuditAccountCancel   AuditEvent = "account_cancelled"
	AuditLogout          AuditEvent = "logout"
	AuditVerifySuccess   AuditEvent = "verify_success"
	AuditVerifyFailure   AuditEvent = "verify_failure"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
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
}

// logEvent is a convenience for events tied to an address.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, email string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("email", email),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed attempt with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
