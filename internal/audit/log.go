package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"pantrykit.org/internal/auth"
	"pantrykit.org/internal/obs"
)

// Event names emitted by the service.
const (
	EventRegister          = "auth.register"
	EventLogin             = "auth.login"
	EventLogout            = "auth.logout"
	EventRevokeAll         = "auth.revoke_all"
	EventEmailVerified     = "auth.email_verified"
	EventRoleCreated       = "rbac.role_created"
	EventRoleUpdated       = "rbac.role_updated"
	EventAssignmentCreated = "rbac.assignment_created"
	EventAssignmentRevoked = "rbac.assignment_revoked"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request, user and tenant
// context. Secrets must never be passed in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := obs.Logger().WithFields(logrus.Fields{
		"type":  "audit",
		"event": event,
	})
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry = entry.WithField("request_id", rid)
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry = entry.WithField("user_id", userID)
	}
	if tenant := auth.TenantFromContext(ctx); tenant != "" {
		entry = entry.WithField("tenant_id", tenant)
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry.WithField("fields", copyFields).Info(event)
	return nil
}
