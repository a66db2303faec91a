package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/callmanager/internal/platform/auth"
)

// AuditEntry records who touched which call session and what they did.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	CallID     string
	PatientID  string
	Action     string // read, create, verify, status, join, summarize, configure
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries. The middleware always logs; a
// recorder is optional.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(ctx context.Context, entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

// Audit logs every request under prefix with the principal, the call it
// addressed and the derived action. Calls carry patient information, so
// reads are audited as well as writes.
func Audit(logger zerolog.Logger, prefix string, recorders ...AuditRecorder) echo.MiddlewareFunc {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, prefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}

			rest := strings.TrimPrefix(path, prefix)
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				Action:     auditAction(req.Method, rest),
				CallID:     extractCallID(rest),
				PatientID:  c.QueryParam("patientId"),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(req.Context(), entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "call_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("call_id", entry.CallID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("call_access")

			return err
		}
	}
}

// auditAction derives the action from the path below the API prefix.
//
//   - POST create-call           -> create
//   - POST calls/<id>/verify     -> verify
//   - POST calls/<id>/status     -> status
//   - POST calls/<id>/join       -> join
//   - POST calls/<id>/summary    -> summarize
//   - POST mcp-config            -> configure
//   - anything read-only         -> read
func auditAction(method, rest string) string {
	if method == http.MethodGet || method == http.MethodHead {
		return "read"
	}
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case segments[0] == "create-call":
		return "create"
	case segments[0] == "mcp-config":
		return "configure"
	case segments[0] == "calls" && len(segments) >= 3:
		switch segments[2] {
		case "summary":
			return "summarize"
		case "verify", "status", "join":
			return segments[2]
		}
	}
	return strings.ToLower(method)
}

// extractCallID returns <id> for paths shaped calls/<id>[/...].
func extractCallID(rest string) string {
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) >= 2 && segments[0] == "calls" {
		return segments[1]
	}
	return ""
}
