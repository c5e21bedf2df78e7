package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinica/clinica/internal/platform/auth"
)

// AuditEntry describes one mutating request against the record routes.
type AuditEntry struct {
	RequestID string
	UserID    string
	Action    string
	Resource  string
	RecordKey string
	Status    int
	RemoteIP  string
	Timestamp time.Time
}

// Audit logs every create and delete after the handler has run, including
// the ones that failed. Reads are left to the request logger.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	logger = logger.With().Str("component", "audit").Logger()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			action := httpMethodToAction(c.Request().Method)
			if action == "" {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				RequestID: requestID(c),
				UserID:    auth.UserIDFromContext(c.Request().Context()),
				Action:    action,
				Resource:  resourceFromRoute(c.Path()),
				RecordKey: recordKey(c),
				Status:    responseStatus(c, err),
				RemoteIP:  c.RealIP(),
				Timestamp: time.Now().UTC(),
			}
			if entry.Resource == "" {
				return err
			}

			evt := logger.Info()
			if entry.Status >= http.StatusBadRequest {
				evt = logger.Warn()
			}
			evt.
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("action", entry.Action).
				Str("resource", entry.Resource).
				Str("record", entry.RecordKey).
				Int("status", entry.Status).
				Str("remote_ip", entry.RemoteIP).
				Time("at", entry.Timestamp).
				Msg("audit")

			return err
		}
	}
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return ""
	}
}

// resourceFromRoute returns the last literal segment of the matched route,
// e.g. "documentos" for /pacientes/:prontuario/documentos.
func resourceFromRoute(route string) string {
	parts := strings.Split(strings.Trim(route, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		if p != "" && !strings.HasPrefix(p, ":") && p != "*" {
			return p
		}
	}
	return ""
}

func recordKey(c echo.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	return c.Param("prontuario")
}
