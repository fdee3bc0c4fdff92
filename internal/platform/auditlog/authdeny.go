package auditlog

import (
	"context"
	"database/sql"
	"net"
	"strings"

	"github.com/kilnlabs/kiln-go/internal/platform/auth"
)

// Audit rows keep at most this much of the client's user agent.
const maxUserAgentLen = 256

// InsertAuthDeny records a rejected request in the audit trail. Denies are
// keyed auth.<reason> so they sort next to the workflow and build actions.
func InsertAuthDeny(ctx context.Context, db *sql.DB, service string, event auth.DenyEvent) error {
	actor := strings.TrimSpace(event.Subject)
	if actor == "" {
		actor = "anonymous"
	}

	reason := strings.TrimSpace(event.Reason)
	if reason == "" {
		reason = "denied"
	}

	var ip net.IP
	if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
		ip = net.ParseIP(host)
	}

	userAgent := event.UserAgent
	if len(userAgent) > maxUserAgentLen {
		userAgent = userAgent[:maxUserAgentLen]
	}

	payload := map[string]any{
		"service": service,
		"status":  event.Status,
		"reason":  reason,
		"error":   event.Error,
	}
	if strings.TrimSpace(event.Email) != "" {
		payload["email"] = event.Email
	}
	if len(event.Roles) > 0 {
		payload["roles"] = event.Roles
	}

	_, err := Insert(ctx, db, Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + reason,
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           ip,
		UserAgent:    userAgent,
		Payload:      payload,
	})
	return err
}
