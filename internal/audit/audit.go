package audit

import "log/slog"

// Enabled controls whether audit log entries are emitted. Tests that do not
// exercise auditing set this to false to keep output quiet.
var Enabled = true

// Event is a structured audit log entry. Only non-zero fields are logged.
type Event struct {
	Actor      string // agent ID, admin subject, or "anonymous"
	Action     string // operation ID or event name (e.g. "payment_complete")
	Status     string // "granted", "denied", "applied", "already_applied", "failed"
	Resource   string // order ID or agent ID the action targets
	Method     string // HTTP method
	Route      string // operation path template
	HTTPStatus int
	Reason     string // rejection reason or outcome detail
	IP         string
	UserAgent  string
	Scheme     string // "header" or "webhook" for agent requests, "admin" otherwise
	Extra      []any  // additional slog attrs for one-off fields
}

// Info emits the event at INFO level.
func (e Event) Info(msg string) {
	if !Enabled {
		return
	}
	slog.Info(msg, slog.Group("audit", e.attrs()...)) //nolint:gosec // structured logger safely escapes taint
}

// Warn emits the event at WARN level.
func (e Event) Warn(msg string) {
	if !Enabled {
		return
	}
	slog.Warn(msg, slog.Group("audit", e.attrs()...)) //nolint:gosec // structured logger safely escapes taint
}

func (e Event) attrs() []any {
	var attrs []any
	add := func(key, val string) {
		if val != "" {
			attrs = append(attrs, slog.String(key, val))
		}
	}
	add("actor", e.Actor)
	add("action", e.Action)
	add("status", e.Status)
	add("resource", e.Resource)
	add("method", e.Method)
	add("route", e.Route)
	if e.HTTPStatus != 0 {
		attrs = append(attrs, slog.Int("http_status", e.HTTPStatus))
	}
	add("reason", e.Reason)
	add("ip_address", e.IP)
	add("user_agent", e.UserAgent)
	add("scheme", e.Scheme)
	attrs = append(attrs, e.Extra...)
	return attrs
}
