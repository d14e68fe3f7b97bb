package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// AgentError is the error envelope agents receive:
// {"error": {"code": string, "message": string, "details": object}}.
type AgentError struct {
	status int
	Body   ErrorBody `json:"error"`
}

// ErrorBody is the inner object of an AgentError.
type ErrorBody struct {
	Code    string         `json:"code" doc:"Machine-readable error code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func (e *AgentError) Error() string {
	return e.Body.Message
}

func (e *AgentError) GetStatus() int {
	return e.status
}

// newAgentError builds an envelope. details may be nil.
func newAgentError(status int, code, msg string, details map[string]any) *AgentError {
	if details == nil {
		details = map[string]any{}
	}
	return &AgentError{
		status: status,
		Body:   ErrorBody{Code: code, Message: msg, Details: details},
	}
}

// codeForStatus is the code used when a handler or huma itself reports a bare
// status, e.g. "not_found" or "service_unavailable".
func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "invalid_payload"
	case 0:
		return "error"
	}
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ToLower(strings.NewReplacer(" ", "_", "-", "_", "'", "").Replace(text))
}

// internalError logs err and returns an opaque 500.
func internalError(err error) error {
	slog.Error("internal error", "error", err)
	return newAgentError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func init() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		for _, err := range errs {
			var ae *AgentError
			if errors.As(err, &ae) {
				if status != 0 {
					ae.status = status
				}
				return ae
			}
		}

		if msg == "" && len(errs) > 0 {
			msg = errs[0].Error()
		}
		var details map[string]any
		var fields []map[string]any
		for _, err := range errs {
			var ed *huma.ErrorDetail
			if errors.As(err, &ed) {
				fields = append(fields, map[string]any{
					"location": ed.Location,
					"message":  ed.Message,
				})
			}
		}
		if len(fields) > 0 {
			details = map[string]any{"errors": fields}
		}
		return newAgentError(status, codeForStatus(status), msg, details)
	}
}
