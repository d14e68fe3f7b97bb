package api

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/agentic-gateway/internal/audit"
	"github.com/hatemosphere/agentic-gateway/internal/auth"
	"github.com/hatemosphere/agentic-gateway/internal/storage"
)

// Operation metadata keys read by agentAuthMiddleware.
const (
	metaScheme = "agentScheme"
	metaScopes = "agentScopes"
)

// Wire headers for the two signing schemes.
const (
	headerAgentID = "X-Agent-Id"

	headerSignature = "X-Agent-Signature"
	headerTimestamp = "X-Agent-Timestamp"
	headerNonce     = "X-Agent-Nonce"

	webhookSignature = "X-Agentic-Signature"
	webhookTimestamp = "X-Agentic-Timestamp"
	webhookNonce     = "X-Agentic-Nonce"
)

// signed marks an operation as agent-authenticated under scheme, requiring
// scopes (all of them).
func signed(op huma.Operation, scheme auth.Scheme, scopes ...string) huma.Operation {
	if op.Metadata == nil {
		op.Metadata = map[string]any{}
	}
	op.Metadata[metaScheme] = scheme
	op.Metadata[metaScopes] = scopes
	op.Errors = append(op.Errors, 401, 403, 429, 503)
	return op
}

// rejectionStatus maps pipeline reasons to HTTP statuses.
var rejectionStatus = map[auth.Reason]int{
	auth.ReasonMissingCredentials: http.StatusUnauthorized,
	auth.ReasonStaleTimestamp:     http.StatusUnauthorized,
	auth.ReasonReplayDetected:     http.StatusUnauthorized,
	auth.ReasonUnknownAgent:       http.StatusUnauthorized,
	auth.ReasonInvalidSignature:   http.StatusUnauthorized,
	auth.ReasonInsufficientScope:  http.StatusForbidden,
	auth.ReasonRateLimited:        http.StatusTooManyRequests,
	auth.ReasonStoreUnavailable:   http.StatusServiceUnavailable,
}

// agentAuthMiddleware runs signed operations through the authentication
// pipeline. Operations without agent metadata pass straight through.
func (s *Server) agentAuthMiddleware(api huma.API) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		op := ctx.Operation()
		scheme, ok := op.Metadata[metaScheme].(auth.Scheme)
		if !ok {
			next(ctx)
			return
		}
		scopes, _ := op.Metadata[metaScopes].([]string)

		req := signedRequest(ctx, scheme)

		var err error
		if mismatch := bodyAgentMismatch(ctx, req.Body); mismatch != "" {
			err = &auth.Rejection{
				Reason:  auth.ReasonMissingCredentials,
				State:   auth.StateStart,
				Message: mismatch,
			}
		}

		var res *auth.Result
		if err == nil {
			policy := s.policy.Resolve(ctx.Method(), op.Path, scopes)
			res, err = s.pipeline.Authenticate(ctx.Context(), req, policy)
		}
		if err != nil {
			s.rejectAgent(api, ctx, req, err)
			return
		}

		setRateLimitHeaders(ctx, res.RateLimit)
		rateLimitDecisionsTotal.WithLabelValues("allowed").Inc()
		next(huma.WithContext(ctx, auth.WithAgent(ctx.Context(), res.Agent)))
	}
}

// signedRequest collects the signed fields from headers and the raw body.
func signedRequest(ctx huma.Context, scheme auth.Scheme) auth.SignedRequest {
	body := rawBody(ctx.Context())
	req := auth.SignedRequest{
		Scheme:    scheme,
		Method:    ctx.Method(),
		Route:     ctx.URL().Path,
		Operation: ctx.Operation().Path,
		Body:      body,
		AgentID:   ctx.Header(headerAgentID),
	}
	if scheme == auth.SchemeWebhook {
		req.Signature = ctx.Header(webhookSignature)
		req.Timestamp = ctx.Header(webhookTimestamp)
		req.Nonce = ctx.Header(webhookNonce)
	} else {
		req.Signature = ctx.Header(headerSignature)
		req.Timestamp = ctx.Header(headerTimestamp)
		req.Nonce = ctx.Header(headerNonce)
	}
	if req.AgentID == "" {
		req.AgentID = bodyAgentID(body)
	}
	return req
}

// bodyAgentID returns the agent_id field of a JSON body, if any. Malformed
// bodies are left for huma's validation to report after authentication.
func bodyAgentID(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var probe struct {
		AgentID string `json:"agent_id"`
	}
	if err := stdjson.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.AgentID
}

// bodyAgentMismatch reports a conflict between X-Agent-Id and the body's
// agent_id. A request must name one agent.
func bodyAgentMismatch(ctx huma.Context, body []byte) string {
	header := ctx.Header(headerAgentID)
	inBody := bodyAgentID(body)
	if header != "" && inBody != "" && header != inBody {
		return "agent_id in body does not match " + headerAgentID
	}
	return ""
}

func setRateLimitHeaders(ctx huma.Context, d auth.Decision) {
	if d.Limit == 0 {
		return
	}
	ctx.SetHeader("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	ctx.SetHeader("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	ctx.SetHeader("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// rejectAgent writes the error envelope for a refused request and records it.
func (s *Server) rejectAgent(api huma.API, ctx huma.Context, req auth.SignedRequest, err error) {
	rej, ok := auth.AsRejection(err)
	if !ok {
		_ = huma.WriteErr(api, ctx, http.StatusInternalServerError, "", internalError(err))
		return
	}

	status := rejectionStatus[rej.Reason]
	details := map[string]any{}
	switch rej.Reason {
	case auth.ReasonInsufficientScope:
		details["missing_scopes"] = rej.Missing
	case auth.ReasonRateLimited:
		rateLimitDecisionsTotal.WithLabelValues("denied").Inc()
		if rej.RateLimit != nil {
			setRateLimitHeaders(ctx, *rej.RateLimit)
			retry := max(int64(time.Until(rej.RateLimit.ResetAt).Seconds()+0.5), 1)
			ctx.SetHeader("Retry-After", strconv.FormatInt(retry, 10))
			details["retry_after"] = retry
		}
	case auth.ReasonStoreUnavailable:
		slog.Error("agent authentication store failure", "route", req.Route, "agent_id", req.AgentID, "error", rej.Err)
	}
	authRejectionsTotal.WithLabelValues(string(rej.Reason), string(req.Scheme)).Inc()

	audit.Event{
		Actor:      actorOrAnonymous(req.AgentID),
		Action:     ctx.Operation().OperationID,
		Status:     "denied",
		Method:     req.Method,
		Route:      req.Operation,
		HTTPStatus: status,
		Reason:     string(rej.Reason),
		IP:         ctx.RemoteAddr(),
		UserAgent:  ctx.Header("User-Agent"),
		Scheme:     string(req.Scheme),
		Extra:      []any{slog.String("state", rej.State.String())},
	}.Warn("Audit Log: agent request rejected")

	if recordRejection(rej.Reason) {
		s.recordAuthFailure(ctx, req, rej)
	}

	// The message never carries internal detail beyond the reason.
	msg := rej.Message
	if rej.Reason == auth.ReasonStoreUnavailable {
		msg = "authentication backend unavailable"
	}
	_ = huma.WriteErr(api, ctx, status, msg, newAgentError(status, string(rej.Reason), msg, details))
}

// recordRejection selects the rejections kept in the event log. Rate-limit
// denials are counted in metrics only, and store faults would fail to record.
func recordRejection(r auth.Reason) bool {
	return r != auth.ReasonRateLimited && r != auth.ReasonStoreUnavailable
}

func (s *Server) recordAuthFailure(ctx huma.Context, req auth.SignedRequest, rej *auth.Rejection) {
	data, _ := stdjson.Marshal(map[string]any{
		"reason": rej.Reason,
		"route":  req.Route,
		"scheme": req.Scheme,
		"state":  rej.State.String(),
	})
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx.Context()), 500*time.Millisecond)
	defer cancel()
	err := s.store.RecordEvent(rctx, &storage.Event{
		Event:     "auth_failed",
		AgentID:   req.AgentID,
		IP:        ctx.RemoteAddr(),
		UserAgent: ctx.Header("User-Agent"),
		Data:      data,
	})
	if err != nil {
		slog.Warn("failed to record auth failure", "error", err)
	}
}

func actorOrAnonymous(agentID string) string {
	if agentID == "" {
		return "anonymous"
	}
	return fmt.Sprintf("%.64s", agentID)
}
