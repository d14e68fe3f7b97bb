package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	// DefaultMaxSkew bounds how far a request timestamp may drift from the
	// server clock in either direction.
	DefaultMaxSkew = 300 * time.Second
	// DefaultStoreTimeout caps each nonce, registry, and rate-limit call.
	DefaultStoreTimeout = 250 * time.Millisecond
)

// Reason is why the pipeline rejected a request.
type Reason string

const (
	ReasonMissingCredentials Reason = "missing_credentials"
	ReasonStaleTimestamp     Reason = "stale_or_future_timestamp"
	ReasonReplayDetected     Reason = "replay_detected"
	ReasonUnknownAgent       Reason = "unknown_or_inactive_agent"
	ReasonInvalidSignature   Reason = "invalid_signature"
	ReasonInsufficientScope  Reason = "insufficient_scope"
	ReasonRateLimited        Reason = "rate_limit_exceeded"
	ReasonStoreUnavailable   Reason = "store_unavailable"
)

// State is a step of the pipeline. A request advances through the states in
// declaration order and stops at the first failing check.
type State int

const (
	StateStart State = iota
	StateTimestampChecked
	StateNonceChecked
	StateAgentResolved
	StateSignatureVerified
	StateAuthorized
	StateRateLimited
	StateAccepted
)

var stateNames = [...]string{
	"start", "timestamp_checked", "nonce_checked", "agent_resolved",
	"signature_verified", "authorized", "rate_limited", "accepted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Rejection is the error returned for every refused request. State is the
// last step the request passed before it was refused.
type Rejection struct {
	Reason  Reason
	State   State
	Message string
	// Missing lists unsatisfied scopes for ReasonInsufficientScope.
	Missing []string
	// RateLimit is set once the request reached the rate limiter.
	RateLimit *Decision
	Err       error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.Reason, r.Message, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}

func (r *Rejection) Unwrap() error { return r.Err }

// AsRejection extracts a *Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	ok := errors.As(err, &rej)
	return rej, ok
}

// SignedRequest carries the raw request fields the pipeline checks.
type SignedRequest struct {
	Scheme Scheme
	Method string
	// Route is the concrete request path that was signed.
	Route string
	// Operation is the route template used for rate-limit buckets. Route is
	// used when empty.
	Operation string
	Body      []byte
	Timestamp string // exactly as sent
	Nonce     string
	Signature string
	AgentID   string
}

// Result is a successful authentication.
type Result struct {
	Agent     *AgentContext
	RateLimit Decision
}

// PipelineConfig wires the pipeline's collaborators.
type PipelineConfig struct {
	Registry AgentRegistry
	Nonces   NonceStore
	Limiter  RateLimiter
	Verifier *Verifier

	MaxSkew      time.Duration
	StoreTimeout time.Duration
	// WebhookRequireNonce rejects webhook-scheme requests without a nonce.
	// Header-scheme requests always need one.
	WebhookRequireNonce bool

	Now func() time.Time
}

// Pipeline authenticates, authorizes, and rate-limits signed agent requests.
type Pipeline struct {
	registry     AgentRegistry
	nonces       NonceStore
	limiter      RateLimiter
	verifier     *Verifier
	maxSkew      time.Duration
	storeTimeout time.Duration
	requireNonce map[Scheme]bool
	now          func() time.Time
}

// NewPipeline returns a pipeline. Registry, Nonces, and Limiter are required.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		registry:     cfg.Registry,
		nonces:       cfg.Nonces,
		limiter:      cfg.Limiter,
		verifier:     cfg.Verifier,
		maxSkew:      cfg.MaxSkew,
		storeTimeout: cfg.StoreTimeout,
		requireNonce: map[Scheme]bool{
			SchemeHeader:  true,
			SchemeWebhook: cfg.WebhookRequireNonce,
		},
		now: cfg.Now,
	}
	if p.verifier == nil {
		p.verifier = NewVerifier(false)
	}
	if p.maxSkew <= 0 {
		p.maxSkew = DefaultMaxSkew
	}
	if p.storeTimeout <= 0 {
		p.storeTimeout = DefaultStoreTimeout
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// MaxSkew returns the freshness window.
func (p *Pipeline) MaxSkew() time.Duration { return p.maxSkew }

// Authenticate runs the request through every check in order. On success the
// nonce is committed and the returned Result carries the agent's context.
// Any failure returns a *Rejection; a nonce reserved along the way is
// released.
func (p *Pipeline) Authenticate(ctx context.Context, req SignedRequest, policy RequestPolicy) (*Result, error) {
	state := StateStart
	reject := func(reason Reason, msg string, err error) *Rejection {
		return &Rejection{Reason: reason, State: state, Message: msg, Err: err}
	}

	if req.Signature == "" || req.Timestamp == "" || req.AgentID == "" {
		return nil, reject(ReasonMissingCredentials, "signature, timestamp, and agent ID are required", nil)
	}
	if req.Nonce == "" && p.requireNonce[req.Scheme] {
		return nil, reject(ReasonMissingCredentials, "nonce is required", nil)
	}

	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return nil, reject(ReasonStaleTimestamp, "timestamp is not a unix time", nil)
	}
	now := p.now()
	sent := time.Unix(ts, 0)
	// Whole seconds on both sides, so a timestamp exactly maxSkew old is fresh.
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(p.maxSkew/time.Second) {
		return nil, reject(ReasonStaleTimestamp, "timestamp outside the allowed window", nil)
	}
	state = StateTimestampChecked

	var reservation Reservation
	committed := false
	if req.Nonce != "" {
		sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
		reservation, err = p.nonces.Reserve(sctx, NonceKey(req.AgentID, req.Nonce), p.maxSkew)
		cancel()
		switch {
		case errors.Is(err, ErrNonceUsed):
			return nil, reject(ReasonReplayDetected, "nonce already used", nil)
		case err != nil:
			return nil, reject(ReasonStoreUnavailable, "nonce store unavailable", err)
		}
		defer func() {
			if committed {
				return
			}
			// The request context may already be cancelled; the release must
			// still reach the store.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.storeTimeout)
			defer cancel()
			_ = reservation.Release(rctx)
		}()
	}
	state = StateNonceChecked

	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	agent, err := p.registry.Lookup(sctx, req.AgentID)
	cancel()
	switch {
	case errors.Is(err, ErrAgentNotFound):
		return nil, reject(ReasonUnknownAgent, "unknown or inactive agent", nil)
	case err != nil:
		return nil, reject(ReasonStoreUnavailable, "agent registry unavailable", err)
	case !agent.Active:
		return nil, reject(ReasonUnknownAgent, "unknown or inactive agent", nil)
	}
	state = StateAgentResolved

	payload := Encode(req.Scheme, req.Method, req.Route, req.Body, req.Timestamp, req.Nonce)
	if err := p.verifier.Verify(agent.Credential, payload, req.Signature); err != nil {
		return nil, reject(ReasonInvalidSignature, "invalid signature", err)
	}

	if reservation != nil {
		// Remember the nonce for as long as the timestamp stays fresh.
		ttl := max(p.maxSkew, sent.Add(p.maxSkew).Sub(now))
		sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
		err := reservation.Commit(sctx, ttl)
		cancel()
		if err != nil {
			return nil, reject(ReasonStoreUnavailable, "nonce store unavailable", err)
		}
		committed = true
	}
	state = StateSignatureVerified

	if missing := Missing(agent.Scopes, policy.Scopes...); len(missing) > 0 {
		rej := reject(ReasonInsufficientScope, "insufficient scope", nil)
		rej.Missing = missing
		return nil, rej
	}
	state = StateAuthorized

	limit, window := policy.Limit, policy.Window
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	bucket := req.Operation
	if bucket == "" {
		bucket = req.Route
	}
	sctx, cancel = context.WithTimeout(ctx, p.storeTimeout)
	decision, err := p.limiter.Allow(sctx, RateKey(req.AgentID, bucket), limit, window)
	cancel()
	if err != nil {
		return nil, reject(ReasonStoreUnavailable, "rate limiter unavailable", err)
	}
	if !decision.Allowed {
		rej := reject(ReasonRateLimited, "rate limit exceeded", nil)
		rej.RateLimit = &decision
		return nil, rej
	}
	return &Result{
		Agent: &AgentContext{
			AgentID:   req.AgentID,
			Scopes:    agent.Scopes,
			CanRefund: agent.CanRefund,
			Scheme:    req.Scheme,
		},
		RateLimit: decision,
	}, nil
}
