package auth

import (
	"context"
	"slices"
)

// AgentContext is the verified identity attached to a request after the
// pipeline accepts it. It lives for one request and is never persisted.
type AgentContext struct {
	AgentID   string
	Scopes    []string
	CanRefund bool
	Scheme    Scheme
}

// HasScope reports whether the agent's grants satisfy every required scope.
func (a *AgentContext) HasScope(required ...string) bool {
	return Authorize(a.Scopes, required...)
}

// AdminIdentity is an authenticated operator on the admin API.
type AdminIdentity struct {
	Subject string
	Groups  []string
	Method  string // "token" or "jwt"
}

// InGroup reports whether the operator belongs to group.
func (a *AdminIdentity) InGroup(group string) bool {
	return slices.Contains(a.Groups, group)
}

type agentKey struct{}
type adminKey struct{}

// WithAgent stores an AgentContext in the context.
func WithAgent(ctx context.Context, a *AgentContext) context.Context {
	return context.WithValue(ctx, agentKey{}, a)
}

// AgentFromContext returns the AgentContext, or nil if the request was not
// authenticated as an agent.
func AgentFromContext(ctx context.Context) *AgentContext {
	a, _ := ctx.Value(agentKey{}).(*AgentContext)
	return a
}

// WithAdmin stores an AdminIdentity in the context.
func WithAdmin(ctx context.Context, id *AdminIdentity) context.Context {
	return context.WithValue(ctx, adminKey{}, id)
}

// AdminFromContext returns the AdminIdentity, or nil.
func AdminFromContext(ctx context.Context) *AdminIdentity {
	id, _ := ctx.Value(adminKey{}).(*AdminIdentity)
	return id
}
