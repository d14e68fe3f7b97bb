package auth

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// ErrAgentNotFound is returned by registries for unknown agent IDs.
var ErrAgentNotFound = errors.New("agent not found")

// Agent is an immutable snapshot of an agent's verification material and
// grants, taken when the registry is consulted.
type Agent struct {
	ID         string
	Credential Credential
	Active     bool
	Scopes     []string
	CanRefund  bool
}

// clone detaches the snapshot from any shared backing arrays.
func (a Agent) clone() Agent {
	a.Scopes = slices.Clone(a.Scopes)
	return a
}

// AgentRegistry resolves agent IDs to snapshots.
type AgentRegistry interface {
	Lookup(ctx context.Context, agentID string) (Agent, error)
}

// CachedRegistry wraps a registry with a bounded TTL cache. Concurrent misses
// for the same agent are coalesced into one backend call. Unknown agents are
// not cached, so a newly created agent is visible immediately.
type CachedRegistry struct {
	backend AgentRegistry
	cache   *expirable.LRU[string, Agent]
	sf      singleflight.Group
}

// NewCachedRegistry caches up to size agents for ttl.
func NewCachedRegistry(backend AgentRegistry, size int, ttl time.Duration) *CachedRegistry {
	if size <= 0 {
		size = 1024
	}
	return &CachedRegistry{
		backend: backend,
		cache:   expirable.NewLRU[string, Agent](size, nil, ttl),
	}
}

func (c *CachedRegistry) Lookup(ctx context.Context, agentID string) (Agent, error) {
	if a, ok := c.cache.Get(agentID); ok {
		return a.clone(), nil
	}

	result, err, _ := c.sf.Do(agentID, func() (any, error) {
		// Another goroutine may have populated the cache while we waited.
		if a, ok := c.cache.Get(agentID); ok {
			return a, nil
		}
		a, err := c.backend.Lookup(ctx, agentID)
		if err != nil {
			return Agent{}, err
		}
		c.cache.Add(agentID, a)
		return a, nil
	})
	if err != nil {
		return Agent{}, err
	}
	return result.(Agent).clone(), nil
}

// Invalidate drops a cached agent after an admin change.
func (c *CachedRegistry) Invalidate(agentID string) {
	c.cache.Remove(agentID)
}

// StaticRegistry serves a fixed set of agents. Useful for tests and for
// bootstrapping from a seed file.
type StaticRegistry map[string]Agent

func (r StaticRegistry) Lookup(_ context.Context, agentID string) (Agent, error) {
	a, ok := r[agentID]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return a.clone(), nil
}
