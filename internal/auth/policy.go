package auth

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RoutePolicy overrides per-route scopes and rate limits. Loaded from YAML:
//
//	defaults:
//	  limit: 60
//	  window: 60s
//	routes:
//	  - route: /agent-commerce/v1/refunds
//	    method: POST
//	    scopes: [orders:refund]
//	    limit: 10
//	  - route: /agent-commerce/v1/catalog/*
//	    limit: 600
type RoutePolicy struct {
	Defaults RateRule    `yaml:"defaults"`
	Routes   []RouteRule `yaml:"routes"`
}

// RateRule is a fixed-window limit. Zero fields inherit from the enclosing level.
type RateRule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RouteRule matches requests by operation path (glob) and optional method.
type RouteRule struct {
	Route    string   `yaml:"route"`
	Method   string   `yaml:"method"`
	Scopes   []string `yaml:"scopes"`
	RateRule `yaml:",inline"`
}

// RequestPolicy is what the pipeline enforces for one request.
type RequestPolicy struct {
	Scopes []string
	Limit  int
	Window time.Duration
}

// LoadRoutePolicy reads and validates a route policy file.
func LoadRoutePolicy(filePath string) (*RoutePolicy, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read route policy: %w", err)
	}
	var p RoutePolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse route policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks limits and route patterns.
func (p *RoutePolicy) Validate() error {
	if p.Defaults.Limit < 0 || p.Defaults.Window < 0 {
		return errors.New("route policy defaults: limit and window must not be negative")
	}
	for i, r := range p.Routes {
		if r.Route == "" {
			return fmt.Errorf("route policy rule %d: route is required", i)
		}
		if _, err := path.Match(r.Route, "/"); err != nil {
			return fmt.Errorf("route policy rule %d: invalid pattern %q: %w", i, r.Route, err)
		}
		if r.Limit < 0 || r.Window < 0 {
			return fmt.Errorf("route policy rule %d: limit and window must not be negative", i)
		}
	}
	return nil
}

// Resolve returns the policy for method and route. defaultScopes are the
// operation's built-in requirements; the first matching rule with scopes
// replaces them. A nil policy yields the package defaults.
func (p *RoutePolicy) Resolve(method, route string, defaultScopes []string) RequestPolicy {
	rp := RequestPolicy{
		Scopes: defaultScopes,
		Limit:  DefaultRateLimit,
		Window: DefaultRateWindow,
	}
	if p == nil {
		return rp
	}
	if p.Defaults.Limit > 0 {
		rp.Limit = p.Defaults.Limit
	}
	if p.Defaults.Window > 0 {
		rp.Window = p.Defaults.Window
	}
	for _, r := range p.Routes {
		if r.Method != "" && !strings.EqualFold(r.Method, method) {
			continue
		}
		if ok, _ := path.Match(r.Route, route); !ok {
			continue
		}
		if len(r.Scopes) > 0 {
			rp.Scopes = r.Scopes
		}
		if r.Limit > 0 {
			rp.Limit = r.Limit
		}
		if r.Window > 0 {
			rp.Window = r.Window
		}
		break
	}
	return rp
}
