// Package config supplies the gateway's options block and a YAML-
// backed route Source. The core never parses configuration itself;
// this package is the concrete collaborator that does, using
// gopkg.in/yaml.v3 for config serialization.
package config

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/korrelate/gateway/internal/gwerrors"
	"github.com/korrelate/gateway/internal/routing"
)

// RateLimit is the gateway-level default rate limit sub-block.
type RateLimit struct {
	Permits       int `yaml:"permits"`
	WindowSeconds int `yaml:"window_seconds"`
}

// CircuitBreaker is the gateway-level circuit breaker sub-block.
type CircuitBreaker struct {
	BreakDurationSeconds int `yaml:"break_duration_seconds"`
}

// Cache is the gateway-level cache sub-block. The core never reads
// these fields; caching stays an external collaborator, so they are
// carried through only so a config file can declare them without the
// loader rejecting unknown keys.
type Cache struct {
	DurationSeconds int `yaml:"duration_seconds"`
}

// Gateway is the read-only options block controlling gateway behavior.
type Gateway struct {
	EnableRateLimiting             bool `yaml:"enable_rate_limiting"`
	EnableCircuitBreaker           bool `yaml:"enable_circuit_breaker"`
	EnableCaching                  bool `yaml:"enable_caching"`
	EnableLoadBalancing            bool `yaml:"enable_load_balancing"`
	EnableAuthenticationForwarding bool `yaml:"enable_authentication_forwarding"`
	DefaultTimeoutSeconds          int  `yaml:"default_timeout_seconds"`
	MaxConcurrentRequests          int  `yaml:"max_concurrent_requests"`

	RateLimit      RateLimit      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreaker `yaml:"circuit_breaker"`
	Cache          Cache          `yaml:"cache"`
}

func (g *Gateway) applyDefaults() {
	if g.DefaultTimeoutSeconds == 0 {
		g.DefaultTimeoutSeconds = routing.DefaultTimeoutSeconds
	}
	if g.MaxConcurrentRequests == 0 {
		g.MaxConcurrentRequests = 100
	}
}

func (g *Gateway) validate() error {
	if g.DefaultTimeoutSeconds < 1 || g.DefaultTimeoutSeconds > 300 {
		return gwerrors.New(gwerrors.KindValidation, "config.default_timeout_seconds", "default_timeout_seconds must be in [1,300]")
	}
	if g.MaxConcurrentRequests < 1 || g.MaxConcurrentRequests > 10000 {
		return gwerrors.New(gwerrors.KindValidation, "config.max_concurrent_requests", "max_concurrent_requests must be in [1,10000]")
	}
	return nil
}

// routeFile is the on-disk shape of one route entry.
type routeFile struct {
	ID                     string            `yaml:"id"`
	Prefix                 string            `yaml:"prefix"`
	Destinations           []string          `yaml:"destinations"`
	Priority               int               `yaml:"priority"`
	RequiresAuthentication bool              `yaml:"requires_authentication"`
	AllowedRoles           []string          `yaml:"allowed_roles"`
	Policy                 policyFile        `yaml:"policy"`
	UpstreamHeaders        map[string]string `yaml:"upstream_headers"`
}

type policyFile struct {
	LoadBalancing          string `yaml:"load_balancing"`
	EnableRateLimiting     bool   `yaml:"enable_rate_limiting"`
	RateLimitPermits       int    `yaml:"rate_limit_permits"`
	RateLimitWindowSeconds int    `yaml:"rate_limit_window_seconds"`
	EnableCircuitBreaker   bool   `yaml:"enable_circuit_breaker"`
	EnableCaching          bool   `yaml:"enable_caching"`
	CacheDurationSeconds   int    `yaml:"cache_duration_seconds"`
	TimeoutSeconds         int    `yaml:"timeout_seconds"`
	MaxRetries             int    `yaml:"max_retries"`
}

// file is the on-disk shape of a full config file: the Gateway
// options plus the initial route set.
type file struct {
	Gateway Gateway     `yaml:"gateway"`
	Routes  []routeFile `yaml:"routes"`
}

// Snapshot is what a Source hands the route table on load/reload.
type Snapshot struct {
	Routes  []*routing.Route
	Gateway Gateway
}

// FileSource loads routes and gateway options from a YAML file on
// disk. It implements routing.Source.
type FileSource struct {
	Path string
}

// LoadRoutes implements routing.Source.
func (s *FileSource) LoadRoutes(ctx context.Context) ([]*routing.Route, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Routes, nil
}

// Load reads and validates the full snapshot (routes + gateway
// options) from s.Path.
func (s *FileSource) Load(_ context.Context) (Snapshot, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return Snapshot{}, gwerrors.Wrap(gwerrors.KindFailure, "config.read_failed", "failed to read config file", err)
	}

	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Snapshot{}, gwerrors.Wrap(gwerrors.KindValidation, "config.parse_failed", "failed to parse config file", err)
	}

	f.Gateway.applyDefaults()
	if err := f.Gateway.validate(); err != nil {
		return Snapshot{}, err
	}

	routes := make([]*routing.Route, 0, len(f.Routes))
	for _, rf := range f.Routes {
		policy := routing.Policy{
			LoadBalancingStrategy:   routing.LoadBalancing(rf.Policy.LoadBalancing),
			EnableRateLimiting:      rf.Policy.EnableRateLimiting,
			RateLimitPermits:        rf.Policy.RateLimitPermits,
			RateLimitWindowSeconds:  rf.Policy.RateLimitWindowSeconds,
			EnableCircuitBreaker:    rf.Policy.EnableCircuitBreaker,
			EnableCaching:           rf.Policy.EnableCaching,
			CacheDurationSeconds:    rf.Policy.CacheDurationSeconds,
			TimeoutSeconds:          rf.Policy.TimeoutSeconds,
			MaxRetries:              rf.Policy.MaxRetries,
			UpstreamHeaderOverrides: rf.UpstreamHeaders,
		}
		route, err := routing.New(rf.ID, rf.Prefix, rf.Destinations, policy, rf.Priority, rf.RequiresAuthentication, rf.AllowedRoles)
		if err != nil {
			return Snapshot{}, err
		}
		routes = append(routes, route)
	}

	return Snapshot{Routes: routes, Gateway: f.Gateway}, nil
}
