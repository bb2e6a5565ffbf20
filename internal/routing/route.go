// Package routing implements the gateway's route table: immutable,
// validated Route records keyed by route_id, and the concurrent
// container that holds them.
//
// Construction is the sole validation chokepoint: malformed upstream
// lists are rejected before any component ever sees them, and
// downstream components assume a Route already passed New and never
// revalidate.
package routing

import (
	"net/url"
	"strings"

	"github.com/korrelate/gateway/internal/gwerrors"
)

// LoadBalancing enumerates the selection strategies a route's Policy
// can declare.
type LoadBalancing string

const (
	RoundRobin         LoadBalancing = "RoundRobin"
	LeastConnections   LoadBalancing = "LeastConnections"
	Random             LoadBalancing = "Random"
	WeightedRoundRobin LoadBalancing = "WeightedRoundRobin"
	PowerOfTwoChoices  LoadBalancing = "PowerOfTwoChoices"
)

const (
	// DefaultTimeoutSeconds is used when a Policy omits TimeoutSeconds.
	DefaultTimeoutSeconds = 30
	minTimeoutSeconds     = 1
	maxTimeoutSeconds     = 300
)

// Policy is a mutable container of per-route tuning knobs, owned
// exclusively by one Route after construction; it is never shared
// between routes.
type Policy struct {
	LoadBalancingStrategy LoadBalancing

	EnableRateLimiting     bool
	RateLimitPermits       int
	RateLimitWindowSeconds int

	EnableCircuitBreaker bool

	EnableCaching        bool
	CacheDurationSeconds int

	TimeoutSeconds int
	MaxRetries     int

	// UpstreamHeaderOverrides are set unconditionally on the outgoing
	// request for this route's destinations, independent of the
	// identity-claim headers the proxy pipeline derives per request.
	UpstreamHeaderOverrides map[string]string
}

// normalize fills in the Policy defaults (RoundRobin strategy,
// DefaultTimeoutSeconds); New calls it once, at construction time.
func (p *Policy) normalize() {
	if p.LoadBalancingStrategy == "" {
		p.LoadBalancingStrategy = RoundRobin
	}
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = DefaultTimeoutSeconds
	}
}

func (p *Policy) validate() error {
	switch p.LoadBalancingStrategy {
	case RoundRobin, LeastConnections, Random, WeightedRoundRobin, PowerOfTwoChoices:
	default:
		return gwerrors.Newf(gwerrors.KindValidation, "route.policy.load_balancing", "unknown load balancing strategy %q", p.LoadBalancingStrategy)
	}
	if p.EnableRateLimiting {
		if p.RateLimitPermits <= 0 {
			return gwerrors.New(gwerrors.KindValidation, "route.policy.rate_limit_permits", "rate_limit_permits must be > 0 when rate limiting is enabled")
		}
		if p.RateLimitWindowSeconds <= 0 {
			return gwerrors.New(gwerrors.KindValidation, "route.policy.rate_limit_window_seconds", "rate_limit_window_seconds must be > 0 when rate limiting is enabled")
		}
	}
	if p.CacheDurationSeconds < 0 {
		return gwerrors.New(gwerrors.KindValidation, "route.policy.cache_duration_seconds", "cache_duration_seconds must be >= 0")
	}
	if p.TimeoutSeconds < minTimeoutSeconds || p.TimeoutSeconds > maxTimeoutSeconds {
		return gwerrors.Newf(gwerrors.KindValidation, "route.policy.timeout_seconds", "timeout_seconds must be in [%d,%d]", minTimeoutSeconds, maxTimeoutSeconds)
	}
	if p.MaxRetries < 0 {
		return gwerrors.New(gwerrors.KindValidation, "route.policy.max_retries", "max_retries must be >= 0")
	}
	return nil
}

// Clone returns a deep-enough copy of p suitable for a new Route to
// own; callers constructing a Route from a shared template must clone
// first so no two routes mutate the same Policy.
func (p Policy) Clone() Policy {
	cp := p
	if p.UpstreamHeaderOverrides != nil {
		cp.UpstreamHeaderOverrides = make(map[string]string, len(p.UpstreamHeaderOverrides))
		for k, v := range p.UpstreamHeaderOverrides {
			cp.UpstreamHeaderOverrides[k] = v
		}
	}
	return cp
}

// Route is an immutable, validated mapping from a path prefix to an
// ordered list of destinations plus a policy. Equality is defined by
// (RouteID, RoutePrefix) only — see Equal.
type Route struct {
	RouteID                string
	RoutePrefix            string
	Destinations           []string
	Policy                 Policy
	Priority               int
	RequiresAuthentication bool
	AllowedRoles           []string
}

// New validates the supplied fields and returns a frozen Route, or a
// Validation error. No Route is ever constructed outside this
// function, so no downstream component revalidates.
func New(routeID, routePrefix string, destinations []string, policy Policy, priority int, requiresAuth bool, allowedRoles []string) (*Route, error) {
	if strings.TrimSpace(routeID) == "" {
		return nil, gwerrors.New(gwerrors.KindValidation, "route.id.empty", "route_id must not be empty")
	}
	if strings.TrimSpace(routePrefix) == "" {
		return nil, gwerrors.New(gwerrors.KindValidation, "route.prefix.empty", "route_prefix must not be empty")
	}
	if !strings.HasPrefix(routePrefix, "/") {
		return nil, gwerrors.Newf(gwerrors.KindValidation, "route.prefix.no_slash", "route_prefix %q must begin with '/'", routePrefix)
	}
	if len(destinations) == 0 {
		return nil, gwerrors.New(gwerrors.KindValidation, "route.destinations.empty", "destinations must not be empty")
	}
	dests := make([]string, len(destinations))
	for i, d := range destinations {
		u, err := url.Parse(d)
		if err != nil || !u.IsAbs() {
			return nil, gwerrors.Newf(gwerrors.KindValidation, "route.destinations.invalid", "destination %q is not a parseable absolute URL", d)
		}
		dests[i] = d
	}
	if priority < 0 {
		return nil, gwerrors.New(gwerrors.KindValidation, "route.priority.negative", "priority must be non-negative")
	}

	p := policy.Clone()
	p.normalize()
	if err := p.validate(); err != nil {
		return nil, err
	}

	var roles []string
	if len(allowedRoles) > 0 {
		roles = append(roles, allowedRoles...)
	}

	return &Route{
		RouteID:                routeID,
		RoutePrefix:            routePrefix,
		Destinations:           dests,
		Policy:                 p,
		Priority:               priority,
		RequiresAuthentication: requiresAuth,
		AllowedRoles:           roles,
	}, nil
}

// Equal reports whether two routes are the same route: they share
// (RouteID, RoutePrefix), regardless of any policy difference.
func (r *Route) Equal(other *Route) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.RouteID == other.RouteID && r.RoutePrefix == other.RoutePrefix
}

// Matches reports whether path falls under this route's prefix.
func (r *Route) Matches(path string) bool {
	if r.RoutePrefix == "/" {
		return true
	}
	return path == strings.TrimSuffix(r.RoutePrefix, "/") || strings.HasPrefix(path, r.RoutePrefix)
}
