// Package balancer implements destination selection: filtering a
// route's destinations to healthy candidates, applying the route's
// selection policy, and accounting active connections per
// destination. Supports RoundRobin, LeastConnections, Random, and
// PowerOfTwoChoices.
package balancer

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/korrelate/gateway/internal/gwerrors"
	"github.com/korrelate/gateway/internal/health"
	"github.com/korrelate/gateway/internal/metrics"
	"github.com/korrelate/gateway/internal/routing"
)

// HealthView is the subset of the health monitor the balancer needs:
// whether a destination is currently healthy for candidate filtering.
type HealthView interface {
	GetStats(destination string) health.Snapshot
}

// Balancer selects a destination for a route and accounts active
// connections. One Balancer instance is shared by all routes; its
// per-route and per-destination state is created lazily and never
// removed.
type Balancer struct {
	health  HealthView
	metrics *metrics.Metrics

	mu          sync.Mutex
	roundRobin  map[string]*uint64 // route_id -> counter
	connections sync.Map           // destination -> *ConnectionCounter

	// rng is a single, mutex-guarded PRNG shared by Random and
	// PowerOfTwoChoices. A locked shared PRNG is simplest and still
	// race-free, at the cost of some contention under the Random and
	// PowerOfTwoChoices strategies.
	rngMu sync.Mutex
	rng   *rand.Rand

	loadBalancingEnabled atomic.Bool
}

// SetMetrics wires a Metrics bundle into the balancer; the
// active-connections gauge updates from that point on. Nil is safe and
// simply leaves metrics unwired.
func (b *Balancer) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// SetLoadBalancingEnabled toggles whether a route's configured
// strategy is honored. When disabled, Select always round-robins
// regardless of the route's policy, matching the Gateway-level
// enable_load_balancing off switch.
func (b *Balancer) SetLoadBalancingEnabled(enabled bool) {
	b.loadBalancingEnabled.Store(enabled)
}

// New returns a Balancer reading destination health from h, with
// strategy-based load balancing enabled by default.
func New(h HealthView) *Balancer {
	b := &Balancer{
		health:     h,
		roundRobin: make(map[string]*uint64),
		rng:        rand.New(rand.NewSource(1)),
	}
	b.loadBalancingEnabled.Store(true)
	return b
}

func (b *Balancer) randIntn(n int) int {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Intn(n)
}

func (b *Balancer) counterFor(destination string) *ConnectionCounter {
	if v, ok := b.connections.Load(destination); ok {
		return v.(*ConnectionCounter)
	}
	c, _ := b.connections.LoadOrStore(destination, &ConnectionCounter{})
	return c.(*ConnectionCounter)
}

func (b *Balancer) roundRobinCounter(routeID string) *uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.roundRobin[routeID]
	if !ok {
		var zero uint64
		c = &zero
		b.roundRobin[routeID] = c
	}
	return c
}

// candidates filters route.Destinations to those currently healthy,
// falling back to the full list if none are healthy so that a
// blown-up destination set is still attempted.
func (b *Balancer) candidates(route *routing.Route) []string {
	if len(route.Destinations) == 0 {
		return nil
	}
	healthy := make([]string, 0, len(route.Destinations))
	for _, d := range route.Destinations {
		if b.health.GetStats(d).IsHealthy {
			healthy = append(healthy, d)
		}
	}
	if len(healthy) == 0 {
		return route.Destinations
	}
	return healthy
}

// Select picks a destination for route per its policy's strategy and
// increments that destination's ConnectionCounter.
func (b *Balancer) Select(route *routing.Route) (string, error) {
	candidates := b.candidates(route)
	if len(candidates) == 0 {
		return "", gwerrors.New(gwerrors.KindNotFound, "LoadBalancer.NoDestinations", "route has no destinations")
	}

	var chosen string
	if !b.loadBalancingEnabled.Load() {
		chosen = b.selectRoundRobin(route.RouteID, candidates)
	} else {
		switch route.Policy.LoadBalancingStrategy {
		case routing.LeastConnections:
			chosen = b.selectLeastConnections(candidates)
		case routing.Random:
			chosen = candidates[b.randIntn(len(candidates))]
		case routing.PowerOfTwoChoices:
			chosen = b.selectPowerOfTwo(candidates)
		case routing.WeightedRoundRobin:
			// Not implemented; falls back to RoundRobin.
			fallthrough
		case routing.RoundRobin:
			fallthrough
		default:
			chosen = b.selectRoundRobin(route.RouteID, candidates)
		}
	}

	n := b.counterFor(chosen).Inc()
	b.setActiveConnectionGauge(chosen, n)
	return chosen, nil
}

// RecordCompletion decrements destination's active-connection count,
// clamped at zero. Callers must invoke this exactly once per
// successful Select, regardless of outcome.
func (b *Balancer) RecordCompletion(destination string) {
	c := b.counterFor(destination)
	c.Dec()
	b.setActiveConnectionGauge(destination, c.Load())
}

func (b *Balancer) setActiveConnectionGauge(destination string, value int64) {
	if b.metrics == nil {
		return
	}
	b.metrics.ActiveConnectionGauge.WithLabelValues(destination).Set(float64(value))
}

// ActiveConnections returns the current gauge value for destination,
// for the admin/observability surface.
func (b *Balancer) ActiveConnections(destination string) int64 {
	return b.counterFor(destination).Load()
}

func (b *Balancer) selectRoundRobin(routeID string, candidates []string) string {
	counter := b.roundRobinCounter(routeID)
	n := uint64(len(candidates))
	b.mu.Lock()
	idx := *counter % n
	*counter++
	b.mu.Unlock()
	return candidates[idx]
}

func (b *Balancer) selectLeastConnections(candidates []string) string {
	best := candidates[0]
	bestConns := b.counterFor(best).Load()
	for _, d := range candidates[1:] {
		conns := b.counterFor(d).Load()
		if conns < bestConns {
			best = d
			bestConns = conns
		}
	}
	return best
}

func (b *Balancer) selectPowerOfTwo(candidates []string) string {
	if len(candidates) == 1 {
		return candidates[0]
	}
	i := b.randIntn(len(candidates))
	j := b.randIntn(len(candidates))
	first, second := candidates[i], candidates[j]
	if b.counterFor(second).Load() < b.counterFor(first).Load() {
		return second
	}
	return first
}
