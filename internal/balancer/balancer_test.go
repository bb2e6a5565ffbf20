package balancer

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korrelate/gateway/internal/gwerrors"
	"github.com/korrelate/gateway/internal/health"
	"github.com/korrelate/gateway/internal/metrics"
	"github.com/korrelate/gateway/internal/routing"
)

// fakeHealth reports every destination as healthy unless explicitly
// listed as down, letting tests exercise the empty-healthy-set
// fallback.
type fakeHealth struct {
	down map[string]bool
}

func (f fakeHealth) GetStats(destination string) health.Snapshot {
	return health.Snapshot{IsHealthy: !f.down[destination]}
}

func routeWith(t *testing.T, strategy routing.LoadBalancing, destinations []string) *routing.Route {
	t.Helper()
	r, err := routing.New("r1", "/a", destinations, routing.Policy{LoadBalancingStrategy: strategy, TimeoutSeconds: 30}, 0, false, nil)
	require.NoError(t, err)
	return r
}

// TestBalancer_RoundRobin_Sequence: round-robin over 3 destinations,
// six requests in sequence, selects x, y, z, x, y, z.
func TestBalancer_RoundRobin_Sequence(t *testing.T) {
	b := New(fakeHealth{})
	route := routeWith(t, routing.RoundRobin, []string{"http://x", "http://y", "http://z"})

	var got []string
	for i := 0; i < 6; i++ {
		d, err := b.Select(route)
		require.NoError(t, err)
		got = append(got, d)
		b.RecordCompletion(d)
	}
	assert.Equal(t, []string{"http://x", "http://y", "http://z", "http://x", "http://y", "http://z"}, got)
}

func TestBalancer_WeightedRoundRobin_FallsBackToRoundRobin(t *testing.T) {
	b := New(fakeHealth{})
	route := routeWith(t, routing.WeightedRoundRobin, []string{"http://x", "http://y"})

	d1, err := b.Select(route)
	require.NoError(t, err)
	d2, err := b.Select(route)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

// TestBalancer_LeastConnections_PicksFirstOnTie: when all candidates
// have equal active connections, the first in the list wins.
func TestBalancer_LeastConnections_PicksFirstOnTie(t *testing.T) {
	b := New(fakeHealth{})
	route := routeWith(t, routing.LeastConnections, []string{"http://x", "http://y", "http://z"})

	d, err := b.Select(route)
	require.NoError(t, err)
	assert.Equal(t, "http://x", d)
}

func TestBalancer_LeastConnections_PrefersFewerActive(t *testing.T) {
	b := New(fakeHealth{})
	route := routeWith(t, routing.LeastConnections, []string{"http://x", "http://y"})

	// Park two connections on x so y is strictly preferred next.
	b.counterFor("http://x").Inc()
	b.counterFor("http://x").Inc()

	d, err := b.Select(route)
	require.NoError(t, err)
	assert.Equal(t, "http://y", d)
}

// TestBalancer_HealthyFallback: if no destination in a route is
// currently healthy, the balancer falls back to considering the full,
// unfiltered destination list rather than refusing to select.
func TestBalancer_HealthyFallback(t *testing.T) {
	b := New(fakeHealth{down: map[string]bool{"http://x": true, "http://y": true}})
	route := routeWith(t, routing.RoundRobin, []string{"http://x", "http://y"})

	d, err := b.Select(route)
	require.NoError(t, err)
	assert.Contains(t, []string{"http://x", "http://y"}, d)
}

func TestBalancer_FiltersUnhealthyWhenSomeHealthy(t *testing.T) {
	b := New(fakeHealth{down: map[string]bool{"http://x": true}})
	route := routeWith(t, routing.RoundRobin, []string{"http://x", "http://y"})

	for i := 0; i < 4; i++ {
		d, err := b.Select(route)
		require.NoError(t, err)
		assert.Equal(t, "http://y", d)
	}
}

// TestBalancer_LoadBalancingDisabled_IgnoresPolicyAndRoundRobins:
// SetLoadBalancingEnabled(false) must override a route's own strategy
// and fall back to plain round robin.
func TestBalancer_LoadBalancingDisabled_IgnoresPolicyAndRoundRobins(t *testing.T) {
	b := New(fakeHealth{})
	b.SetLoadBalancingEnabled(false)

	// LeastConnections would otherwise always pick x here (3 fewer
	// active connections than y), never rotating to y.
	route := routeWith(t, routing.LeastConnections, []string{"http://x", "http://y"})
	b.counterFor("http://y").Inc()
	b.counterFor("http://y").Inc()
	b.counterFor("http://y").Inc()

	var got []string
	for i := 0; i < 4; i++ {
		d, err := b.Select(route)
		require.NoError(t, err)
		got = append(got, d)
		b.RecordCompletion(d)
	}
	assert.Equal(t, []string{"http://x", "http://y", "http://x", "http://y"}, got)
}

func TestBalancer_PowerOfTwoChoices_SingleCandidate(t *testing.T) {
	b := New(fakeHealth{})
	route := routeWith(t, routing.PowerOfTwoChoices, []string{"http://only"})

	d, err := b.Select(route)
	require.NoError(t, err)
	assert.Equal(t, "http://only", d)
}

// TestBalancer_PowerOfTwoChoices_PrefersLessLoaded samples many
// selections with x pinned at a much higher connection count than y.
// Ties (both samples landing on the same candidate) go to the first
// pick, so an occasional x is expected; the overwhelming majority
// must still land on the less-loaded y.
func TestBalancer_PowerOfTwoChoices_PrefersLessLoaded(t *testing.T) {
	b := New(fakeHealth{})
	route := routeWith(t, routing.PowerOfTwoChoices, []string{"http://x", "http://y"})

	for i := 0; i < 20; i++ {
		b.counterFor("http://x").Inc()
	}

	yCount := 0
	const trials = 200
	for i := 0; i < trials; i++ {
		d, err := b.Select(route)
		require.NoError(t, err)
		b.RecordCompletion(d)
		if d == "http://y" {
			yCount++
		}
	}
	assert.Greater(t, yCount, trials/2)
}

func TestBalancer_ActiveConnectionsTracksSelectAndCompletion(t *testing.T) {
	b := New(fakeHealth{})
	route := routeWith(t, routing.RoundRobin, []string{"http://x"})

	d, err := b.Select(route)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.ActiveConnections(d))

	b.RecordCompletion(d)
	assert.Equal(t, int64(0), b.ActiveConnections(d))
}

func TestBalancer_WiredMetricsTrackActiveConnections(t *testing.T) {
	b := New(fakeHealth{})
	m := metrics.New()
	b.SetMetrics(m)

	route := routeWith(t, routing.RoundRobin, []string{"http://x"})
	d, err := b.Select(route)
	require.NoError(t, err)

	var gauge dto.Metric
	require.NoError(t, m.ActiveConnectionGauge.WithLabelValues(d).Write(&gauge))
	assert.Equal(t, float64(1), gauge.GetGauge().GetValue())

	b.RecordCompletion(d)
	require.NoError(t, m.ActiveConnectionGauge.WithLabelValues(d).Write(&gauge))
	assert.Equal(t, float64(0), gauge.GetGauge().GetValue())
}

func TestBalancer_NoDestinationsError(t *testing.T) {
	b := New(fakeHealth{})
	route, err := routing.New("empty", "/a", []string{"http://placeholder"}, routing.Policy{LoadBalancingStrategy: routing.RoundRobin, TimeoutSeconds: 30}, 0, false, nil)
	require.NoError(t, err)
	route.Destinations = nil // force the empty-candidates path

	_, err = b.Select(route)
	require.Error(t, err)
	assert.True(t, gwerrors.Is(err, gwerrors.KindNotFound))
}
