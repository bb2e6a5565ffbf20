package health

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/korrelate/gateway/internal/metrics"
)

// circuitStateValue maps a State to the gauge value the observability
// surface expects: 0=Closed, 1=Open, 2=HalfOpen.
func circuitStateValue(s State) float64 {
	switch s {
	case Open:
		return 1
	case HalfOpen:
		return 2
	default:
		return 0
	}
}

// ProbeDeadline bounds a single health-probe HTTP GET, linked to the
// caller's cancellation.
const ProbeDeadline = 5 * time.Second

// destinationState bundles a destination's stats and circuit so the
// monitor's per-destination map has a single entry type.
type destinationState struct {
	stats   *Stats
	circuit *Circuit
}

// Monitor tracks Stats and a Circuit per destination and exposes the
// is_healthy/record_success/record_failure/get_stats contract. Entries
// are created on first use and never deleted during process lifetime.
type Monitor struct {
	client  *http.Client
	log     *zap.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	byDst map[string]*destinationState
}

// SetMetrics wires a Metrics bundle into the monitor; circuit-state and
// health-probe-failure gauges/counters update from that point on. Nil
// is safe and simply leaves metrics unwired.
func (m *Monitor) SetMetrics(metrics *metrics.Metrics) {
	m.metrics = metrics
}

// NewMonitor returns a Monitor using client for probe requests (nil
// selects a default client with ProbeDeadline as its timeout ceiling
// — the actual deadline is still enforced per-request via context).
func NewMonitor(client *http.Client, log *zap.Logger) *Monitor {
	if client == nil {
		client = &http.Client{Timeout: ProbeDeadline}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{client: client, log: log, byDst: make(map[string]*destinationState)}
}

func (m *Monitor) stateFor(destination string) *destinationState {
	m.mu.RLock()
	s, ok := m.byDst[destination]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byDst[destination]; ok {
		return s
	}
	s = &destinationState{stats: NewStats(), circuit: NewCircuit()}
	m.byDst[destination] = s
	return s
}

// RecordSuccess records a successful proxied request against
// destination, outside of the probe path (called by the proxy
// pipeline's completion hook).
func (m *Monitor) RecordSuccess(destination string) {
	s := m.stateFor(destination)
	s.stats.RecordSuccess()
	state := s.circuit.ObserveOutcome(true, s.stats.Total(), s.stats.SuccessRate())
	m.updateCircuitGauge(destination, state)
}

// RecordFailure records a failed proxied request against destination.
func (m *Monitor) RecordFailure(destination string) {
	s := m.stateFor(destination)
	s.stats.RecordFailure()
	state := s.circuit.ObserveOutcome(false, s.stats.Total(), s.stats.SuccessRate())
	m.updateCircuitGauge(destination, state)
}

func (m *Monitor) updateCircuitGauge(destination string, state State) {
	if m.metrics == nil {
		return
	}
	m.metrics.CircuitStateGauge.WithLabelValues(destination).Set(circuitStateValue(state))
}

// GetStats returns a snapshot of destination's health stats.
func (m *Monitor) GetStats(destination string) Snapshot {
	return m.stateFor(destination).stats.Snapshot()
}

// CircuitState returns the current (state, last_state_change) pair
// for destination, for the admin/observability surface.
func (m *Monitor) CircuitState(destination string) CircuitSnapshot {
	return m.stateFor(destination).circuit.Read()
}

// IsHealthy implements the full probe semantics: it reads the circuit
// state atomically, respects the Open break duration, and on
// proceeding issues an HTTP GET to <destination>/health bounded by
// ProbeDeadline linked to ctx.
func (m *Monitor) IsHealthy(ctx context.Context, destination string) bool {
	s := m.stateFor(destination)

	shouldProbe, state := s.circuit.BeginProbe(time.Now())
	if !shouldProbe {
		m.log.Debug("circuit open, skipping probe",
			zap.String("destination", destination),
			zap.String("state", state.String()),
		)
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, ProbeDeadline)
	defer cancel()

	url := strings.TrimSuffix(destination, "/") + "/health"
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		m.recordProbeFailure(s, destination, err)
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.recordProbeFailure(s, destination, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.stats.RecordSuccess()
		state := s.circuit.ObserveOutcome(true, s.stats.Total(), s.stats.SuccessRate())
		m.updateCircuitGauge(destination, state)
		return true
	}

	s.stats.RecordFailure()
	state := s.circuit.ObserveOutcome(false, s.stats.Total(), s.stats.SuccessRate())
	m.updateCircuitGauge(destination, state)
	if m.metrics != nil {
		m.metrics.HealthProbeFailures.WithLabelValues(destination).Inc()
	}
	m.log.Debug("health probe returned non-2xx",
		zap.String("destination", destination),
		zap.Int("status", resp.StatusCode),
	)
	return false
}

func (m *Monitor) recordProbeFailure(s *destinationState, destination string, err error) {
	s.stats.RecordFailure()
	state := s.circuit.ObserveOutcome(false, s.stats.Total(), s.stats.SuccessRate())
	m.updateCircuitGauge(destination, state)
	if m.metrics != nil {
		m.metrics.HealthProbeFailures.WithLabelValues(destination).Inc()
	}
	m.log.Debug("health probe failed",
		zap.String("destination", destination),
		zap.Error(err),
	)
}
