// Package health implements the per-destination health monitor and
// circuit breaker: monotonic counters, a three-state breaker, and the
// HTTP probe that drives both.
package health

import (
	"sync/atomic"
	"time"
)

// Stats holds the lifetime (process-lifetime) counters for one
// destination. All mutation goes through atomic 64-bit increments;
// there is no lock.
type Stats struct {
	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	healthy    atomic.Bool
	lastCheck  atomic.Int64 // unix nanos
}

// NewStats returns a Stats value that starts out healthy (no
// observations yet means nothing has shown the destination is bad).
func NewStats() *Stats {
	s := &Stats{}
	s.healthy.Store(true)
	return s
}

// Snapshot is a read-only copy of Stats suitable for returning to
// callers (admin surface, tests) without exposing the live counters.
type Snapshot struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	SuccessRate        float64
	LastHealthCheck    time.Time
	IsHealthy          bool
}

// RecordSuccess increments the success/total counters and sets the
// destination healthy. A single success immediately re-admits the
// destination to load-balancer candidacy, independent of the breaker.
func (s *Stats) RecordSuccess() {
	s.total.Add(1)
	s.successful.Add(1)
	s.lastCheck.Store(time.Now().UnixNano())
	s.healthy.Store(true)
}

// RecordFailure increments the failure/total counters and sets
// IsHealthy to (success_rate >= 0.5): the healthy flag is asymmetric,
// flipping to unhealthy only once failures dominate.
func (s *Stats) RecordFailure() {
	s.total.Add(1)
	s.failed.Add(1)
	s.lastCheck.Store(time.Now().UnixNano())
	s.healthy.Store(s.successRate() >= 0.5)
}

func (s *Stats) successRate() float64 {
	total := s.total.Load()
	if total == 0 {
		return 0
	}
	return float64(s.successful.Load()) / float64(total)
}

// IsHealthy reports the current healthy flag.
func (s *Stats) IsHealthy() bool { return s.healthy.Load() }

// Total returns the total observation count, used by the breaker's
// minimum-throughput rule.
func (s *Stats) Total() int64 { return s.total.Load() }

// SuccessRate returns the current success rate, or 0 when no
// observations have been recorded.
func (s *Stats) SuccessRate() float64 { return s.successRate() }

// Snapshot returns a read-only copy of the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TotalRequests:      s.total.Load(),
		SuccessfulRequests: s.successful.Load(),
		FailedRequests:     s.failed.Load(),
		SuccessRate:        s.successRate(),
		LastHealthCheck:    time.Unix(0, s.lastCheck.Load()).UTC(),
		IsHealthy:          s.healthy.Load(),
	}
}
