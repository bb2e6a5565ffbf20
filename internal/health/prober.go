package health

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultProbeInterval is how often a Prober re-checks every known
// destination when the caller does not specify one.
const DefaultProbeInterval = 15 * time.Second

// Prober drives is_healthy on its own cadence, independent of request
// flow, so a destination whose circuit opened from passive traffic
// failures can still reach the Open -> HalfOpen transition once the
// break duration elapses. Without a Prober, nothing ever calls
// BeginProbe for a destination that request traffic has stopped
// reaching.
type Prober struct {
	monitor      *Monitor
	destinations func() []string
	interval     time.Duration
	log          *zap.Logger
}

// NewProber returns a Prober that probes the destinations returned by
// calling destinations() every interval (DefaultProbeInterval if <=
// 0), recording each result against monitor.
func NewProber(monitor *Monitor, destinations func() []string, interval time.Duration, log *zap.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{monitor: monitor, destinations: destinations, interval: interval, log: log}
}

// Run probes every current destination once immediately, then again
// on every tick, until ctx is canceled. It is meant to be started in
// its own goroutine.
func (p *Prober) Run(ctx context.Context) {
	p.probeAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, destination := range p.destinations() {
		healthy := p.monitor.IsHealthy(ctx, destination)
		p.log.Debug("background health probe",
			zap.String("destination", destination),
			zap.Bool("healthy", healthy),
		)
	}
}
