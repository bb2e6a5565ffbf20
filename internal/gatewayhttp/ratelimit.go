package gatewayhttp

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRateLimitPermits and DefaultRateLimitWindow are the global
// default: 100 requests per 60 s per correlation-id partition.
const (
	DefaultRateLimitPermits = 100
	DefaultRateLimitWindow  = 60 * time.Second
	// WaitQueueSize is the number of admission requests allowed to
	// queue, oldest-first, once a partition's burst is exhausted.
	WaitQueueSize = 10
)

// partition holds one correlation-id's token bucket plus a bounded
// FIFO of waiters, built on golang.org/x/time/rate.NewLimiter.
type partition struct {
	limiter *rate.Limiter
	queue   chan struct{} // capacity WaitQueueSize; bounds the number of waiters
}

// Limiter is an admission limiter partitioned by correlation id, with
// a bounded wait queue processed oldest-first (rate.Limiter.Wait hands
// out tokens in call order). Each partition is a token bucket holding
// up to permits tokens and refilling continuously at permits per
// window; it does not reset counts at fixed window boundaries.
type Limiter struct {
	permits int
	window  time.Duration

	mu         sync.Mutex
	partitions map[string]*partition
}

// NewLimiter returns a Limiter allowing permits requests per window,
// per partition key (the request's correlation id).
func NewLimiter(permits int, window time.Duration) *Limiter {
	if permits <= 0 {
		permits = DefaultRateLimitPermits
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	return &Limiter{
		permits:    permits,
		window:     window,
		partitions: make(map[string]*partition),
	}
}

func (l *Limiter) partitionFor(key string) *partition {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.partitions[key]
	if ok {
		return p
	}
	p = &partition{
		limiter: rate.NewLimiter(rate.Limit(float64(l.permits)/l.window.Seconds()), l.permits),
		queue:   make(chan struct{}, WaitQueueSize),
	}
	l.partitions[key] = p
	return p
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfterSeconds is populated when the limiter can suggest a
	// wait, even on rejection.
	RetryAfterSeconds int
	RetryAfterKnown   bool
}

// Allow decides whether a request in partition key may proceed. If
// the bucket has no token but the wait queue (capacity
// WaitQueueSize) has room, Allow blocks, oldest-first, until a token
// is available or ctx is done. Otherwise it rejects immediately.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	p := l.partitionFor(key)

	if p.limiter.Allow() {
		return Decision{Allowed: true}
	}

	select {
	case p.queue <- struct{}{}:
	default:
		reservation := p.limiter.Reserve()
		retryAfter := reservation.Delay()
		reservation.Cancel()
		return Decision{
			Allowed:           false,
			RetryAfterSeconds: int(retryAfter.Seconds()) + 1,
			RetryAfterKnown:   true,
		}
	}
	defer func() { <-p.queue }()

	if err := p.limiter.Wait(ctx); err != nil {
		return Decision{Allowed: false, RetryAfterKnown: false}
	}
	return Decision{Allowed: true}
}
