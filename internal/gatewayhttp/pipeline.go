package gatewayhttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/korrelate/gateway/internal/metrics"
	"github.com/korrelate/gateway/internal/routing"
)

// hopHeaders are stripped from the outgoing upstream request, as
// required of any RFC 7230-compliant hop-by-hop forwarding.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// retryBackoffUnit and maxRetryBackoff bound the capped exponential
// backoff between retry attempts for idempotent requests.
const (
	retryBackoffUnit = 50 * time.Millisecond
	maxRetryBackoff  = 500 * time.Millisecond
)

func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * retryBackoffUnit
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	return d
}

// isIdempotentMethod reports whether method is safe to retry against a
// different (or the same) destination without risking a duplicated
// side effect.
func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// Table is the subset of routing.Table the pipeline needs.
type Table interface {
	MatchPrefix(path string) *routing.Route
}

// Balancer is the subset of balancer.Balancer the pipeline needs.
type Balancer interface {
	Select(route *routing.Route) (string, error)
	RecordCompletion(destination string)
}

// HealthRecorder is the subset of health.Monitor the pipeline needs.
type HealthRecorder interface {
	RecordSuccess(destination string)
	RecordFailure(destination string)
}

// Pipeline implements the full proxy hot path: correlation ->
// admission -> route match -> timeout (from the matched route) ->
// destination select -> identity forwarding -> forward (with bounded
// retry for idempotent methods) -> completion accounting.
type Pipeline struct {
	Routes  Table
	Balance Balancer
	Health  HealthRecorder
	Limiter *Limiter
	Metrics *metrics.Metrics
	Log     *zap.Logger

	// DefaultTimeoutSeconds is used when a matched route's policy
	// omits a timeout (never the case for a validated Route). No
	// timeout applies before a route has matched.
	DefaultTimeoutSeconds int

	// EnableRateLimiting/EnableCircuitBreaker/EnableAuthenticationForwarding
	// gate the corresponding pipeline steps at the Gateway level. Rate
	// limiting runs before route match, so a route policy's own
	// rate-limit fields are not consulted.
	EnableRateLimiting             bool
	EnableCircuitBreaker           bool
	EnableAuthenticationForwarding bool

	transport http.RoundTripper
	sem       chan struct{} // nil means no admission cap
}

// NewPipeline returns a Pipeline with sane defaults for any nil
// collaborator fields that have them.
func NewPipeline(routes Table, bal Balancer, h HealthRecorder, limiter *Limiter, m *metrics.Metrics, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		Routes:                         routes,
		Balance:                        bal,
		Health:                         h,
		Limiter:                        limiter,
		Metrics:                        m,
		Log:                            log,
		DefaultTimeoutSeconds:          routing.DefaultTimeoutSeconds,
		EnableRateLimiting:             true,
		EnableCircuitBreaker:           true,
		EnableAuthenticationForwarding: true,
		transport:                      http.DefaultTransport,
	}
}

// SetMaxConcurrentRequests bounds the number of requests the pipeline
// will admit concurrently; requests beyond the cap are rejected with a
// 503 problem response instead of queueing unboundedly. max <= 0
// removes the cap.
func (p *Pipeline) SetMaxConcurrentRequests(max int) {
	if max <= 0 {
		p.sem = nil
		return
	}
	p.sem = make(chan struct{}, max)
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		default:
			writeOverCapacityProblem(w)
			return
		}
	}

	corrID := correlationID(r)
	w.Header().Set(CorrelationIDHeader, corrID)
	ctx := context.WithValue(r.Context(), routing.CorrelationIDKey, corrID)
	r = r.WithContext(ctx)

	principal, _ := PrincipalFromRequest(r)
	annotateSpan(r, corrID, principal)

	if p.EnableRateLimiting && p.Limiter != nil {
		decision := p.Limiter.Allow(r.Context(), corrID)
		if !decision.Allowed {
			if p.Metrics != nil {
				p.Metrics.RateLimitRejections.Inc()
			}
			writeRateLimitBody(w, "rate limit exceeded for this correlation id", decision.RetryAfterSeconds, decision.RetryAfterKnown)
			return
		}
	}

	route := p.Routes.MatchPrefix(r.URL.Path)
	if route == nil {
		http.NotFound(w, r)
		return
	}

	timeoutSeconds := route.Policy.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = p.DefaultTimeoutSeconds
	}
	timeoutCtx, cancel := withRouteTimeout(r, timeoutSeconds)
	defer cancel()
	r = r.WithContext(timeoutCtx)

	p.serveRoute(w, r, route, corrID, principal, timeoutSeconds)
}

// serveRoute runs the select/forward cycle, retrying idempotent
// requests against a fresh destination (bounded by the route's
// max_retries, with a capped exponential backoff between attempts)
// when a retryable transport failure occurs before any response bytes
// are committed to w.
func (p *Pipeline) serveRoute(w http.ResponseWriter, r *http.Request, route *routing.Route, corrID string, principal *Principal, timeoutSeconds int) {
	maxAttempts := route.Policy.MaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff(attempt)):
			case <-r.Context().Done():
				return
			}
		}

		destination, err := p.Balance.Select(route)
		if err != nil {
			// Only failure mode from Select is LoadBalancer.NoDestinations;
			// any other error shape still maps to the same 500-class
			// problem response.
			writeNoDestinationsProblem(w)
			return
		}

		outreq, err := p.buildUpstreamRequest(r, route, destination, corrID, principal)
		if err != nil {
			p.Balance.RecordCompletion(destination)
			if p.EnableCircuitBreaker {
				p.Health.RecordFailure(destination)
			}
			writeNoDestinationsProblem(w)
			return
		}

		start := time.Now()
		result := p.forward(w, outreq, route, destination, start)

		switch {
		case result.committed:
			return
		case result.timedOut:
			writeTimeoutProblem(w, timeoutSeconds, time.Now())
			return
		case result.clientGone:
			// Client disconnected; stay silent.
			return
		}

		last := attempt == maxAttempts-1
		if last || !isIdempotentMethod(r.Method) {
			writeBadGatewayProblem(w)
			return
		}
	}
}

func (p *Pipeline) buildUpstreamRequest(r *http.Request, route *routing.Route, destination, corrID string, principal *Principal) (*http.Request, error) {
	target, err := url.Parse(destination)
	if err != nil {
		return nil, err
	}

	outreq := r.Clone(r.Context())
	outreq.URL.Scheme = target.Scheme
	outreq.URL.Host = target.Host
	outreq.Host = target.Host
	outreq.RequestURI = ""

	for _, h := range hopHeaders {
		outreq.Header.Del(h)
	}
	if clientIP, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		if prior, ok := outreq.Header["X-Forwarded-For"]; ok {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		outreq.Header.Set("X-Forwarded-For", clientIP)
	}

	outreq.Header.Set(CorrelationIDHeader, corrID)

	for k, v := range route.Policy.UpstreamHeaderOverrides {
		outreq.Header.Set(k, v)
	}

	if p.EnableAuthenticationForwarding {
		applyIdentityHeaders(outreq.Header, principal)
	}

	return outreq, nil
}

// forwardResult classifies how one select+forward attempt ended, so
// serveRoute can decide whether to retry, write a terminal problem
// response, or return silently.
type forwardResult struct {
	committed  bool // a response was already written to w
	timedOut   bool
	clientGone bool
	retryable  bool
}

// forward streams outreq to its destination and performs completion
// accounting on every exit path. It never writes a failure response
// itself: httputil.ReverseProxy invokes its
// ErrorHandler only before any bytes reach the real ResponseWriter, so
// the decision to retry or to write a terminal problem response
// belongs to the caller.
func (p *Pipeline) forward(w http.ResponseWriter, outreq *http.Request, route *routing.Route, destination string, start time.Time) forwardResult {
	var forwardErr error
	var aborted bool
	rp := &httputil.ReverseProxy{
		Transport: p.transport,
		// outreq is already fully rewritten by buildUpstreamRequest;
		// Director has nothing left to do.
		Director: func(req *http.Request) {},
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			forwardErr = err
		},
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				// A panic in the round trip must not skip completion
				// accounting or crash the process.
				forwardErr = fmt.Errorf("panic during forward: %v", rec)
				// ReverseProxy panics with ErrAbortHandler only after the
				// upstream response headers were written to w.
				aborted = rec == http.ErrAbortHandler
			}
		}()
		rp.ServeHTTP(w, outreq)
	}()

	p.Balance.RecordCompletion(destination)

	if forwardErr == nil {
		if p.EnableCircuitBreaker {
			p.Health.RecordSuccess(destination)
		}
		p.recordMetrics(route, start, "success")
		return forwardResult{committed: true}
	}

	if p.EnableCircuitBreaker {
		p.Health.RecordFailure(destination)
	}
	p.recordMetrics(route, start, "failure")

	if aborted {
		return forwardResult{committed: true}
	}

	switch {
	case timedOut(outreq.Context()):
		return forwardResult{timedOut: true}
	case outreq.Context().Err() != nil:
		return forwardResult{clientGone: true}
	default:
		return forwardResult{retryable: true}
	}
}

func (p *Pipeline) recordMetrics(route *routing.Route, start time.Time, outcome string) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.RequestsTotal.WithLabelValues(route.RouteID, outcome).Inc()
	p.Metrics.RequestDuration.WithLabelValues(route.RouteID).Observe(time.Since(start).Seconds())
}
