package gatewayhttp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// writeTimeoutProblem writes the 504 problem+json body: type
// https://httpstatuses.com/504, a detail quoting the timeout, and
// extensions timeout/timestamp.
func writeTimeoutProblem(w http.ResponseWriter, timeoutSeconds int, now time.Time) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusGatewayTimeout)
	body := map[string]any{
		"type":      "https://httpstatuses.com/504",
		"status":    http.StatusGatewayTimeout,
		"detail":    fmt.Sprintf("the upstream did not respond within the configured timeout of %d seconds", timeoutSeconds),
		"timeout":   timeoutSeconds,
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeNoDestinationsProblem writes the 500-class problem+json body
// used for an all-destinations-absent route.
func writeNoDestinationsProblem(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusInternalServerError)
	body := map[string]any{
		"type":   "https://httpstatuses.com/500",
		"status": http.StatusInternalServerError,
		"detail": "LoadBalancer.NoDestinations",
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeBadGatewayProblem writes the 502 problem+json body used once a
// request has exhausted its retry budget (or is not retryable at all)
// after an upstream transport failure.
func writeBadGatewayProblem(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusBadGateway)
	body := map[string]any{
		"type":   "https://httpstatuses.com/502",
		"status": http.StatusBadGateway,
		"detail": "upstream request failed",
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeOverCapacityProblem writes the 503 problem+json body used when
// the gateway's max_concurrent_requests admission cap is full.
func writeOverCapacityProblem(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusServiceUnavailable)
	body := map[string]any{
		"type":   "https://httpstatuses.com/503",
		"status": http.StatusServiceUnavailable,
		"detail": "gateway is at max_concurrent_requests capacity",
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeRateLimitBody writes the 429 JSON body: {error, message,
// retryAfter?}.
func writeRateLimitBody(w http.ResponseWriter, message string, retryAfterSeconds int, known bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	body := map[string]any{
		"error":   "Too Many Requests",
		"message": message,
	}
	if known {
		body["retryAfter"] = retryAfterSeconds
	}
	_ = json.NewEncoder(w).Encode(body)
}
