// Package gatewayhttp implements the proxy hot path: correlation
// propagation, rate-limit admission, timeout enforcement, identity
// forwarding, and the forward-plus-completion-accounting pipeline
// that ties the route table, balancer, and health monitor together.
package gatewayhttp

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationIDHeader is the header correlation ids travel on, both
// inbound and outbound.
const CorrelationIDHeader = "X-Correlation-Id"

// Principal is the authenticated caller's claims, as forwarded by the
// (out-of-scope) authentication collaborator via the request context.
// The gateway only forwards these; it never verifies them.
type Principal struct {
	NameIdentifier string
	Sub            string
	TenantID       string
	Email          string
	Roles          []string
}

type principalKeyType struct{}

// PrincipalContextKey is the context key the upstream auth
// collaborator uses to attach an authenticated Principal.
var PrincipalContextKey principalKeyType

// PrincipalFromRequest extracts the Principal attached to r's context,
// if any.
func PrincipalFromRequest(r *http.Request) (*Principal, bool) {
	p, ok := r.Context().Value(PrincipalContextKey).(*Principal)
	return p, ok && p != nil
}

// correlationID adopts the inbound X-Correlation-Id header if present,
// or generates a fresh one.
func correlationID(r *http.Request) string {
	if id := r.Header.Get(CorrelationIDHeader); id != "" {
		return id
	}
	return uuid.New().String()
}

// annotateSpan attaches correlation_id, user_id, and tenant_id to the
// active trace span, when available.
func annotateSpan(r *http.Request, correlationID string, principal *Principal) {
	span := trace.SpanFromContext(r.Context())
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attrStr("correlation_id", correlationID),
	)
	if principal != nil {
		if uid := userID(principal); uid != "" {
			span.SetAttributes(attrStr("user_id", uid))
		}
		if principal.TenantID != "" {
			span.SetAttributes(attrStr("tenant_id", principal.TenantID))
		}
	}
}

func userID(p *Principal) string {
	if p.NameIdentifier != "" {
		return p.NameIdentifier
	}
	return p.Sub
}

// applyIdentityHeaders overwrites (never appends) the upstream
// identity headers from principal's claims. Absent claims yield
// absent headers.
func applyIdentityHeaders(out http.Header, principal *Principal) {
	if principal == nil {
		return
	}
	if uid := userID(principal); uid != "" {
		out.Set("X-User-Id", uid)
	} else {
		out.Del("X-User-Id")
	}
	if principal.TenantID != "" {
		out.Set("X-Tenant-Id", principal.TenantID)
	} else {
		out.Del("X-Tenant-Id")
	}
	if principal.Email != "" {
		out.Set("X-User-Email", principal.Email)
	} else {
		out.Del("X-User-Email")
	}
	if len(principal.Roles) > 0 {
		out.Set("X-User-Roles", strings.Join(principal.Roles, ","))
	} else {
		out.Del("X-User-Roles")
	}
}
