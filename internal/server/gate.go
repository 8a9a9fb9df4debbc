package server

import (
	"fmt"
	"net/http"
	"strings"

	"tubepanel/internal/api"
	"tubepanel/internal/models"
	"tubepanel/internal/observability/metrics"
)

// RoutePolicy ties a path prefix to the capability group required to pass.
// Policies are evaluated in declaration order and the first matching prefix
// wins.
type RoutePolicy struct {
	Prefix string
	Group  string
}

// DefaultRoutePolicies is the panel's access table. Anything not listed is
// reachable by any authenticated user.
func DefaultRoutePolicies() []RoutePolicy {
	return []RoutePolicy{
		{Prefix: "/accounts", Group: models.GroupAdmin},
		{Prefix: "/api/accounts", Group: models.GroupAdmin},
		{Prefix: "/api/sync", Group: models.GroupAdmin},
		{Prefix: "/api/upload", Group: models.GroupUploader},
	}
}

// defaultPublicPrefixes lists the routes reachable without a session. The
// authorization callback is deliberately absent: the provider redirect rides
// the operator's browser, which carries the session cookie.
func defaultPublicPrefixes() []string {
	return []string{"/login", "/api/login", "/healthz", "/metrics", "/static/"}
}

type gate struct {
	handler  *api.Handler
	policies []RoutePolicy
	public   []string
	metrics  *metrics.Recorder
}

func newGate(handler *api.Handler, policies []RoutePolicy, recorder *metrics.Recorder) *gate {
	if policies == nil {
		policies = DefaultRoutePolicies()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &gate{
		handler:  handler,
		policies: policies,
		public:   defaultPublicPrefixes(),
		metrics:  recorder,
	}
}

func (g *gate) isPublic(path string) bool {
	for _, prefix := range g.public {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *gate) requiredGroup(path string) (string, bool) {
	for _, policy := range g.policies {
		if strings.HasPrefix(path, policy.Prefix) {
			return policy.Group, true
		}
	}
	return "", false
}

// middleware authenticates every non-public request and enforces the policy
// table. API callers get JSON errors; page requests bounce to the login form.
func (g *gate) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if g.isPublic(path) {
			g.metrics.ObserveGateDecision("public")
			next.ServeHTTP(w, r)
			return
		}

		user, err := g.handler.AuthenticateRequest(r)
		if err != nil {
			g.metrics.ObserveGateDecision("unauthenticated")
			if strings.HasPrefix(path, "/api/") {
				api.WriteError(w, http.StatusUnauthorized, err)
				return
			}
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		if group, required := g.requiredGroup(path); required && !user.HasGroup(group) {
			g.metrics.ObserveGateDecision("forbidden")
			api.WriteError(w, http.StatusForbidden, fmt.Errorf("forbidden"))
			return
		}

		g.metrics.ObserveGateDecision("allowed")
		next.ServeHTTP(w, r.WithContext(api.ContextWithUser(r.Context(), user)))
	})
}
