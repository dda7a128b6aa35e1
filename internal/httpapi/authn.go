package httpapi

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"pantrykit.org/internal/auth"
	"pantrykit.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Access is the capability a route demands from its caller.
type Access int

const (
	// Public routes skip the decision point entirely.
	Public Access = iota
	// Authenticated routes need a valid access token.
	Authenticated
	// Permitted routes need a valid token and a permission in the request tenant.
	Permitted
)

func (a Access) String() string {
	switch a {
	case Public:
		return "public"
	case Authenticated:
		return "authenticated"
	case Permitted:
		return "permission"
	}
	return "unknown"
}

type route struct {
	name    string
	method  string
	path    string
	access  Access
	perm    auth.Permission
	limited bool
	handler http.HandlerFunc
}

func (a *API) routeTable() []route {
	return []route{
		{name: "healthz", method: http.MethodGet, path: "/healthz", access: Public, handler: a.Healthz},
		{name: "readyz", method: http.MethodGet, path: "/readyz", access: Public, handler: a.Ready},
		{name: "metrics", method: http.MethodGet, path: "/metrics", access: Public, handler: obs.Handler().ServeHTTP},

		{name: "register", method: http.MethodPost, path: "/v1/auth/register", access: Public, limited: true, handler: a.handleRegister},
		{name: "login", method: http.MethodPost, path: "/v1/auth/login", access: Public, limited: true, handler: a.handleLogin},
		{name: "refresh", method: http.MethodPost, path: "/v1/auth/refresh", access: Public, limited: true, handler: a.handleRefresh},
		{name: "verify_email", method: http.MethodPost, path: "/v1/auth/verify-email", access: Public, limited: true, handler: a.handleVerifyEmail},
		{name: "logout", method: http.MethodPost, path: "/v1/auth/logout", access: Public, handler: a.handleLogout},
		// the check endpoint authenticates the token it is asked about
		{name: "authz_check", method: http.MethodPost, path: "/v1/authz/check", access: Public, handler: a.handleAuthzCheck},

		{name: "me", method: http.MethodGet, path: "/v1/auth/me", access: Authenticated, handler: a.handleMe},
		{name: "revoke_all", method: http.MethodPost, path: "/v1/auth/revoke-all", access: Authenticated, handler: a.handleRevokeAll},

		{name: "list_roles", method: http.MethodGet, path: "/v1/tenants/{tenant}/roles", access: Permitted, perm: auth.PermAdminRoles, handler: a.handleListRoles},
		{name: "create_role", method: http.MethodPost, path: "/v1/tenants/{tenant}/roles", access: Permitted, perm: auth.PermAdminRoles, handler: a.handleCreateRole},
		{name: "update_role", method: http.MethodPatch, path: "/v1/tenants/{tenant}/roles/{role}", access: Permitted, perm: auth.PermAdminRoles, handler: a.handleUpdateRole},
		{name: "create_assignment", method: http.MethodPost, path: "/v1/tenants/{tenant}/assignments", access: Permitted, perm: auth.PermAdminAssignments, handler: a.handleCreateAssignment},
		{name: "revoke_assignment", method: http.MethodDelete, path: "/v1/tenants/{tenant}/assignments/{assignment}", access: Permitted, perm: auth.PermAdminAssignments, handler: a.handleRevokeAssignment},
	}
}

func (a *API) register(routes []route) {
	for _, rt := range routes {
		if rt.access == Permitted && !rt.perm.Known() {
			panic("httpapi: route " + rt.name + " requires unknown permission " + string(rt.perm))
		}
		var h http.Handler = rt.handler
		if rt.limited {
			h = a.limiter.Middleware(h)
		}
		h = a.guard(rt, h)
		a.router.Handle(rt.path, h).Methods(rt.method).Name(rt.name)
		a.routes[rt.name] = rt
	}
}

// RequiresAuth reports whether the named route runs through the decision
// point. Unknown routes are treated as protected.
func (a *API) RequiresAuth(name string) bool {
	rt, ok := a.routes[name]
	if !ok {
		return true
	}
	return rt.access != Public
}

// RouteAccess returns the capability recorded for the named route.
func (a *API) RouteAccess(name string) (Access, auth.Permission, bool) {
	rt, ok := a.routes[name]
	return rt.access, rt.perm, ok
}

// guard resolves the request tenant and, for protected routes, runs the
// decision point before the handler sees the request.
func (a *API) guard(rt route, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := auth.ContextWithTenant(r.Context(), a.tenantFor(r))
		if rt.access == Public {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, auth.KindUnauthorized, err.Error())
			return
		}
		userID, err := a.svc.Decisions().Authenticate(token)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		tenantID := auth.TenantFromContext(ctx)
		if rt.access == Permitted {
			verdict, err := a.svc.Decisions().Check(ctx, userID, rt.perm, tenantID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			if err := verdict.Decision.Err(); err != nil {
				writeServiceError(w, r, err)
				return
			}
		}

		ctx = auth.ContextWithPrincipal(ctx, auth.Principal{UserID: userID, TenantID: tenantID})
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenantFor resolves the tenant from the path, then the tenant header, then
// a subdomain of the configured host suffix. No match is the global scope.
func (a *API) tenantFor(r *http.Request) string {
	if t := strings.TrimSpace(mux.Vars(r)["tenant"]); t != "" {
		return t
	}
	if t := strings.TrimSpace(r.Header.Get(a.cfg.TenantHeader)); t != "" {
		return t
	}
	return tenantFromHost(r.Host, a.cfg.TenantHostSuffix)
}

func tenantFromHost(host, suffix string) string {
	suffix = strings.Trim(strings.ToLower(suffix), ".")
	if suffix == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	sub, ok := strings.CutSuffix(host, "."+suffix)
	if !ok || sub == "" || strings.Contains(sub, ".") {
		return ""
	}
	return sub
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
