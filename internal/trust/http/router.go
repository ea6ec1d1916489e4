package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/obs"
	"github.com/aussiebroadwan/trustcore/internal/trust/service"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/httpx"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
	"github.com/aussiebroadwan/trustcore/pkg/tokenx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	codec          *tokenx.Codec
	buildVersion   string
	startTime      time.Time
	logger         *slog.Logger
	store          store.Store
	metrics        *obs.Metrics
	allowedOrigins []string

	LoginService         *service.LoginService
	SessionService       *service.SessionService
	MFAService           *service.MFAService
	ImpersonationService *service.ImpersonationService
	AuditService         *service.AuditService
	PolicyService        *service.PolicyService
	OIDCService          *service.OIDCService
	UserService          *service.UserService
	BootstrapService     *service.BootstrapService
}

func NewRouter(
	codec *tokenx.Codec,
	buildVersion string,
	st store.Store,
	metrics *obs.Metrics,
	allowedOrigins []string,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:            http.NewServeMux(),
		codec:          codec,
		buildVersion:   buildVersion,
		startTime:      time.Now(),
		store:          st,
		metrics:        metrics,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}

	// Set default middleware chain
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerAuth()
	r.registerMFA()
	r.registerImpersonation()
	r.registerAudit()
	r.registerUsers()
	r.registerBootstrap()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global
// middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

// rateLimitByUser keys the limiter on the authenticated user, falling back to
// the client IP when authentication hasn't run yet.
func rateLimitByUser(cfg httpx.RateLimitConfig) httpx.Middleware {
	return httpx.RateLimitMiddleware(cfg, func(req *http.Request) string {
		if id, ok := httpx.UserIDFromContext(req.Context()); ok {
			return "user:" + id
		}
		return "ip:" + httpx.ClientIP(req)
	})
}

func (r *Router) registerAuth() {
	h := &AuthHandler{
		LoginService:   r.LoginService,
		SessionService: r.SessionService,
		AllowedOrigins: r.allowedOrigins,
	}

	// POST /auth/login - strict rate limit keyed by source IP so attempts
	// against many accounts from one host share a budget.
	r.Mux.Handle("POST /v1/auth/login",
		httpx.Chain(http.HandlerFunc(h.HandleLogin),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	// POST /auth/refresh - keyed by the (unverified) token subject plus IP.
	// The subject hint only buckets the limiter; the token is fully
	// verified inside the handler. Only the cookie is consulted here so the
	// request body stays untouched for the handler.
	refreshKey := httpx.SubjectAndIPKeyExtractor(func(req *http.Request) string {
		if c, err := req.Cookie(httpx.RefreshCookieName); err == nil {
			return tokenx.SubjectHint(c.Value)
		}
		return ""
	})
	r.Mux.Handle("POST /v1/auth/refresh",
		httpx.Chain(http.HandlerFunc(h.HandleRefresh),
			httpx.RateLimitMiddleware(httpx.ModerateLimit, refreshKey),
		),
	)

	r.Mux.Handle("POST /v1/auth/logout",
		httpx.Chain(http.HandlerFunc(h.HandleLogout),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	oidc := &OIDCHandler{
		OIDCService:    r.OIDCService,
		SessionService: r.SessionService,
	}
	r.Mux.Handle("GET /v1/auth/oidc/{provider}/start",
		httpx.Chain(http.HandlerFunc(oidc.HandleStart),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("GET /v1/auth/oidc/{provider}/callback",
		httpx.Chain(http.HandlerFunc(oidc.HandleCallback),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
}

func (r *Router) registerMFA() {
	h := &MFAHandler{MFAService: r.MFAService}

	r.Mux.Handle("POST /v1/mfa/totp/enroll",
		httpx.Chain(http.HandlerFunc(h.HandleEnroll),
			httpx.AuthnMiddleware(r.codec),
			rateLimitByUser(httpx.ModerateLimit),
		),
	)

	// Code-checking endpoints get the strict limit to slow TOTP brute force.
	r.Mux.Handle("POST /v1/mfa/totp/activate",
		httpx.Chain(http.HandlerFunc(h.HandleActivate),
			httpx.AuthnMiddleware(r.codec),
			rateLimitByUser(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/mfa/step-up",
		httpx.Chain(http.HandlerFunc(h.HandleStepUp),
			httpx.AuthnMiddleware(r.codec),
			rateLimitByUser(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/mfa/recovery-codes",
		httpx.Chain(http.HandlerFunc(h.HandleRegenerateRecoveryCodes),
			httpx.AuthnMiddleware(r.codec),
			rateLimitByUser(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("DELETE /v1/mfa/totp",
		httpx.Chain(http.HandlerFunc(h.HandleRemove),
			httpx.AuthnMiddleware(r.codec),
			rateLimitByUser(httpx.StrictLimit),
		),
	)
}

func (r *Router) registerImpersonation() {
	h := &ImpersonationHandler{ImpersonationService: r.ImpersonationService}

	r.Mux.Handle("POST /v1/impersonation/grants",
		httpx.Chain(http.HandlerFunc(h.HandleIssue),
			httpx.AuthnMiddleware(r.codec),
			rateLimitByUser(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("DELETE /v1/impersonation/grants/{id}",
		httpx.Chain(http.HandlerFunc(h.HandleRevoke),
			httpx.AuthnMiddleware(r.codec),
			rateLimitByUser(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("GET /v1/impersonation/grants",
		httpx.Chain(http.HandlerFunc(h.HandleList),
			httpx.AuthnMiddleware(r.codec),
			rateLimitByUser(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /v1/tenants/{id}/impersonation-history",
		httpx.Chain(http.HandlerFunc(h.HandleHistory),
			httpx.AuthnMiddleware(r.codec),
			rateLimitByUser(httpx.LenientLimit),
		),
	)

	// Validation is called by tenant services on every impersonated request,
	// so it is unauthenticated (the token IS the credential) but limited
	// generously by IP.
	r.Mux.Handle("POST /v1/impersonation/validate",
		httpx.Chain(http.HandlerFunc(h.HandleValidate),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
}

func (r *Router) registerAudit() {
	h := &AuditHandler{
		AuditService:  r.AuditService,
		PolicyService: r.PolicyService,
	}

	r.Mux.Handle("GET /v1/audit",
		httpx.Chain(http.HandlerFunc(h.HandleList),
			httpx.AuthnMiddleware(r.codec),
			rateLimitByUser(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /v1/audit/export",
		httpx.Chain(http.HandlerFunc(h.HandleExport),
			httpx.AuthnMiddleware(r.codec),
			rateLimitByUser(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerUsers() {
	h := &UsersHandler{UserService: r.UserService}

	secured := func(fn http.HandlerFunc, cfg httpx.RateLimitConfig) http.Handler {
		return httpx.Chain(fn,
			httpx.AuthnMiddleware(r.codec),
			rateLimitByUser(cfg),
		)
	}

	r.Mux.Handle("POST /v1/users", secured(h.HandleCreate, httpx.ModerateLimit))
	r.Mux.Handle("POST /v1/users/me/password", secured(h.HandleChangePassword, httpx.StrictLimit))
	r.Mux.Handle("POST /v1/invites", secured(h.HandleInvite, httpx.ModerateLimit))
	r.Mux.Handle("PATCH /v1/users/{id}/status", secured(h.HandleSetStatus, httpx.ModerateLimit))
	r.Mux.Handle("DELETE /v1/users/{id}", secured(h.HandleDelete, httpx.ModerateLimit))
	r.Mux.Handle("PUT /v1/users/{id}/roles/{role}", secured(h.HandleAssignRole, httpx.ModerateLimit))
	r.Mux.Handle("DELETE /v1/users/{id}/roles/{role}", secured(h.HandleRemoveRole, httpx.ModerateLimit))
	r.Mux.Handle("PUT /v1/users/{id}/ip-allowlist", secured(h.HandleSetIPAllowlist, httpx.ModerateLimit))

	// Invite redemption is a public signup endpoint.
	r.Mux.Handle("POST /v1/invites/redeem",
		httpx.Chain(http.HandlerFunc(h.HandleRedeemInvite),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
}

func (r *Router) registerBootstrap() {
	h := &BootstrapHandler{BootstrapService: r.BootstrapService}
	r.Mux.Handle("POST /v1/bootstrap",
		httpx.Chain(h,
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /metrics", r.metrics.Handler())
}
