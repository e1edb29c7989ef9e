package auth

import (
	"net"
	"net/http"
	"strings"

	"caselog/pkg/logger"
	"caselog/pkg/utils"
)

// Gateway is the outer middleware: CORS, IP whitelist, token verification
// and per-caller rate limiting. Requests that pass carry the principal and
// role in their context.
func Gateway(cfg SecConfig) func(http.Handler) http.Handler {
	// rate limiters keyed by principal, admin key or remote ip
	limiters := &limiterPool{cfg: cfg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, cfg.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
				w.Header().Set("Access-Control-Max-Age", "600")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if len(cfg.IPWhitelist) > 0 {
				ip := clientIP(r)
				if !ipWhitelisted(ip, cfg.IPWhitelist) {
					utils.JSONError(w, http.StatusForbidden, "forbidden")
					logger.Warn("request_blocked", "reason", "ip_not_whitelisted", "ip", ip, "path", r.URL.Path)
					return
				}
			}

			// allow unauthenticated probes and scrapes
			if isOpenPath(r.URL.Path) && r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			principal, role, key := authenticate(r, cfg)
			if role == RoleUnauth {
				utils.JSONError(w, http.StatusUnauthorized, "unauthorized")
				logger.Warn("request_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				return
			}

			if !limiters.Allow(key) {
				utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				logger.Warn("rate_limited", "principal", principal, "path", r.URL.Path)
				return
			}

			logger.Debug("request_allowed", "method", r.Method, "path", r.URL.Path, "role", role.String(), "principal", principal)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), principal, role)))
		})
	}
}

// RequireAdmin gates admin-only routes on the role resolved by Gateway.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RoleFromContext(r.Context()) != RoleAdmin {
			utils.JSONError(w, http.StatusForbidden, "forbidden")
			logger.Warn("admin_required", "path", r.URL.Path, "principal", PrincipalFromContext(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the caller. Admin API keys take precedence; then
// bearer tokens are verified against the JWT secret.
func authenticate(r *http.Request, cfg SecConfig) (string, Role, string) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		if _, ok := cfg.AdminKeys[key]; ok {
			return "admin", RoleAdmin, key
		}
	}
	tok := BearerToken(r)
	if tok == "" {
		return "", RoleUnauth, clientIP(r)
	}
	if _, ok := cfg.AdminKeys[tok]; ok {
		return "admin", RoleAdmin, tok
	}
	if cfg.JWTSecret == "" {
		logger.Error("no_jwt_secret_configured")
		return "", RoleUnauth, clientIP(r)
	}
	principal, err := VerifyToken(tok, cfg.JWTSecret)
	if err != nil {
		logger.Warn("token_rejected", "path", r.URL.Path, "error", err)
		return "", RoleUnauth, clientIP(r)
	}
	return principal, RoleUser, principal
}

func isOpenPath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipWhitelisted(ip string, list []string) bool {
	for _, w := range list {
		if ip == w {
			return true
		}
	}
	return false
}
