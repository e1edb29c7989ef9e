package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"caselog/pkg/logger"
)

func gatewayHandler(cfg SecConfig) http.Handler {
	logger.Init()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Principal", PrincipalFromContext(r.Context()))
		w.Header().Set("X-Role", RoleFromContext(r.Context()).String())
		w.WriteHeader(http.StatusOK)
	})
	return Gateway(cfg)(inner)
}

func TestGatewayVerifiesBearerTokens(t *testing.T) {
	cfg := SecConfig{JWTSecret: "s3cret", RPS: 1000, Burst: 1000}
	h := gatewayHandler(cfg)

	tok, err := IssueToken("ada@example.nl", "s3cret", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/resources", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Principal") != "ada@example.nl" || rr.Header().Get("X-Role") != "user" {
		t.Fatalf("identity not propagated: %+v", rr.Header())
	}

	// Wrong secret is rejected.
	bad, _ := IssueToken("eve@example.nl", "other", time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/v1/resources", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("forged token: %d", rr.Code)
	}

	// Expired token is rejected.
	old, _ := IssueToken("ada@example.nl", "s3cret", -time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/v1/resources", nil)
	req.Header.Set("Authorization", "Bearer "+old)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: %d", rr.Code)
	}

	// Missing credentials are rejected.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/resources", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d", rr.Code)
	}
}

func TestGatewayTokenQueryParam(t *testing.T) {
	cfg := SecConfig{JWTSecret: "s3cret", RPS: 1000, Burst: 1000}
	h := gatewayHandler(cfg)
	tok, _ := IssueToken("ada@example.nl", "s3cret", time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/v1/events/stream?token="+tok, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Header().Get("X-Principal") != "ada@example.nl" {
		t.Fatalf("query token: %d %+v", rr.Code, rr.Header())
	}
}

func TestGatewayAdminKeyAndGuard(t *testing.T) {
	cfg := SecConfig{
		JWTSecret: "s3cret",
		AdminKeys: map[string]struct{}{"adminkey": {}},
		RPS:       1000, Burst: 1000,
	}
	h := Gateway(cfg)(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	logger.Init()

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/reindex", nil)
	req.Header.Set("X-API-Key", "adminkey")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin key: %d", rr.Code)
	}

	// Ordinary users do not pass the admin guard.
	tok, _ := IssueToken("ada@example.nl", "s3cret", time.Hour)
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/reindex", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("user on admin route: %d", rr.Code)
	}
}

func TestGatewayOpenPathsAndRateLimit(t *testing.T) {
	cfg := SecConfig{JWTSecret: "s3cret", RPS: 1, Burst: 1}
	h := gatewayHandler(cfg)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz should be open: %d", rr.Code)
	}

	tok, _ := IssueToken("ada@example.nl", "s3cret", time.Hour)
	var limited bool
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/resources", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatalf("burst never rate limited")
	}
}
