package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func named(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", name)
		w.WriteHeader(http.StatusOK)
	}
}

func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		HandleError(w, ErrUnauthorized)
	})
}

func tagging(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("X-Middleware", header)
			next.ServeHTTP(w, r)
		})
	}
}

func testHandlers() HandlerSet {
	return HandlerSet{
		Generate:           named("generate"),
		Profile:            named("profile"),
		SetUsername:        named("set-username"),
		RedeemCoupon:       named("redeem"),
		Feedback:           named("feedback"),
		Login:              named("login"),
		Refresh:            named("refresh"),
		Logout:             named("logout"),
		GetSettings:        named("get-settings"),
		UpdateSettings:     named("update-settings"),
		QuotaStatus:        named("status"),
		GetLimits:          named("get-limits"),
		UpdateLimits:       named("update-limits"),
		EmergencyStop:      named("emergency-stop"),
		FreeTokenStats:     named("free-token-stats"),
		IPStats:            named("ip-stats"),
		UserUsage:          named("user-usage"),
		ListCoupons:        named("list-coupons"),
		CreateCoupon:       named("create-coupon"),
		ListAuditLogs:      named("audit"),
		ListFeedback:       named("list-feedback"),
		IdentityMiddleware: tagging("identity"),
		UsernameMiddleware: tagging("username"),
		AuthMiddleware:     denyAll,
	}
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_ExtensionRoutes(t *testing.T) {
	r := NewRouter(nil, nil, nil, RouterConfig{}, testHandlers())

	tests := []struct {
		path        string
		handler     string
		middlewares []string
	}{
		{"/generate", "generate", nil},
		{"/api/user-data", "profile", []string{"identity"}},
		{"/api/profile", "profile", []string{"identity"}},
		{"/api/set-username", "set-username", []string{"identity"}},
		{"/api/redeem-coupon", "redeem", []string{"identity", "username"}},
		{"/api/feedback", "feedback", []string{"identity", "username"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(r, http.MethodPost, tt.path)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.handler, rec.Header().Get("X-Handler"))
			assert.Equal(t, tt.middlewares, rec.Header().Values("X-Middleware"))
		})
	}
}

func TestRouter_UsernameGateIsOptional(t *testing.T) {
	h := testHandlers()
	h.UsernameMiddleware = nil
	r := NewRouter(nil, nil, nil, RouterConfig{}, h)

	rec := serve(r, http.MethodPost, "/api/feedback")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"identity"}, rec.Header().Values("X-Middleware"))
}

func TestRouter_AdminRoutesRequireAuth(t *testing.T) {
	r := NewRouter(nil, nil, nil, RouterConfig{}, testHandlers())

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/admin/settings"},
		{http.MethodPut, "/api/admin/limits"},
		{http.MethodPost, "/api/admin/emergency-stop"},
		{http.MethodGet, "/api/admin/users/u1/usage"},
		{http.MethodPost, "/api/admin/coupons"},
		{http.MethodGet, "/api/admin/audit"},
		{http.MethodPost, "/api/admin/auth/logout"},
	} {
		rec := serve(r, route.method, route.path)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
	}

	rec := serve(r, http.MethodPost, "/api/admin/auth/login")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "login", rec.Header().Get("X-Handler"))
}

func TestRouter_LoginRateLimiterApplied(t *testing.T) {
	r := NewRouter(nil, nil, nil, RouterConfig{AuthRateLimiter: tagging("ratelimit")}, testHandlers())

	rec := serve(r, http.MethodPost, "/api/admin/auth/login")
	assert.Equal(t, []string{"ratelimit"}, rec.Header().Values("X-Middleware"))
}

func TestRouter_Liveness(t *testing.T) {
	r := NewRouter(nil, nil, nil, RouterConfig{}, testHandlers())

	rec := serve(r, http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
