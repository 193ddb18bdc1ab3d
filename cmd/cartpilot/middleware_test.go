package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/cartpilot/config"
	"github.com/BaSui01/cartpilot/internal/metrics"
	"github.com/BaSui01/cartpilot/types"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("ok"))
})

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders()(okHandler), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	serve(Chain(okHandler, mark("a"), mark("b"), mark("c")), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.RequestID(r.Context())
	}))

	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "client-id")
	w = serve(h, r)
	assert.Equal(t, "client-id", seen)
	assert.Equal(t, "client-id", w.Header().Get("X-Request-ID"))
}

func TestRecovery(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := serve(h, httptest.NewRequest(http.MethodGet, "/agent/runs/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(types.ErrInternalError), errorCode(t, w))
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		wantStatus int
		wantOrigin string
	}{
		{"listed origin", []string{"https://shop.example"}, http.MethodGet, "https://shop.example", 200, "https://shop.example"},
		{"unlisted origin passes without headers", []string{"https://shop.example"}, http.MethodGet, "https://evil.example", 200, ""},
		{"wildcard echoes origin", []string{"*"}, http.MethodGet, "https://any.example", 200, "https://any.example"},
		{"preflight allowed", []string{"*"}, http.MethodOptions, "https://any.example", 204, "https://any.example"},
		{"preflight rejected", nil, http.MethodOptions, "https://any.example", 403, ""},
		{"same origin", nil, http.MethodGet, "", 200, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/agent/stream", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			w := serve(CORS(tt.allowed)(okHandler), r)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth([]string{"k1"}, []string{"/health"}, true, zap.NewNop())(okHandler)

	w := serve(h, httptest.NewRequest(http.MethodGet, "/agent/runs/1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, string(types.ErrUnauthorized), errorCode(t, w))

	r := httptest.NewRequest(http.MethodGet, "/agent/runs/1", nil)
	r.Header.Set("X-API-Key", "k1")
	assert.Equal(t, http.StatusOK, serve(h, r).Code)

	// EventSource / WebSocket 只能用 query
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/agent/ws?api_key=k1", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)

	strict := APIKeyAuth([]string{"k1"}, nil, false, zap.NewNop())(okHandler)
	assert.Equal(t, http.StatusUnauthorized, serve(strict, httptest.NewRequest(http.MethodGet, "/agent/ws?api_key=k1", nil)).Code)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTAuth(t *testing.T) {
	cfg := config.JWTConfig{Secret: "s3cret", Issuer: "cartpilot"}
	var userID string
	var roles []string
	h := JWTAuth(cfg, []string{"/health"}, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ = types.UserID(r.Context())
		roles, _ = types.Roles(r.Context())
	}))

	valid := signToken(t, "s3cret", jwt.MapClaims{
		"sub":   "operator-7",
		"roles": []string{"operator"},
		"iss":   "cartpilot",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	r := httptest.NewRequest(http.MethodPost, "/agent/input", nil)
	r.Header.Set("Authorization", "Bearer "+valid)
	assert.Equal(t, http.StatusOK, serve(h, r).Code)
	assert.Equal(t, "operator-7", userID)
	assert.Equal(t, []string{"operator"}, roles)

	tests := map[string]string{
		"missing":      "",
		"not bearer":   "Basic abc",
		"bad secret":   "Bearer " + signToken(t, "other", jwt.MapClaims{"iss": "cartpilot"}),
		"wrong issuer": "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"iss": "someone"}),
		"expired":      "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"iss": "cartpilot", "exp": time.Now().Add(-time.Hour).Unix()}),
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/agent/input", nil)
			if header != "" {
				r.Header.Set("Authorization", header)
			}
			assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)
		})
	}

	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestRateLimiter(t *testing.T) {
	h := RateLimiter(1, 1, zap.NewNop())(okHandler)

	r := httptest.NewRequest(http.MethodGet, "/agent/runs/1", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, http.StatusOK, serve(h, r).Code)

	w := serve(h, r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, string(types.ErrRateLimit), errorCode(t, w))

	// 不同 IP 独立计数
	other := httptest.NewRequest(http.MethodGet, "/agent/runs/1", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	assert.Equal(t, http.StatusOK, serve(h, other).Code)
}

func TestRateLimiter_Disabled(t *testing.T) {
	h := RateLimiter(0, 0, zap.NewNop())(okHandler)
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/agent/stream":                    "/agent/stream",
		"/agent/ws":                        "/agent/ws",
		"/health":                          "/health",
		"/agent/runs/7c1f0e2a-any-session": "/agent/runs/{id}",
		"/agent/batches/b-1":               "/agent/batches/{id}",
		"/agent/sessions/abc/pending":      "/agent/sessions/{id}/pending",
		"/agent/sessions/abc/other":        "other",
		"/agent/runs/":                     "other",
		"/wp-admin/setup.php":              "other",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	coll := metrics.NewCollectorWith(reg, "cartpilot", nil)
	h := MetricsMiddleware(coll)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	serve(h, httptest.NewRequest(http.MethodGet, "/agent/runs/abc", nil))
	serve(h, httptest.NewRequest(http.MethodGet, "/agent/runs/def", nil))

	expected := `
# HELP cartpilot_http_requests_total Total number of HTTP requests
# TYPE cartpilot_http_requests_total counter
cartpilot_http_requests_total{method="GET",path="/agent/runs/{id}",status="4xx"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "cartpilot_http_requests_total"))
}

func TestStatusRecorder_PassesFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	w := newStatusRecorder(rec)
	_, _ = w.Write([]byte("data: x\n\n"))
	w.Flush()

	assert.True(t, rec.Flushed)
	assert.Equal(t, int64(9), w.bytes)
	assert.Equal(t, http.StatusOK, w.status)

	_, _, err := w.Hijack()
	assert.Error(t, err, "httptest recorder cannot be hijacked")
}

func TestOTelTracing_PassesThrough(t *testing.T) {
	h := OTelTracing()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	assert.Equal(t, http.StatusAccepted, serve(h, httptest.NewRequest(http.MethodPost, "/agent/stream", nil)).Code)
}
