package interceptors

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/common"
)

var secret = []byte("test-secret")

func sign(t *testing.T, claims common.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return "Bearer " + tok
}

func claimsFor(scope string, ttl time.Duration) common.Claims {
	return common.Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			Issuer:    "reconciler",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
}

func TestAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, found := ClaimsFromContext(r.Context())
		if found {
			w.Header().Set("X-Subject", c.Subject)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	public := func(r *http.Request) bool { return r.URL.Path == "/health" }
	h := Auth(secret, "reconciler", public)(ok)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"public path", http.MethodGet, "/health", "", http.StatusNoContent},
		{"missing token", http.MethodGet, "/v1/x", "", http.StatusUnauthorized},
		{"wrong scheme", http.MethodGet, "/v1/x", "Basic abc", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/v1/x", "Bearer abc", http.StatusUnauthorized},
		{"expired", http.MethodGet, "/v1/x", sign(t, claimsFor("", -time.Minute)), http.StatusUnauthorized},
		{"read without scope", http.MethodGet, "/v1/x", sign(t, claimsFor("", time.Minute)), http.StatusNoContent},
		{"write without scope", http.MethodPost, "/v1/x", sign(t, claimsFor("", time.Minute)), http.StatusForbidden},
		{"write with scope", http.MethodPost, "/v1/x", sign(t, claimsFor("read imports:write", time.Minute)), http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuth_WrongIssuer(t *testing.T) {
	c := claimsFor(common.ScopeImportsWrite, time.Minute)
	c.Issuer = "someone-else"
	_, err := ParseToken(sign(t, c), secret, "reconciler")
	assert.ErrorIs(t, err, common.ErrUnauthenticated)
}

func TestAuth_AdminHoldsEveryScope(t *testing.T) {
	c := claimsFor("", time.Minute)
	c.Role = "admin"
	got, err := ParseToken(sign(t, c), secret, "reconciler")
	require.NoError(t, err)
	assert.True(t, got.HasScope(common.ScopeImportsWrite))
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
}

func TestRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	h := RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
}

func TestLogging_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew", nil))
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/brew"`)
}
