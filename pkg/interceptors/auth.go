package interceptors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/common"
)

// Auth verifies HS256 bearer tokens. Requests for which public returns true
// pass through untouched. Mutating methods additionally need the
// imports:write scope.
func Auth(secret []byte, issuer string, public func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public != nil && public(r) {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := ParseToken(r.Header.Get("Authorization"), secret, issuer)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			if isMutating(r.Method) && !claims.HasScope(common.ScopeImportsWrite) {
				writeError(w, http.StatusForbidden, common.ErrForbidden.Error())
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ParseToken validates an "Authorization: Bearer <jwt>" header value.
func ParseToken(header string, secret []byte, issuer string) (*common.Claims, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", common.ErrUnauthenticated)
	}
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
		return nil, fmt.Errorf("%w: bearer token required", common.ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	claims := &common.Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", common.ErrUnauthenticated)
		}
		return nil, fmt.Errorf("%w: invalid token", common.ErrUnauthenticated)
	}
	return claims, nil
}

// ClaimsFromContext returns the verified claims stored by Auth.
func ClaimsFromContext(ctx context.Context) (*common.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*common.Claims)
	return c, ok
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
