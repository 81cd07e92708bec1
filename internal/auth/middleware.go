package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/dripcheck/dripcheck/internal/api"
)

type contextKey string

const AdminClaimsKey contextKey = "admin_claims"

// Middleware requires a valid admin bearer token.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			claims, err := svc.ValidateAccessToken(parts[1])
			if err != nil {
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			ctx := context.WithValue(r.Context(), AdminClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetAdminClaims(ctx context.Context) *AccessClaims {
	claims, _ := ctx.Value(AdminClaimsKey).(*AccessClaims)
	return claims
}

// ActorFromContext names the operator for audit records.
func ActorFromContext(ctx context.Context) string {
	if claims := GetAdminClaims(ctx); claims != nil {
		return claims.Username
	}
	return "admin"
}
