package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/DEVector-it/Mythai/internal/api"
)

type contextKey string

const claimsKey contextKey = "user_claims"

// Middleware authenticates a request by bearer token or X-API-Key header and
// stores the resolved claims in the request context.
func Middleware(mgr *Manager, keys *APIKeys) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if presented := r.Header.Get("X-API-Key"); presented != "" && keys != nil {
				k, err := keys.Verify(r.Context(), presented)
				if err != nil {
					api.HandleError(w, api.ErrInvalidAPIKey)
					return
				}
				ctx := SetClaims(r.Context(), &Claims{UserID: k.UserID})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

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

			claims, err := mgr.Validate(parts[1])
			if err != nil {
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			ctx := SetClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func SetClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}
