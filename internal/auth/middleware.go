package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Authenticator provides a middleware for JWT authentication.
// It needs the logger and JWT secret key.
func Authenticator(logger *zap.Logger, jwtSecret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Warn("Missing Authorization header")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			// The header should be in the format "Bearer <token>".
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				logger.Warn("Invalid Authorization header format", zap.String("header", authHeader))
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := ValidateJWT(parts[1], jwtSecret)
			if err != nil {
				logger.Warn("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		}
		return http.HandlerFunc(fn)
	}
}

// AddressFromContext extracts the authenticated wallet address, if any.
func AddressFromContext(ctx context.Context) (string, bool) {
	claims, ok := ctx.Value(ContextKeyClaims).(*Claims)
	if !ok || claims == nil {
		return "", false
	}
	return claims.Address, true
}
