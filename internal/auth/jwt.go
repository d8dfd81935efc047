// Package auth guards the admin API with HS256 bearer tokens.
package auth

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const CtxSubject ctxKey = "sub"

// JWTCfg holds admin API authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
}

// Middleware creates HTTP middleware for admin JWT authentication.
// Tokens are Bearer HS256 with a sub claim; there is no user store
// behind this, the subject only lands in logs.
func Middleware(cfg JWTCfg) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract token from Authorization header
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}
			if tok == "" {
				log.Warn().Str("path", r.URL.Path).Msg("missing bearer token")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
				// Verify signing method
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(cfg.HS256Secret), nil
			})
			if err != nil || !t.Valid {
				log.Warn().Err(err).Msg("jwt validation failed")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			sub, _ := claims["sub"].(string)
			if sub == "" {
				log.Warn().Msg("jwt missing sub claim")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), CtxSubject, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject extracts the authenticated admin subject from request context
// Returns empty string if not authenticated (should never happen after middleware)
func Subject(ctx context.Context) string {
	if v := ctx.Value(CtxSubject); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
