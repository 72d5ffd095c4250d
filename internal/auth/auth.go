// Package auth guards the mutating escrow endpoints with bearer-token JWT
// verification. Reads stay open; every write carries an HS256 token signed
// with the shared secret. With no secret configured the middleware is a
// pass-through, which is the local development mode.
package auth

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ctxKeySubject ctxKey = "escrow.subject"

// Subject returns the token subject stored in the request context, or "".
func Subject(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeySubject).(string); ok {
		return s
	}
	return ""
}

// NewMiddleware returns middleware validating Authorization: Bearer tokens.
// An empty secret disables enforcement.
func NewMiddleware(secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				http.Error(w, "bearer token required", http.StatusUnauthorized)
				return
			}
			raw := strings.TrimSpace(authz[7:])

			token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				log.Printf("[auth] token rejected: %v", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			sub := ""
			if claims, ok := token.Claims.(jwt.MapClaims); ok {
				if s, err := claims.GetSubject(); err == nil {
					sub = s
				}
			}
			ctx := context.WithValue(r.Context(), ctxKeySubject, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
