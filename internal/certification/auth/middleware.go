// Package auth guards the mutating HTTP routes with HMAC-signed JWT bearer
// tokens.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	claimsContextKey contextKey = "claims"

	// methodOverrideHeader is honored by some routers in place of r.Method,
	// so a request carrying it is judged by both methods.
	methodOverrideHeader = "X-HTTP-Method-Override"
)

// protectedRoute matches METHOD /prefix/{id}suffix. An empty suffix with
// wildcard set matches /prefix/{id} exactly.
type protectedRoute struct {
	method   string
	prefix   string
	suffix   string
	wildcard bool
}

var protectedRoutes = []protectedRoute{
	{method: http.MethodPut, prefix: "/iota/", suffix: "/state", wildcard: true},
	{method: http.MethodPut, prefix: "/iota/", suffix: "/metadata", wildcard: true},
	{method: http.MethodPost, prefix: "/iota/", suffix: "/transfer", wildcard: true},
	{method: http.MethodDelete, prefix: "/iota/", wildcard: true},
	{method: http.MethodPost, prefix: "/api/certifications"},
}

func (p protectedRoute) matches(r *http.Request) bool {
	if r.Method != p.method && !strings.EqualFold(r.Header.Get(methodOverrideHeader), p.method) {
		return false
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	if !p.wildcard {
		return path == p.prefix
	}
	rest, ok := strings.CutPrefix(path, p.prefix)
	if !ok {
		return false
	}
	id, ok := strings.CutSuffix(rest, p.suffix)
	return ok && id != "" && !strings.Contains(id, "/")
}

// HTTPMiddleware rejects requests to protected routes that lack a valid
// bearer token and stores the token claims in the request context.
func HTTPMiddleware(next http.Handler, jwtSecret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isProtectedRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, err := extractTokenFromHeader(r)
		if err != nil {
			unauthorized(w, err.Error())
			return
		}

		claims, err := validateToken(tokenString, jwtSecret)
		if err != nil {
			unauthorized(w, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

// Subject returns the subject of the token that authorized ctx, if any.
func Subject(ctx context.Context) (string, bool) {
	claims, ok := ctx.Value(claimsContextKey).(jwt.MapClaims)
	if !ok {
		return "", false
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

func extractTokenFromHeader(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("authorization header required")
	}

	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(tokenString) == "" {
		return "", fmt.Errorf("invalid authorization format")
	}

	return strings.TrimSpace(tokenString), nil
}

func isProtectedRequest(r *http.Request) bool {
	for _, route := range protectedRoutes {
		if route.matches(r) {
			return true
		}
	}
	return false
}

// validateToken checks the token signature and returns parsed claims if valid.
func validateToken(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token claims")
}
