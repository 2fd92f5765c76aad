package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const operatorIDContextKey contextKey = "operator_id"

// Auth protects /v1/ routes. Two credentials are accepted: the static service
// token (worker ingest, service-to-service callers) and an operator JWT whose
// subject is the operator id. When a JWT authenticates the request, the
// operator id is stored in the request context for audit attribution.
func Auth(serviceToken string, jwtSecret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/v1/") {
				next.ServeHTTP(w, r)
				return
			}

			if serviceToken == "" && len(jwtSecret) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			authorization := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(authorization, prefix) {
				writeUnauthorized(w, r)
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
			if token == "" {
				writeUnauthorized(w, r)
				return
			}

			if serviceToken != "" && token == serviceToken {
				next.ServeHTTP(w, r)
				return
			}

			if len(jwtSecret) > 0 {
				operatorID, err := parseOperatorToken(token, jwtSecret)
				if err == nil && operatorID != "" {
					ctx := context.WithValue(r.Context(), operatorIDContextKey, operatorID)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			writeUnauthorized(w, r)
		})
	}
}

func parseOperatorToken(tokenString string, secret []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return subject, nil
}

// GetOperatorID returns the operator id from a JWT-authenticated request, or
// an empty string for service-token requests.
func GetOperatorID(ctx context.Context) string {
	value, _ := ctx.Value(operatorIDContextKey).(string)
	return value
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"authentication required"},"request_id":"` + GetRequestID(r.Context()) + `"}`))
}
