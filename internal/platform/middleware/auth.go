// Package middleware carries the transport middleware that feeds
// requestcontext: principal extraction from bearer tokens, and request ids.
package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"custodia/pkg/requestcontext"
)

// principalClaims are the token claims the gateway in front of this service
// stamps. Delegated user calls carry sub and alias; service-to-service calls
// carry appid only.
type principalClaims struct {
	jwt.RegisteredClaims
	Alias         string `json:"alias,omitempty"`
	ApplicationID string `json:"appid,omitempty"`
	Operation     string `json:"op,omitempty"`
}

// Validator verifies a bearer token and returns the principal it asserts.
type Validator interface {
	Validate(token string) (requestcontext.AuthenticatedPrincipal, error)
}

// HMACValidator validates HS256 tokens with a shared signing key.
type HMACValidator struct {
	key []byte
}

func NewHMACValidator(signingKey string) *HMACValidator {
	return &HMACValidator{key: []byte(signingKey)}
}

func (v *HMACValidator) Validate(token string) (requestcontext.AuthenticatedPrincipal, error) {
	var claims principalClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.key, nil
	})
	if err != nil {
		return requestcontext.AuthenticatedPrincipal{}, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return requestcontext.AuthenticatedPrincipal{}, fmt.Errorf("invalid token")
	}

	principal := requestcontext.AuthenticatedPrincipal{
		UserID:        claims.Subject,
		UserAlias:     claims.Alias,
		ApplicationID: claims.ApplicationID,
		OperationName: claims.Operation,
	}
	if principal.UserID == "" && principal.ApplicationID == "" {
		return requestcontext.AuthenticatedPrincipal{}, fmt.Errorf("token asserts no principal")
	}
	return principal, nil
}

// RequirePrincipal rejects unauthenticated requests and stamps the asserted
// principal into the request context for the writers downstream.
func RequirePrincipal(validator Validator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}

			principal, err := validator.Validate(token)
			if err != nil {
				logger.WarnContext(r.Context(), "rejected bearer token",
					slog.String("error", err.Error()))
				unauthorized(w, "invalid or expired token")
				return
			}

			ctx := requestcontext.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestID stamps a request id, honoring one supplied by the caller.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		ctx := requestcontext.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":{"code":"Unauthorized","message":%q}}`, description)
}
