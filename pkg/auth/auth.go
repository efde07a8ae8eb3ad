// Package auth authenticates bearer tokens and carries the acting user on the
// request context.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// UserContext identifies the caller of a request.
type UserContext struct {
	UserID string
}

type userKey struct{}

// WithUser returns a context carrying uc.
func WithUser(ctx context.Context, uc UserContext) context.Context {
	return context.WithValue(ctx, userKey{}, uc)
}

// GetUserContext returns the caller stored by Middleware.
func GetUserContext(ctx context.Context) (UserContext, bool) {
	uc, ok := ctx.Value(userKey{}).(UserContext)
	return uc, ok && uc.UserID != ""
}

// Authenticator validates HS256 tokens signed with a shared secret.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Parse validates a token and returns its subject as the acting user.
func (a *Authenticator) Parse(token string) (UserContext, error) {
	claims := jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return UserContext{}, errors.New(errors.ErrCodeUnauthorized, "invalid token")
	}
	if claims.Subject == "" {
		return UserContext{}, errors.New(errors.ErrCodeUnauthorized, "token has no subject")
	}
	return UserContext{UserID: claims.Subject}, nil
}

// Issue signs a token for userID valid for ttl.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return tok.SignedString(a.secret)
}

// Middleware rejects requests without a valid bearer token and stores the
// caller on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}

		uc, err := a.Parse(token)
		if err != nil {
			writeUnauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), uc)))
	})
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": errors.New(errors.ErrCodeUnauthorized, msg),
	})
}
