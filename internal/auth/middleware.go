// Package auth resolves bearer tokens to request identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	mediaerr "github.com/akshaykher243/payload-template/internal/errors"
	"github.com/akshaykher243/payload-template/internal/response"
)

// contextKey is an unexported type for context keys in this package.
type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Role    string
}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the identity attached to ctx, or nil for anonymous
// requests.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// ParseToken validates an HS256 token signed with secret.
func ParseToken(secret, raw string) (*Identity, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New("token has no subject")
	}
	role, _ := claims["role"].(string)
	return &Identity{Subject: sub, Role: role}, nil
}

// IssueToken mints an HS256 token for subject that expires after ttl.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("issue token: %w", mediaerr.ErrConfiguration.WithMessage("jwt secret is not set"))
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Middleware attaches an Identity to the request context when a valid bearer
// token is presented. A malformed, expired or wrongly signed token is
// rejected with 401; requests without an Authorization header pass through
// anonymously. An empty secret disables token parsing.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			scheme, raw, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
				response.WriteError(w, r, mediaerr.ErrUnauthenticated.WithMessage("invalid authorization header format"))
				return
			}

			id, err := ParseToken(secret, strings.TrimSpace(raw))
			if err != nil {
				response.WriteError(w, r, mediaerr.ErrUnauthenticated.Wrap(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireIdentity rejects anonymous requests with 403.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			response.WriteError(w, r, mediaerr.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
