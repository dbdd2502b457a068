// Package auth verifies bearer tokens on read routes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("authentication required: bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Principal is the verified caller.
type Principal struct {
	Subject string
	// PortalID restricts reads to one portal when set.
	PortalID string
}

// CanRead reports whether the principal may read data of portalID.
func (p Principal) CanRead(portalID string) bool {
	return p.PortalID == "" || p.PortalID == portalID
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by the middleware, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// BearerVerifier checks HS256 tokens signed with a shared secret.
type BearerVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewBearerVerifier(secret []byte) (*BearerVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret required")
	}
	return &BearerVerifier{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}, nil
}

// VerifyRequest authenticates the Authorization header of r.
func (v *BearerVerifier) VerifyRequest(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Principal{}, ErrMissingToken
	}
	return v.Verify(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}

func (v *BearerVerifier) Verify(tokenStr string) (Principal, error) {
	if tokenStr == "" {
		return Principal{}, ErrMissingToken
	}
	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	sub, _ := claims.GetSubject()
	p := Principal{Subject: sub}
	switch portal := claims["portalId"].(type) {
	case nil:
	case string:
		p.PortalID = portal
	case float64:
		p.PortalID = fmt.Sprintf("%.0f", portal)
	default:
		return Principal{}, fmt.Errorf("%w: portalId claim must be a string or number", ErrInvalidToken)
	}
	return p, nil
}

// Middleware rejects unauthenticated requests through deny and stores the
// principal in the request context otherwise.
func (v *BearerVerifier) Middleware(deny func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			p, err := v.VerifyRequest(r)
			if err != nil {
				deny(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
