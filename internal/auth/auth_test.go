package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("read-secret")

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":      "support-agent",
		"portalId": "123",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
}

func TestVerifyAcceptsPortalScopedToken(t *testing.T) {
	v, err := NewBearerVerifier(testSecret)
	require.NoError(t, err)

	p, err := v.Verify(sign(t, jwt.SigningMethodHS256, testSecret, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "support-agent", p.Subject)
	assert.True(t, p.CanRead("123"))
	assert.False(t, p.CanRead("456"))
}

func TestVerifyNumericPortalAndUnscoped(t *testing.T) {
	v, _ := NewBearerVerifier(testSecret)
	claims := validClaims()
	claims["portalId"] = 4455667788
	p, err := v.Verify(sign(t, jwt.SigningMethodHS256, testSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, "4455667788", p.PortalID)

	delete(claims, "portalId")
	p, err = v.Verify(sign(t, jwt.SigningMethodHS256, testSecret, claims))
	require.NoError(t, err)
	assert.True(t, p.CanRead("anything"))
}

func TestVerifyRejects(t *testing.T) {
	v, _ := NewBearerVerifier(testSecret)
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	noExp := validClaims()
	delete(noExp, "exp")
	badPortal := validClaims()
	badPortal["portalId"] = []string{"1"}

	cases := map[string]string{
		"wrong secret": sign(t, jwt.SigningMethodHS256, []byte("other"), validClaims()),
		"wrong method": sign(t, jwt.SigningMethodHS512, testSecret, validClaims()),
		"expired":      sign(t, jwt.SigningMethodHS256, testSecret, expired),
		"no expiry":    sign(t, jwt.SigningMethodHS256, testSecret, noExp),
		"bad portal":   sign(t, jwt.SigningMethodHS256, testSecret, badPortal),
		"garbage":      "not-a-jwt",
	}
	for name, tok := range cases {
		_, err := v.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
	_, err := v.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestMiddleware(t *testing.T) {
	v, _ := NewBearerVerifier(testSecret)
	var seen Principal
	h := v.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/explain", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/explain", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, testSecret, validClaims()))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "123", seen.PortalID)

	req = httptest.NewRequest(http.MethodOptions, "/api/explain", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestNewBearerVerifierRequiresSecret(t *testing.T) {
	_, err := NewBearerVerifier(nil)
	assert.Error(t, err)
}
