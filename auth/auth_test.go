package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key"

func signHMAC(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newHMACVerifier(t *testing.T, cfg Config) *Verifier {
	t.Helper()
	cfg.HMACSecret = testSecret
	v, err := NewVerifier(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	v := newHMACVerifier(t, Config{Issuer: "vaultd", Audience: "agents"})

	token := signHMAC(t, jwt.MapClaims{
		"sub": "user-1",
		"iss": "vaultd",
		"aud": "agents",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	user, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if user.Subject != "user-1" {
		t.Fatalf("subject = %q", user.Subject)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v := newHMACVerifier(t, Config{Issuer: "vaultd"})
	future := time.Now().Add(time.Hour).Unix()

	cases := map[string]jwt.MapClaims{
		"wrong issuer": {"sub": "u", "iss": "other", "exp": future},
		"expired":      {"sub": "u", "iss": "vaultd", "exp": time.Now().Add(-time.Hour).Unix()},
		"missing sub":  {"iss": "vaultd", "exp": future},
		"no expiry":    {"sub": "u", "iss": "vaultd"},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), signHMAC(t, claims)); err == nil {
				t.Fatalf("token with %s must be rejected", name)
			}
		})
	}

	if _, err := v.Verify(context.Background(), "not-a-jwt"); err == nil {
		t.Fatalf("garbage token must be rejected")
	}
}

func TestMiddlewareEnforcesBearerToken(t *testing.T) {
	v := newHMACVerifier(t, Config{})
	var gotSubject string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, ok := UserFromContext(r.Context()); ok {
			gotSubject = u.Subject
		}
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(v, nil)(inner)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("challenge header missing")
	}

	token := signHMAC(t, jwt.MapClaims{"sub": "user-2", "exp": time.Now().Add(time.Hour).Unix()})
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gotSubject != "user-2" {
		t.Fatalf("subject not propagated, got %q", gotSubject)
	}
}

func TestMiddlewarePassThroughWhenDisabled(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Middleware(nil, nil)(inner)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("disabled auth must pass requests through, status = %d", rec.Code)
	}
}
