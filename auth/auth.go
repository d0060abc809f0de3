// Package auth is the bearer-token middleware that runs in front of the
// session router. It validates JWT access tokens either against a shared
// HMAC secret or against a remote JWKS endpoint. When neither is configured
// the middleware is a pass-through, which is the intended mode for local,
// single-user deployments.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized wraps every token validation failure.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo identifies the authenticated caller.
type UserInfo struct {
	Subject string
	Claims  jwt.MapClaims
}

type userInfoKey struct{}

// UserFromContext returns the authenticated caller, if any.
func UserFromContext(ctx context.Context) (UserInfo, bool) {
	u, ok := ctx.Value(userInfoKey{}).(UserInfo)
	return u, ok
}

// Config selects and parameterizes the validation mode. Exactly one of
// HMACSecret or JWKSURL may be set; both empty disables authentication.
type Config struct {
	HMACSecret string        `env:"AUTH_HMAC_SECRET"`
	JWKSURL    string        `env:"AUTH_JWKS_URL"`
	Issuer     string        `env:"AUTH_ISSUER"`
	Audience   string        `env:"AUTH_AUDIENCE"`
	Leeway     time.Duration `env:"AUTH_LEEWAY,default=60s"`
}

// Enabled reports whether any validation mode is configured.
func (c Config) Enabled() bool { return c.HMACSecret != "" || c.JWKSURL != "" }

// Verifier validates bearer tokens.
type Verifier struct {
	cfg       Config
	log       *slog.Logger
	validAlgs []string
	keyfunc   jwt.Keyfunc
}

// NewVerifier builds a token verifier for the configured mode. The context
// bounds the initial JWKS fetch in JWKS mode.
func NewVerifier(ctx context.Context, cfg Config, log *slog.Logger) (*Verifier, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.HMACSecret != "" && cfg.JWKSURL != "" {
		return nil, errors.New("auth: HMAC secret and JWKS URL are mutually exclusive")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	v := &Verifier{cfg: cfg, log: log}
	switch {
	case cfg.HMACSecret != "":
		v.validAlgs = []string{"HS256"}
		secret := []byte(cfg.HMACSecret)
		v.keyfunc = func(t *jwt.Token) (any, error) { return secret, nil }
	case cfg.JWKSURL != "":
		v.validAlgs = []string{"RS256", "ES256"}
		kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("auth: jwks init failed: %w", err)
		}
		v.keyfunc = kf.Keyfunc
	default:
		return nil, errors.New("auth: no validation mode configured")
	}
	return v, nil
}

// Verify parses and validates one bearer token.
func (v *Verifier) Verify(ctx context.Context, token string) (UserInfo, error) {
	if token == "" {
		return UserInfo{}, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.validAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	parsed, err := jwt.NewParser(opts...).Parse(token, v.keyfunc)
	if err != nil {
		return UserInfo{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return UserInfo{}, fmt.Errorf("%w: unexpected claims type", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return UserInfo{}, fmt.Errorf("%w: missing sub claim", ErrUnauthorized)
	}
	return UserInfo{Subject: sub, Claims: claims}, nil
}

// Middleware wraps next with bearer-token enforcement. A nil verifier (auth
// disabled) returns next unchanged.
func Middleware(v *Verifier, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w, "missing bearer token")
				return
			}
			user, err := v.Verify(r.Context(), token)
			if err != nil {
				log.InfoContext(r.Context(), "auth.token.reject", slog.String("err", err.Error()))
				writeUnauthorized(w, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), userInfoKey{}, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": http.StatusUnauthorized, "message": msg}})
}
