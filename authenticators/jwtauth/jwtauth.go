// Package jwtauth provides ready-made verification predicates for the
// admission gate that validate JWT bearer tokens. The client sends its
// token in the authentication payload as {"token": "..."}; the predicate
// verifies signature, issuer, audience, expiry and optional scope policy
// and resolves the handshake accordingly.
//
// Three key sources are supported: OIDC discovery (issuer metadata plus an
// auto-refreshing JWKS), a static JWKS URI, and a local PEM public key file
// that hot-reloads on change.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/socketauth/socket-auth-go/registry"
)

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf) and the handshake should be rejected.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy
// the required scopes policy.
var ErrInsufficientScope = errors.New("jwtauth: insufficient scope")

// Config controls validation behavior for handshake tokens: issuer,
// audience, scope, algorithm and clock-skew policies.
type Config struct {
	Issuer string
	// ExpectedAudiences lists the audiences accepted in the token's aud
	// claim; at least one must intersect.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

// UserInfo exposes the verified token's subject and raw claims.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Credentials is the expected authentication payload shape.
type Credentials struct {
	Token string `json:"token"`
}

// Authenticator verifies handshake tokens. Its Authenticate method
// satisfies the gate's AuthenticateFunc contract directly.
type Authenticator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery performs OIDC discovery to obtain the issuer's JWKS URI
// and constructs an Authenticator validating tokens against the configured
// policies. JWKS keys are auto-refreshed.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	cfg.applyDefaults()

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery metadata declares no jwks_uri")
	}

	return newWithJWKS(ctx, cfg, meta.JwksURI)
}

// NewStatic constructs an Authenticator that fetches keys from a JWKS URI
// directly, without discovery.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	cfg.applyDefaults()

	return newWithJWKS(ctx, cfg, jwksURI)
}

func newWithJWKS(ctx context.Context, cfg *Config, jwksURI string) (*Authenticator, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &Authenticator{cfg: cfg, keyfunc: guardAlgs(cfg, kf.Keyfunc)}, nil
}

// guardAlgs wraps a keyfunc so that disallowed signing algorithms are
// refused before any key lookup.
func guardAlgs(cfg *Config, inner jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range cfg.AllowedAlgs {
			if alg == a {
				return inner(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
}

// Authenticate is the gate-facing predicate. It unmarshals the handshake
// payload, verifies the token, and reports the outcome. Token validation
// failures return (false, error) so the client sees why it was rejected.
func (a *Authenticator) Authenticate(ctx context.Context, conn registry.Conn, data []byte) (bool, error) {
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return false, fmt.Errorf("malformed credentials payload: %w", err)
	}
	if _, err := a.Verify(ctx, creds.Token); err != nil {
		return false, err
	}
	return true, nil
}

// Verify validates a raw token string and returns the authenticated
// principal. It is also useful inside a PostAuthenticate hook to recover
// the subject and claims for profile loading.
func (a *Authenticator) Verify(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	parser := jwt.NewParser(opts...)

	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	if len(a.cfg.ExpectedAudiences) > 0 && !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	if len(a.cfg.RequiredScopes) > 0 {
		scopeStr, _ := claims["scope"].(string)
		have := map[string]bool{}
		for _, s := range strings.Fields(scopeStr) {
			have[s] = true
		}
		if a.cfg.ScopeModeAny {
			ok := false
			for _, want := range a.cfg.RequiredScopes {
				if have[want] {
					ok = true
					break
				}
			}
			if !ok {
				return nil, ErrInsufficientScope
			}
		} else {
			for _, want := range a.cfg.RequiredScopes {
				if !have[want] {
					return nil, ErrInsufficientScope
				}
			}
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return &userInfo{sub: sub, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}
