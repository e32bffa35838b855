// Package jwtauthtest provides helpers for exercising jwtauth in tests:
// a throwaway RSA signing key, compact-serialized RS256 tokens with
// caller-controlled claims, and a PEM key file on disk for the key-file
// authenticator.
package jwtauthtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// SigningKey is a test-only RSA key pair.
type SigningKey struct {
	Private *rsa.PrivateKey
}

// NewSigningKey generates a 2048-bit RSA key. Fails the test on error.
func NewSigningKey(t *testing.T) *SigningKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return &SigningKey{Private: priv}
}

// WriteKeyFile writes the public half as PKIX PEM into the test's temp dir
// and returns the path.
func (k *SigningKey) WriteKeyFile(t *testing.T) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&k.Private.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "jwt-public.pem")
	buf := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

// Claims are the token claims minted by Token. Zero fields get sensible
// defaults: subject "test-user", expiry one hour out.
type Claims struct {
	Subject  string
	Issuer   string
	Audience []string
	Scope    string
	Expiry   time.Time
}

// Token mints a compact RS256 JWT signed by the key.
func (k *SigningKey) Token(t *testing.T, c Claims) string {
	t.Helper()

	if c.Subject == "" {
		c.Subject = "test-user"
	}
	if c.Expiry.IsZero() {
		c.Expiry = time.Now().Add(time.Hour)
	}

	claims := map[string]any{
		"sub": c.Subject,
		"iat": time.Now().Unix(),
		"exp": c.Expiry.Unix(),
	}
	if c.Issuer != "" {
		claims["iss"] = c.Issuer
	}
	if len(c.Audience) == 1 {
		claims["aud"] = c.Audience[0]
	} else if len(c.Audience) > 1 {
		claims["aud"] = c.Audience
	}
	if c.Scope != "" {
		claims["scope"] = c.Scope
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}

	opts := (&jose.SignerOptions{}).WithType("JWT")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: k.Private}, opts)
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign claims: %v", err)
	}
	tok, err := jws.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize token: %v", err)
	}
	return tok
}
