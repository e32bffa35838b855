package socketauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeshaw/envdecode"

	"github.com/socketauth/socket-auth-go/lockout"
	"github.com/socketauth/socket-auth-go/registry"
)

// DefaultTimeout is the grace period an unauthenticated connection gets
// before the gate disconnects it.
const DefaultTimeout = time.Second

// NoTimeout disables the authentication deadline entirely: connections may
// stay pending forever.
const NoTimeout time.Duration = -1

// ErrAuthenticateRequired is returned by New when Config.Authenticate is
// nil. The predicate is the whole point of the gate, so its absence is a
// setup-time contract violation rather than something discovered on the
// first handshake.
var ErrAuthenticateRequired = errors.New("socketauth: authenticate predicate is required")

// AuthenticateFunc is the caller-supplied verification predicate. It
// receives the connection that sent the authentication event and the
// opaque payload, verbatim. A single invocation is authoritative: the gate
// never retries. Returning an error (or false) rejects the session; the
// error's message, if any, is surfaced to the client.
//
// The predicate may be slow or perform network calls. The gate holds no
// locks across it, and the fan-out of the outcome does not begin until it
// returns.
type AuthenticateFunc func(ctx context.Context, conn registry.Conn, data []byte) (ok bool, err error)

// PostAuthenticateFunc runs once per namespace registration after a
// successful handshake, for side effects such as loading profile data onto
// the connection.
type PostAuthenticateFunc func(ctx context.Context, conn registry.Conn, data []byte)

// ErrorPayload is the body of an unauthorized event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Config controls the admission gate.
type Config struct {
	// Authenticate is the verification predicate. Required.
	Authenticate AuthenticateFunc

	// PostAuthenticate, if set, runs for each namespace registration after
	// a successful handshake.
	PostAuthenticate PostAuthenticateFunc

	// Timeout is the grace period before an unauthenticated connection is
	// disconnected. Zero selects DefaultTimeout; NoTimeout disables the
	// deadline.
	Timeout time.Duration

	// Lockout, if set, short-circuits handshakes for session roots that
	// have accumulated too many failures. Optional.
	Lockout lockout.Store

	// LogHandler is an optional slog.Handler. If nil, slog.Default() is
	// used.
	LogHandler slog.Handler

	// Clock is the time source for the authentication deadline. If nil the
	// real clock is used; tests inject a clock.Mock.
	Clock clock.Clock
}

// EnvConfig carries the gate's operational knobs in env-decodable form.
type EnvConfig struct {
	// Timeout is a Go duration string, or "none" to disable the deadline.
	// ENV: SOCKETAUTH_TIMEOUT
	Timeout string `env:"SOCKETAUTH_TIMEOUT,default=1s"`
}

// ParseTimeout converts a timeout string into a duration, honoring the
// literal "none" as NoTimeout.
func ParseTimeout(s string) (time.Duration, error) {
	if s == "none" {
		return NoTimeout, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("socketauth: invalid timeout %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("socketauth: negative timeout %q", s)
	}
	return d, nil
}

// TimeoutFromEnv loads EnvConfig via envdecode and parses the timeout.
func TimeoutFromEnv() (time.Duration, error) {
	var ec EnvConfig
	if err := envdecode.Decode(&ec); err != nil {
		return 0, fmt.Errorf("socketauth: decode env: %w", err)
	}
	return ParseTimeout(ec.Timeout)
}
