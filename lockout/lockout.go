// Package lockout provides an optional brute-force guard for the admission
// gate. A Store counts failed authentication attempts per session root
// identifier; once a session is locked the gate rejects its handshake
// without invoking the verification predicate at all.
//
// Two implementations ship with the module: a process-local one in the
// sibling memory package and a Redis-backed one in redislockout for
// deployments where the same client may reconnect against any node.
package lockout

import "context"

// Store tracks failed authentication attempts keyed by session root
// identifier. Implementations must be safe for concurrent use.
type Store interface {
	// RecordFailure registers one failed attempt for key and returns the
	// number of failures currently counted against it.
	RecordFailure(ctx context.Context, key string) (failures int, err error)

	// IsLocked reports whether key has accumulated enough failures to be
	// locked out.
	IsLocked(ctx context.Context, key string) (bool, error)

	// Reset clears the failure count for key. Called after a successful
	// authentication.
	Reset(ctx context.Context, key string) error
}
