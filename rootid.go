package socketauth

import (
	"strings"

	"github.com/socketauth/socket-auth-go/registry"
)

// idDelimiter separates the namespace prefix from the session root in a
// qualified connection identifier, e.g. "/chat#XYZ".
const idDelimiter = "#"

// RootID returns the session-scoped root identifier embedded in a
// namespace-qualified connection identifier: the substring after the last
// delimiter. When the delimiter is absent the whole string is its own root.
// That edge case is a protocol convention of the transport layer, not an
// accident: LastIndex yields -1 and the slice below degrades to the full
// string.
func RootID(qualifiedID string) string {
	i := strings.LastIndex(qualifiedID, idDelimiter)
	return qualifiedID[i+1:]
}

// findByRoot scans a namespace's full connection list for the registration
// whose root identifier matches. It deliberately searches the raw list
// rather than the broadcast membership set, because unauthenticated
// registrations were excluded from the latter at connect time. A namespace
// holds at most one registration per session, so the first match is the
// match.
func findByRoot(ns registry.Namespace, rootID string) (registry.Conn, bool) {
	for _, c := range ns.Conns() {
		if RootID(c.ID()) == rootID {
			return c, true
		}
	}
	return nil, false
}
