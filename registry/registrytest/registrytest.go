// Package registrytest provides a conformance suite for registry
// implementations. Bindings run the suite against a factory for their own
// backend to prove the membership, handler, and close semantics the
// admission gate depends on.
package registrytest

import (
	"testing"

	"github.com/socketauth/socket-auth-go/registry"
)

// Backend is a registry that can also originate connections server-side,
// which the suite needs in order to drive the contract.
type Backend interface {
	registry.Registry

	// Connect registers a new connection in the named namespace under the
	// given session root identifier, dispatching connect handlers
	// synchronously, exactly as the binding would for a real client.
	Connect(namespace, rootID string) (registry.Conn, error)
}

// Factory creates a fresh Backend serving the namespaces "/one" and "/two".
type Factory func(t *testing.T) Backend

// Run runs the complete registry conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("Namespaces_EnumerationAndLookup", func(t *testing.T) { testNamespaces(t, factory) })
	t.Run("Membership_NewConnectionIsListed", func(t *testing.T) { testNewConnectionListed(t, factory) })
	t.Run("Membership_LeaveIsIdempotent", func(t *testing.T) { testLeaveIdempotent(t, factory) })
	t.Run("Membership_JoinAfterLeaveRestores", func(t *testing.T) { testJoinAfterLeave(t, factory) })
	t.Run("Membership_JoinUnknownIDIsNoop", func(t *testing.T) { testJoinUnknown(t, factory) })
	t.Run("Membership_IsolatedPerNamespace", func(t *testing.T) { testMembershipIsolation(t, factory) })
	t.Run("Handlers_OnConnectRunsSynchronously", func(t *testing.T) { testOnConnectSynchronous(t, factory) })
	t.Run("Handlers_OnDisconnectFiresOnClose", func(t *testing.T) { testOnDisconnect(t, factory) })
	t.Run("Close_RemovesConnection", func(t *testing.T) { testCloseRemoves(t, factory) })
	t.Run("Close_Idempotent", func(t *testing.T) { testCloseIdempotent(t, factory) })
	t.Run("Conn_QualifiedIdentifier", func(t *testing.T) { testQualifiedID(t, factory) })
}

func namespaceOrFatal(t *testing.T, b Backend, name string) registry.Namespace {
	t.Helper()
	ns, ok := b.Namespace(name)
	if !ok {
		t.Fatalf("namespace %q not served", name)
	}
	return ns
}

func testNamespaces(t *testing.T, factory Factory) {
	b := factory(t)

	if got := len(b.Namespaces()); got != 2 {
		t.Fatalf("expected 2 namespaces, got %d", got)
	}
	namespaceOrFatal(t, b, "/one")
	namespaceOrFatal(t, b, "/two")
	if _, ok := b.Namespace("/nope"); ok {
		t.Fatal("lookup of an unserved namespace should fail")
	}
}

func testNewConnectionListed(t *testing.T, factory Factory) {
	b := factory(t)
	ns := namespaceOrFatal(t, b, "/one")

	conn, err := b.Connect("/one", "root-1")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	found := false
	for _, c := range ns.Conns() {
		if c.ID() == conn.ID() {
			found = true
		}
	}
	if !found {
		t.Fatal("new connection missing from raw connection list")
	}
}

func testLeaveIdempotent(t *testing.T, factory Factory) {
	b := factory(t)
	ns := namespaceOrFatal(t, b, "/one")

	conn, err := b.Connect("/one", "root-1")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ns.LeaveBroadcast(conn.ID())
	ns.LeaveBroadcast(conn.ID()) // second removal is a no-op
	if ns.InBroadcast(conn.ID()) {
		t.Fatal("connection still a member after leave")
	}

	ns.LeaveBroadcast("/one#never-joined") // absent member is not an error
}

func testJoinAfterLeave(t *testing.T, factory Factory) {
	b := factory(t)
	ns := namespaceOrFatal(t, b, "/one")

	conn, err := b.Connect("/one", "root-1")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ns.LeaveBroadcast(conn.ID())
	ns.JoinBroadcast(conn.ID())
	if !ns.InBroadcast(conn.ID()) {
		t.Fatal("join after leave should restore membership")
	}

	ns.JoinBroadcast(conn.ID()) // duplicate join is a no-op
	if !ns.InBroadcast(conn.ID()) {
		t.Fatal("duplicate join lost membership")
	}
}

func testJoinUnknown(t *testing.T, factory Factory) {
	b := factory(t)
	ns := namespaceOrFatal(t, b, "/one")

	ns.JoinBroadcast("/one#ghost")
	if ns.InBroadcast("/one#ghost") {
		t.Fatal("joining an unregistered connection must not create membership")
	}
}

func testMembershipIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	one := namespaceOrFatal(t, b, "/one")
	two := namespaceOrFatal(t, b, "/two")

	connOne, err := b.Connect("/one", "root-1")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	connTwo, err := b.Connect("/two", "root-1")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	one.LeaveBroadcast(connOne.ID())
	if !two.InBroadcast(connTwo.ID()) {
		t.Fatal("membership change in one namespace leaked into another")
	}
}

func testOnConnectSynchronous(t *testing.T, factory Factory) {
	b := factory(t)
	ns := namespaceOrFatal(t, b, "/one")

	var sawID string
	ns.OnConnect(func(c registry.Conn) { sawID = c.ID() })

	conn, err := b.Connect("/one", "root-1")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if sawID != conn.ID() {
		t.Fatalf("connect handler must run before Connect returns; saw %q", sawID)
	}
}

func testOnDisconnect(t *testing.T, factory Factory) {
	b := factory(t)
	ns := namespaceOrFatal(t, b, "/one")

	var gone []string
	ns.OnDisconnect(func(c registry.Conn) { gone = append(gone, c.ID()) })

	conn, err := b.Connect("/one", "root-1")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	ns.Close(conn, "test")
	if len(gone) != 1 || gone[0] != conn.ID() {
		t.Fatalf("expected one disconnect for %q, got %v", conn.ID(), gone)
	}
}

func testCloseRemoves(t *testing.T, factory Factory) {
	b := factory(t)
	ns := namespaceOrFatal(t, b, "/one")

	conn, err := b.Connect("/one", "root-1")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	ns.Close(conn, "bye")

	if len(ns.Conns()) != 0 {
		t.Fatal("closed connection still in raw list")
	}
	if ns.InBroadcast(conn.ID()) {
		t.Fatal("closed connection still a broadcast member")
	}
}

func testCloseIdempotent(t *testing.T, factory Factory) {
	b := factory(t)
	ns := namespaceOrFatal(t, b, "/one")

	var fired int
	ns.OnDisconnect(func(registry.Conn) { fired++ })

	conn, err := b.Connect("/one", "root-1")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	ns.Close(conn, "bye")
	ns.Close(conn, "bye again")
	if fired != 1 {
		t.Fatalf("expected exactly one disconnect dispatch, got %d", fired)
	}
}

func testQualifiedID(t *testing.T, factory Factory) {
	b := factory(t)

	conn, err := b.Connect("/one", "root-1")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if conn.Namespace() != "/one" {
		t.Fatalf("expected namespace /one, got %q", conn.Namespace())
	}
	if want := "/one#root-1"; conn.ID() != want {
		t.Fatalf("expected qualified id %q, got %q", want, conn.ID())
	}
	if conn.Authenticated() {
		t.Fatal("new connections must start unauthenticated")
	}
}
