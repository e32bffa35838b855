package memory

import (
	"testing"

	"github.com/socketauth/socket-auth-go/registry"
	"github.com/socketauth/socket-auth-go/registry/registrytest"
)

// backend adapts Registry's concrete Connect return type to the suite's
// interface-typed one.
type backend struct {
	*Registry
}

func (b backend) Connect(namespace, rootID string) (registry.Conn, error) {
	return b.Registry.Connect(namespace, rootID)
}

func TestConformance(t *testing.T) {
	registrytest.Run(t, func(t *testing.T) registrytest.Backend {
		return backend{New("/one", "/two")}
	})
}

func TestBroadcast_OnlyReachesMembers(t *testing.T) {
	r := New("/one")
	nsAny, _ := r.Namespace("/one")
	ns := nsAny.(*Namespace)

	member, err := r.Connect("/one", "m")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	outsider, err := r.Connect("/one", "o")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	ns.LeaveBroadcast(outsider.ID())

	ns.Broadcast("news", "hello")

	if got := len(member.Events()); got != 1 {
		t.Fatalf("member expected 1 event, got %d", got)
	}
	if got := len(outsider.Events()); got != 0 {
		t.Fatalf("excluded connection received broadcast: %v", outsider.Events())
	}
}

func TestEmit_AckInvokedOnDelivery(t *testing.T) {
	r := New("/one")
	nsAny, _ := r.Namespace("/one")
	ns := nsAny.(*Namespace)

	conn, err := r.Connect("/one", "m")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	acked := false
	if err := ns.Emit(conn, "ping", nil, func() { acked = true }); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if !acked {
		t.Fatal("ack should fire on delivery")
	}
}

func TestEmit_ClosedConnectionErrors(t *testing.T) {
	r := New("/one")
	nsAny, _ := r.Namespace("/one")
	ns := nsAny.(*Namespace)

	conn, err := r.Connect("/one", "m")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	ns.Close(conn, "bye")

	if err := ns.Emit(conn, "ping", nil, nil); err == nil {
		t.Fatal("emit to a closed connection should error")
	}
}

func TestConnect_UnknownNamespace(t *testing.T) {
	r := New("/one")
	if _, err := r.Connect("/ghost", "m"); err == nil {
		t.Fatal("expected error for unknown namespace")
	}
}

func TestConnect_GeneratesRootWhenEmpty(t *testing.T) {
	r := New("/one")
	conn, err := r.Connect("/one", "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if conn.ID() == "/one#" {
		t.Fatal("empty root should be replaced with a generated one")
	}
}
