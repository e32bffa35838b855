package socketauth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	lockoutmem "github.com/socketauth/socket-auth-go/lockout/memory"
	"github.com/socketauth/socket-auth-go/registry"
	"github.com/socketauth/socket-auth-go/registry/memory"
)

func allowAll(ctx context.Context, conn registry.Conn, data []byte) (bool, error) {
	return true, nil
}

func denyAll(ctx context.Context, conn registry.Conn, data []byte) (bool, error) {
	return false, nil
}

func newGate(t *testing.T, reg *memory.Registry, cfg Config) *Gate {
	t.Helper()
	g, err := New(reg, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	g.Install(context.Background())
	return g
}

func countEvents(c *memory.Conn, name string) int {
	n := 0
	for _, ev := range c.Events() {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func TestNew_RequiresAuthenticate(t *testing.T) {
	reg := memory.New("/a")

	if _, err := New(reg, Config{}); !errors.Is(err, ErrAuthenticateRequired) {
		t.Fatalf("expected ErrAuthenticateRequired, got %v", err)
	}
	if _, err := New(nil, Config{Authenticate: allowAll}); err == nil {
		t.Fatal("expected error for nil registry")
	}
}

func TestAdmission_ExcludedOnConnect(t *testing.T) {
	reg := memory.New("/a")
	newGate(t, reg, Config{Authenticate: allowAll, Timeout: NoTimeout})

	conn, err := reg.Connect("/a", "XYZ")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ns, _ := reg.Namespace("/a")
	if ns.InBroadcast(conn.ID()) {
		t.Fatal("unauthenticated connection must not be broadcast-visible")
	}
	if len(ns.Conns()) != 1 {
		t.Fatalf("expected connection in raw list, got %d entries", len(ns.Conns()))
	}
}

func TestAuthenticate_Success_MultiNamespace(t *testing.T) {
	reg := memory.New("/a", "/b")

	var postCalls atomic.Int32
	newGate(t, reg, Config{
		Authenticate: allowAll,
		PostAuthenticate: func(ctx context.Context, conn registry.Conn, data []byte) {
			postCalls.Add(1)
		},
		Timeout: NoTimeout,
	})

	connA, _ := reg.Connect("/a", "XYZ")
	connB, _ := reg.Connect("/b", "XYZ")

	nsA, _ := reg.Namespace("/a")
	nsB, _ := reg.Namespace("/b")

	nsA.(*memory.Namespace).Inject(connA, EventAuthentication, []byte(`{"token":"good"}`))

	if !nsA.InBroadcast(connA.ID()) {
		t.Fatal("/a registration not re-inserted into broadcast set")
	}
	if !nsB.InBroadcast(connB.ID()) {
		t.Fatal("/b registration not re-inserted into broadcast set")
	}
	if !connA.Authenticated() || !connB.Authenticated() {
		t.Fatal("both registrations should carry the authenticated flag")
	}
	if got := countEvents(connA, EventAuthenticated); got != 1 {
		t.Fatalf("expected exactly one authenticated event on /a, got %d", got)
	}
	if got := countEvents(connB, EventAuthenticated); got != 1 {
		t.Fatalf("expected exactly one authenticated event on /b, got %d", got)
	}
	if got := postCalls.Load(); got != 2 {
		t.Fatalf("expected post-authenticate hook once per registration, got %d", got)
	}
}

func TestAuthenticate_Failure_SurfacesPredicateError(t *testing.T) {
	reg := memory.New("/a")
	newGate(t, reg, Config{
		Authenticate: func(ctx context.Context, conn registry.Conn, data []byte) (bool, error) {
			return false, errors.New("bad token")
		},
		Timeout: NoTimeout,
	})

	conn, _ := reg.Connect("/a", "XYZ")
	ns, _ := reg.Namespace("/a")
	ns.(*memory.Namespace).Inject(conn, EventAuthentication, []byte(`{}`))

	events := conn.Events()
	if len(events) != 1 || events[0].Name != EventUnauthorized {
		t.Fatalf("expected a single unauthorized event, got %v", events)
	}
	payload, ok := events[0].Payload.(ErrorPayload)
	if !ok || payload.Message != "bad token" {
		t.Fatalf("expected payload message %q, got %v", "bad token", events[0].Payload)
	}
	if closed, _ := conn.Closed(); !closed {
		t.Fatal("connection should be closed after the unauthorized event is acknowledged")
	}
	if countEvents(conn, EventAuthenticated) != 0 {
		t.Fatal("no authenticated event may be sent for a rejected session")
	}
}

func TestAuthenticate_Failure_GenericMessage(t *testing.T) {
	reg := memory.New("/a")
	newGate(t, reg, Config{Authenticate: denyAll, Timeout: NoTimeout})

	conn, _ := reg.Connect("/a", "XYZ")
	ns, _ := reg.Namespace("/a")
	ns.(*memory.Namespace).Inject(conn, EventAuthentication, nil)

	events := conn.Events()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	payload := events[0].Payload.(ErrorPayload)
	if payload.Message != "Authentication failure" {
		t.Fatalf("expected generic failure message, got %q", payload.Message)
	}
}

func TestAuthenticate_Failure_ClosesEveryNamespace(t *testing.T) {
	reg := memory.New("/a", "/b")
	newGate(t, reg, Config{Authenticate: denyAll, Timeout: NoTimeout})

	connA, _ := reg.Connect("/a", "XYZ")
	connB, _ := reg.Connect("/b", "XYZ")

	nsA, _ := reg.Namespace("/a")
	nsA.(*memory.Namespace).Inject(connA, EventAuthentication, nil)

	for _, c := range []*memory.Conn{connA, connB} {
		if got := countEvents(c, EventUnauthorized); got != 1 {
			t.Fatalf("%s: expected one unauthorized event, got %d", c.ID(), got)
		}
		if closed, _ := c.Closed(); !closed {
			t.Fatalf("%s: expected connection closed", c.ID())
		}
	}
}

func TestAuthenticate_SkipsNamespacesNeverJoined(t *testing.T) {
	reg := memory.New("/a", "/b")
	newGate(t, reg, Config{Authenticate: allowAll, Timeout: NoTimeout})

	conn, _ := reg.Connect("/a", "XYZ")
	ns, _ := reg.Namespace("/a")
	ns.(*memory.Namespace).Inject(conn, EventAuthentication, nil)

	if !ns.InBroadcast(conn.ID()) {
		t.Fatal("joined namespace should be re-inserted")
	}
	nsB, _ := reg.Namespace("/b")
	if len(nsB.Conns()) != 0 {
		t.Fatal("fan-out must not invent registrations in namespaces the session never joined")
	}
}

func TestConnect_AfterAuthentication_AdmittedDirectly(t *testing.T) {
	reg := memory.New("/a", "/b")
	newGate(t, reg, Config{Authenticate: allowAll, Timeout: NoTimeout})

	connA, _ := reg.Connect("/a", "XYZ")
	nsA, _ := reg.Namespace("/a")
	nsA.(*memory.Namespace).Inject(connA, EventAuthentication, nil)

	// A namespace joined after the handshake resolved is admitted without
	// a second authentication exchange.
	connB, _ := reg.Connect("/b", "XYZ")
	nsB, _ := reg.Namespace("/b")
	if !nsB.InBroadcast(connB.ID()) {
		t.Fatal("late registration of an authenticated session must be broadcast-visible")
	}
	if !connB.Authenticated() {
		t.Fatal("late registration must carry the authenticated flag")
	}
	if got := countEvents(connB, EventAuthenticated); got != 0 {
		t.Fatalf("direct admission should not replay the authenticated event, got %d", got)
	}
}

func TestAuthenticate_SecondMessageIgnoredAfterResolution(t *testing.T) {
	reg := memory.New("/a")

	var calls atomic.Int32
	newGate(t, reg, Config{
		Authenticate: func(ctx context.Context, conn registry.Conn, data []byte) (bool, error) {
			calls.Add(1)
			return true, nil
		},
		Timeout: NoTimeout,
	})

	conn, _ := reg.Connect("/a", "XYZ")
	ns, _ := reg.Namespace("/a")
	ns.(*memory.Namespace).Inject(conn, EventAuthentication, nil)
	ns.(*memory.Namespace).Inject(conn, EventAuthentication, nil)

	if got := calls.Load(); got != 1 {
		t.Fatalf("predicate should run once per session, got %d calls", got)
	}
	if got := countEvents(conn, EventAuthenticated); got != 1 {
		t.Fatalf("expected exactly one authenticated event, got %d", got)
	}
}

func TestTimeout_DisconnectsPendingSession(t *testing.T) {
	reg := memory.New("/a")
	mock := clock.NewMock()
	newGate(t, reg, Config{Authenticate: allowAll, Timeout: 50 * time.Millisecond, Clock: mock})

	conn, _ := reg.Connect("/a", "XYZ")

	mock.Add(49 * time.Millisecond)
	if closed, _ := conn.Closed(); closed {
		t.Fatal("connection closed before the deadline")
	}

	mock.Add(time.Millisecond)
	closed, reason := conn.Closed()
	if !closed {
		t.Fatal("connection should be closed once the deadline passes")
	}
	if reason != ReasonUnauthorized {
		t.Fatalf("expected close reason %q, got %q", ReasonUnauthorized, reason)
	}
	if len(conn.Events()) != 0 {
		t.Fatalf("timeout path must not send payload events, got %v", conn.Events())
	}
}

func TestTimeout_NoneDisablesDeadline(t *testing.T) {
	reg := memory.New("/a")
	mock := clock.NewMock()
	newGate(t, reg, Config{Authenticate: allowAll, Timeout: NoTimeout, Clock: mock})

	conn, _ := reg.Connect("/a", "XYZ")

	mock.Add(24 * time.Hour)
	if closed, _ := conn.Closed(); closed {
		t.Fatal("NoTimeout sessions must never be closed by the deadline")
	}
}

func TestTimeout_NoopAfterAuthentication(t *testing.T) {
	reg := memory.New("/a")
	mock := clock.NewMock()
	newGate(t, reg, Config{Authenticate: allowAll, Timeout: 50 * time.Millisecond, Clock: mock})

	conn, _ := reg.Connect("/a", "XYZ")
	ns, _ := reg.Namespace("/a")
	ns.(*memory.Namespace).Inject(conn, EventAuthentication, nil)

	mock.Add(time.Second)
	if closed, _ := conn.Closed(); closed {
		t.Fatal("deadline firing after authentication must be a no-op")
	}
	if !ns.InBroadcast(conn.ID()) {
		t.Fatal("authenticated registration should stay in the broadcast set")
	}
}

func TestTimeout_SharedAcrossNamespaces(t *testing.T) {
	reg := memory.New("/a", "/b")
	mock := clock.NewMock()
	newGate(t, reg, Config{Authenticate: allowAll, Timeout: 50 * time.Millisecond, Clock: mock})

	connA, _ := reg.Connect("/a", "XYZ")
	mock.Add(30 * time.Millisecond)
	// Joining a second namespace must not restart the session's deadline.
	connB, _ := reg.Connect("/b", "XYZ")
	mock.Add(20 * time.Millisecond)

	for _, c := range []*memory.Conn{connA, connB} {
		if closed, _ := c.Closed(); !closed {
			t.Fatalf("%s: expected close at the original deadline", c.ID())
		}
	}
}

func TestLockout_ShortCircuitsAfterRepeatedFailures(t *testing.T) {
	reg := memory.New("/a")

	var calls atomic.Int32
	newGate(t, reg, Config{
		Authenticate: func(ctx context.Context, conn registry.Conn, data []byte) (bool, error) {
			calls.Add(1)
			return false, errors.New("bad token")
		},
		Timeout: NoTimeout,
		Lockout: lockoutmem.New(2, time.Minute),
	})

	ns, _ := reg.Namespace("/a")
	for i := 0; i < 2; i++ {
		conn, _ := reg.Connect("/a", "XYZ")
		ns.(*memory.Namespace).Inject(conn, EventAuthentication, nil)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 predicate calls before lockout, got %d", got)
	}

	conn, _ := reg.Connect("/a", "XYZ")
	ns.(*memory.Namespace).Inject(conn, EventAuthentication, nil)

	if got := calls.Load(); got != 2 {
		t.Fatalf("locked session must not re-invoke the predicate, got %d calls", got)
	}
	events := conn.Events()
	if len(events) != 1 || events[0].Name != EventUnauthorized {
		t.Fatalf("expected unauthorized event for locked session, got %v", events)
	}
	if payload := events[0].Payload.(ErrorPayload); payload.Message != "too many failed authentication attempts" {
		t.Fatalf("unexpected lockout message %q", payload.Message)
	}
}

func TestDisconnect_DropsSessionState(t *testing.T) {
	reg := memory.New("/a")
	g := newGate(t, reg, Config{Authenticate: allowAll, Timeout: NoTimeout})

	conn, _ := reg.Connect("/a", "XYZ")
	ns, _ := reg.Namespace("/a")
	ns.Close(conn, "")

	g.mu.Lock()
	_, tracked := g.sessions["XYZ"]
	g.mu.Unlock()
	if tracked {
		t.Fatal("session state should be dropped once its last registration is gone")
	}
}
