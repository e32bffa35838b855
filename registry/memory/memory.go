// Package memory provides an in-memory implementation of the registry
// interfaces. It is the default single-process binding and doubles as the
// fake registry used throughout the gate's own tests: connections are
// created directly with Connect, client events are injected with Inject,
// and everything a namespace emits to a connection is recorded on the
// connection for later inspection.
package memory

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/socketauth/socket-auth-go/registry"
)

// Delimiter separates the namespace prefix from the session root in a
// qualified connection identifier.
const Delimiter = "#"

// Registry implements registry.Registry over process-local state. It is not
// suitable for multi-node deployments; every namespace and connection lives
// in this process.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]*Namespace
}

// New creates a Registry serving the named namespaces.
func New(names ...string) *Registry {
	r := &Registry{namespaces: make(map[string]*Namespace)}
	for _, name := range names {
		r.namespaces[name] = newNamespace(name)
	}
	return r
}

// CreateNamespace adds a namespace, returning the existing one if the name
// is already served.
func (r *Registry) CreateNamespace(name string) *Namespace {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ns, ok := r.namespaces[name]; ok {
		return ns
	}
	ns := newNamespace(name)
	r.namespaces[name] = ns
	return ns
}

// Namespaces implements registry.Registry.Namespaces.
func (r *Registry) Namespaces() []registry.Namespace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]registry.Namespace, 0, len(r.namespaces))
	for _, ns := range r.namespaces {
		out = append(out, ns)
	}
	return out
}

// Namespace implements registry.Registry.Namespace.
func (r *Registry) Namespace(name string) (registry.Namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ns, ok := r.namespaces[name]
	return ns, ok
}

// Connect creates a new connection in the named namespace under the given
// session root identifier and dispatches the namespace's connect handlers
// synchronously, mirroring how a real transport accepts a connection. An
// empty rootID gets a random one.
func (r *Registry) Connect(name string, rootID string) (*Conn, error) {
	r.mu.RLock()
	ns, ok := r.namespaces[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNoSuchNamespace, name)
	}
	return ns.connect(rootID), nil
}

// Namespace is one in-memory broadcast domain.
type Namespace struct {
	name string

	// admitMu serializes connection admission against broadcast snapshots
	// so a joining connection is excluded by the admission filter before
	// any broadcast can observe it.
	admitMu sync.Mutex

	mu            sync.RWMutex
	conns         map[string]*Conn
	members       map[string]struct{}
	connectFns    []func(registry.Conn)
	disconnectFns []func(registry.Conn)
	eventFns      map[string][]func(registry.Conn, []byte)
}

func newNamespace(name string) *Namespace {
	return &Namespace{
		name:     name,
		conns:    make(map[string]*Conn),
		members:  make(map[string]struct{}),
		eventFns: make(map[string][]func(registry.Conn, []byte)),
	}
}

// Name implements registry.Namespace.Name.
func (ns *Namespace) Name() string { return ns.name }

// OnConnect implements registry.Namespace.OnConnect.
func (ns *Namespace) OnConnect(fn func(conn registry.Conn)) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.connectFns = append(ns.connectFns, fn)
}

// OnDisconnect implements registry.Namespace.OnDisconnect.
func (ns *Namespace) OnDisconnect(fn func(conn registry.Conn)) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.disconnectFns = append(ns.disconnectFns, fn)
}

// OnEvent implements registry.Namespace.OnEvent.
func (ns *Namespace) OnEvent(event string, fn func(conn registry.Conn, data []byte)) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.eventFns[event] = append(ns.eventFns[event], fn)
}

// Conns implements registry.Namespace.Conns.
func (ns *Namespace) Conns() []registry.Conn {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	out := make([]registry.Conn, 0, len(ns.conns))
	for _, c := range ns.conns {
		out = append(out, c)
	}
	return out
}

// JoinBroadcast implements registry.Namespace.JoinBroadcast.
func (ns *Namespace) JoinBroadcast(id string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if _, ok := ns.conns[id]; !ok {
		return
	}
	ns.members[id] = struct{}{}
}

// LeaveBroadcast implements registry.Namespace.LeaveBroadcast.
func (ns *Namespace) LeaveBroadcast(id string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.members, id)
}

// InBroadcast implements registry.Namespace.InBroadcast.
func (ns *Namespace) InBroadcast(id string) bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	_, ok := ns.members[id]
	return ok
}

// Emit implements registry.Namespace.Emit. The event is recorded on the
// connection and the ack, if any, is invoked synchronously: an in-memory
// delivery is acknowledged the moment it is recorded.
func (ns *Namespace) Emit(conn registry.Conn, event string, payload any, ack registry.AckFunc) error {
	ns.mu.RLock()
	c, ok := ns.conns[conn.ID()]
	ns.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrConnClosed, conn.ID())
	}

	c.record(Event{Name: event, Payload: payload})
	if ack != nil {
		ack()
	}
	return nil
}

// Close implements registry.Namespace.Close.
func (ns *Namespace) Close(conn registry.Conn, reason string) {
	ns.mu.Lock()
	c, ok := ns.conns[conn.ID()]
	if !ok {
		ns.mu.Unlock()
		return
	}
	delete(ns.conns, conn.ID())
	delete(ns.members, conn.ID())
	fns := append([]func(registry.Conn){}, ns.disconnectFns...)
	ns.mu.Unlock()

	c.close(reason)
	for _, fn := range fns {
		fn(c)
	}
}

// Broadcast delivers an event to every broadcast member. Connections that
// are registered but not members receive nothing.
func (ns *Namespace) Broadcast(event string, payload any) {
	ns.admitMu.Lock()
	defer ns.admitMu.Unlock()

	ns.mu.RLock()
	targets := make([]*Conn, 0, len(ns.members))
	for id := range ns.members {
		if c, ok := ns.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	ns.mu.RUnlock()

	for _, c := range targets {
		c.record(Event{Name: event, Payload: payload})
	}
}

// Inject dispatches a client-to-server event to the namespace's handlers,
// as if the identified connection had sent it.
func (ns *Namespace) Inject(conn registry.Conn, event string, data []byte) {
	ns.mu.RLock()
	fns := append([]func(registry.Conn, []byte){}, ns.eventFns[event]...)
	ns.mu.RUnlock()

	for _, fn := range fns {
		fn(conn, data)
	}
}

func (ns *Namespace) connect(rootID string) *Conn {
	ns.admitMu.Lock()
	defer ns.admitMu.Unlock()

	if rootID == "" {
		rootID = uuid.NewString()
	}
	c := &Conn{
		id:        ns.name + Delimiter + rootID,
		namespace: ns.name,
	}

	ns.mu.Lock()
	ns.conns[c.id] = c
	// New connections are broadcast-eligible until something (the admission
	// filter) excludes them, matching transports that add sockets to their
	// rooms before user handlers run.
	ns.members[c.id] = struct{}{}
	fns := append([]func(registry.Conn){}, ns.connectFns...)
	ns.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
	return c
}

// Event is one server-to-client event recorded on a Conn.
type Event struct {
	Name    string
	Payload any
}

// Conn is an in-memory connection registration. It records everything
// emitted to it so tests can assert on delivery.
type Conn struct {
	id        string
	namespace string

	mu          sync.Mutex
	auth        bool
	events      []Event
	closed      bool
	closeReason string
}

// ID implements registry.Conn.ID.
func (c *Conn) ID() string { return c.id }

// Namespace implements registry.Conn.Namespace.
func (c *Conn) Namespace() string { return c.namespace }

// Authenticated implements registry.Conn.Authenticated.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// SetAuthenticated implements registry.Conn.SetAuthenticated.
func (c *Conn) SetAuthenticated(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = v
}

// Events returns a snapshot of everything emitted to this connection.
func (c *Conn) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Closed reports whether the connection has been closed, and with what
// reason.
func (c *Conn) Closed() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeReason
}

func (c *Conn) record(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events = append(c.events, ev)
}

func (c *Conn) close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeReason = reason
}

// Compile-time interface checks
var (
	_ registry.Registry  = (*Registry)(nil)
	_ registry.Namespace = (*Namespace)(nil)
	_ registry.Conn      = (*Conn)(nil)
)
