package registry

import "errors"

// ErrNoSuchNamespace indicates a namespace lookup by name found nothing.
var ErrNoSuchNamespace = errors.New("registry: no such namespace")

// ErrConnClosed indicates an emit targeted a connection that is no longer
// attached to the namespace.
var ErrConnClosed = errors.New("registry: connection closed")

// AckFunc is invoked by a binding once an emitted event has been delivered
// to the client. Bindings that cannot observe delivery may invoke it as soon
// as the event has been written.
type AckFunc func()

// Registry is the minimal contract the admission gate requires of the
// surrounding pub/sub server. Implementations own the per-namespace
// connection lists and broadcast membership sets; the gate only reads and
// mutates them through this interface.
type Registry interface {
	// Namespaces returns every namespace currently served. The returned
	// slice is a snapshot; it is not mutated by later namespace changes.
	Namespaces() []Namespace

	// Namespace looks up a single namespace by name.
	Namespace(name string) (Namespace, bool)
}

// Namespace is one isolated broadcast domain. Connections join a namespace
// individually; a single transport session may hold one registration in
// each of several namespaces, all sharing the same root identifier.
//
// All methods are safe for concurrent use.
type Namespace interface {
	// Name returns the namespace name, e.g. "/chat".
	Name() string

	// OnConnect registers fn to be called synchronously whenever a new
	// connection joins this namespace. Handlers registered before the
	// connection is accepted run before any broadcast can reach it.
	OnConnect(fn func(conn Conn))

	// OnDisconnect registers fn to be called after a connection has left
	// this namespace, whether closed by the server or by the peer.
	OnDisconnect(fn func(conn Conn))

	// OnEvent registers fn for a named client-to-server event. The data
	// payload is passed verbatim, without interpretation.
	OnEvent(event string, fn func(conn Conn, data []byte))

	// Conns returns a snapshot of every connection registered in this
	// namespace, whether or not it is broadcast-eligible.
	Conns() []Conn

	// JoinBroadcast inserts the identified connection into the namespace's
	// broadcast membership set. Inserting an existing member is a no-op.
	JoinBroadcast(id string)

	// LeaveBroadcast removes the identified connection from the broadcast
	// membership set. Removing an absent member is a no-op.
	LeaveBroadcast(id string)

	// InBroadcast reports whether the identified connection is currently a
	// member of the broadcast set.
	InBroadcast(id string) bool

	// Emit sends a named event with a payload to one connection. When ack
	// is non-nil it is invoked once delivery has been acknowledged. Emit
	// returns an error only when the event could not be handed to the
	// transport at all (e.g. the connection is gone).
	Emit(conn Conn, event string, payload any, ack AckFunc) error

	// Close forcibly disconnects one connection with an optional reason.
	// Closing an already-closed connection is a no-op.
	Close(conn Conn, reason string)
}

// Conn is one connection's registration in one namespace. Its identifier is
// namespace-qualified; the suffix after the transport's delimiter is the
// session root identifier shared across namespaces.
type Conn interface {
	// ID returns the per-namespace qualified identifier, e.g. "/chat#XYZ".
	ID() string

	// Namespace returns the name of the namespace this registration
	// belongs to.
	Namespace() string

	// Authenticated reports the session's authentication flag.
	Authenticated() bool

	// SetAuthenticated mutates the session's authentication flag. The flag
	// is owned by the admission gate; bindings only store it.
	SetAuthenticated(v bool)
}
