// Package wsserver is a websocket binding of the registry contract: a
// minimal multi-namespace pub/sub endpoint the admission gate can install
// on directly. One websocket connection is one session; the client joins
// namespaces over it and each join becomes a registration with a qualified
// identifier "<namespace>#<root>", where the root is generated per session.
//
// The wire protocol is one JSON frame per websocket message:
//
//	client -> server  {"ns": "/chat", "event": "connect"}
//	server -> client  {"ns": "/chat", "event": "connected", "data": {"id": "/chat#<root>"}}
//	client -> server  {"ns": "/chat", "event": "authentication", "data": {...}}
//	server -> client  {"ns": "/chat", "event": "authenticated", "data": true}
//
// Emit acknowledgments fire once the frame has been written to the socket;
// the binding does not wait for a client-side receipt.
package wsserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/socketauth/socket-auth-go/registry"
)

// Reserved protocol event names.
const (
	eventConnect    = "connect"
	eventConnected  = "connected"
	eventDisconnect = "disconnect"
	eventError      = "error"
)

// writeWait bounds how long a single frame write may take before the
// session is considered dead.
const writeWait = 10 * time.Second

// sendQueueSize is the per-session outbound frame buffer.
const sendQueueSize = 32

// Delimiter separates the namespace prefix from the session root in a
// qualified connection identifier.
const Delimiter = "#"

// Config controls the websocket server.
type Config struct {
	// Namespaces lists the namespaces served, e.g. "/chat". At least one
	// is required.
	Namespaces []string

	// LogHandler is an optional slog.Handler. If nil, slog.Default() is
	// used.
	LogHandler slog.Handler

	// CheckOrigin overrides the upgrader's origin policy. If nil, all
	// origins are accepted; deployments should restrict this.
	CheckOrigin func(r *http.Request) bool
}

// frame is the wire representation of one event.
type frame struct {
	NS    string          `json:"ns,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outbound pairs a frame with the ack to fire once it has been written.
type outbound struct {
	f   frame
	ack registry.AckFunc
}

// Server is an http.Handler serving the websocket endpoint and a
// registry.Registry the gate installs on.
type Server struct {
	log        *slog.Logger
	upgrader   websocket.Upgrader
	namespaces map[string]*namespace
}

// New creates a Server for the configured namespaces.
func New(cfg Config) (*Server, error) {
	if len(cfg.Namespaces) == 0 {
		return nil, errors.New("wsserver: at least one namespace is required")
	}

	handler := cfg.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	log := slog.New(handler)

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{
		log:        log,
		upgrader:   websocket.Upgrader{CheckOrigin: checkOrigin},
		namespaces: make(map[string]*namespace),
	}
	for _, name := range cfg.Namespaces {
		s.namespaces[name] = newNamespace(name, log)
	}
	return s, nil
}

// Namespaces implements registry.Registry.Namespaces.
func (s *Server) Namespaces() []registry.Namespace {
	out := make([]registry.Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		out = append(out, ns)
	}
	return out
}

// Namespace implements registry.Registry.Namespace.
func (s *Server) Namespace(name string) (registry.Namespace, bool) {
	ns, ok := s.namespaces[name]
	return ns, ok
}

// ServeHTTP upgrades the request and runs the session until the socket
// closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", slog.String("err", err.Error()))
		return
	}

	sess := &wsSession{
		srv:    s,
		ws:     ws,
		root:   uuid.NewString(),
		send:   make(chan outbound, sendQueueSize),
		closed: make(chan struct{}),
		regs:   make(map[string]*Conn),
	}

	go sess.writeLoop()
	sess.readLoop()
}

// wsSession is one transport-level client: the websocket plus its
// per-namespace registrations, all sharing one root identifier and one
// authentication flag.
type wsSession struct {
	srv  *Server
	ws   *websocket.Conn
	root string

	send   chan outbound
	closed chan struct{}

	auth      atomic.Bool
	closeOnce sync.Once

	mu   sync.Mutex
	regs map[string]*Conn
}

func (sess *wsSession) readLoop() {
	defer sess.teardown()

	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			sess.srv.log.Debug("dropping malformed frame", slog.String("err", err.Error()))
			continue
		}

		switch f.Event {
		case eventConnect:
			sess.handleJoin(f.NS)
		case "":
			// Event name is mandatory.
		default:
			sess.dispatch(f)
		}
	}
}

func (sess *wsSession) writeLoop() {
	for {
		select {
		case <-sess.closed:
			return
		case out := <-sess.send:
			_ = sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.ws.WriteJSON(out.f); err != nil {
				sess.close(websocket.CloseAbnormalClosure, "")
				return
			}
			if out.ack != nil {
				out.ack()
			}
		}
	}
}

// handleJoin registers the session in a namespace. Connect handlers run
// before the connected reply is sent, so the admission filter has excluded
// the registration before the client can observe the join.
func (sess *wsSession) handleJoin(name string) {
	ns, ok := sess.srv.namespaces[name]
	if !ok {
		sess.enqueue(frame{NS: name, Event: eventError, Data: marshalData(map[string]string{"message": "unknown namespace"})}, nil)
		return
	}

	sess.mu.Lock()
	if _, joined := sess.regs[name]; joined {
		sess.mu.Unlock()
		return
	}
	conn := &Conn{sess: sess, ns: name, id: name + Delimiter + sess.root}
	sess.regs[name] = conn
	sess.mu.Unlock()

	ns.admit(conn)
	sess.enqueue(frame{NS: name, Event: eventConnected, Data: marshalData(map[string]string{"id": conn.id})}, nil)
}

// dispatch routes a client event to the namespace's handlers.
func (sess *wsSession) dispatch(f frame) {
	ns, ok := sess.srv.namespaces[f.NS]
	if !ok {
		return
	}
	sess.mu.Lock()
	conn, joined := sess.regs[f.NS]
	sess.mu.Unlock()
	if !joined {
		return
	}
	ns.dispatchEvent(conn, f.Event, f.Data)
}

// enqueue hands a frame to the write loop, reporting failure if the
// session is gone.
func (sess *wsSession) enqueue(f frame, ack registry.AckFunc) error {
	select {
	case <-sess.closed:
		return registry.ErrConnClosed
	case sess.send <- outbound{f: f, ack: ack}:
		return nil
	}
}

// tryEnqueue is a non-blocking enqueue for frames that may be sent from
// the write loop itself, such as the disconnect notice fired by an ack.
func (sess *wsSession) tryEnqueue(f frame) {
	select {
	case <-sess.closed:
	case sess.send <- outbound{f: f}:
	default:
	}
}

// dropReg forgets a registration; reports whether it was the session's
// last.
func (sess *wsSession) dropReg(name string) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	delete(sess.regs, name)
	return len(sess.regs) == 0
}

// close shuts the websocket down once, sending a close frame with the
// given code and reason first.
func (sess *wsSession) close(code int, reason string) {
	sess.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = sess.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		close(sess.closed)
		_ = sess.ws.Close()
	})
}

// teardown removes every remaining registration after the socket has
// closed, firing disconnect handlers so the gate can drop its state.
func (sess *wsSession) teardown() {
	sess.close(websocket.CloseNormalClosure, "")

	sess.mu.Lock()
	regs := make([]*Conn, 0, len(sess.regs))
	for _, c := range sess.regs {
		regs = append(regs, c)
	}
	sess.regs = make(map[string]*Conn)
	sess.mu.Unlock()

	for _, c := range regs {
		if ns, ok := sess.srv.namespaces[c.ns]; ok {
			ns.evict(c)
		}
	}
}

// namespace is one websocket-backed broadcast domain.
type namespace struct {
	name string
	log  *slog.Logger

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

func newNamespace(name string, log *slog.Logger) *namespace {
	return &namespace{
		name:     name,
		log:      log,
		conns:    make(map[string]*Conn),
		members:  make(map[string]struct{}),
		eventFns: make(map[string][]func(registry.Conn, []byte)),
	}
}

// Name implements registry.Namespace.Name.
func (ns *namespace) Name() string { return ns.name }

// OnConnect implements registry.Namespace.OnConnect.
func (ns *namespace) OnConnect(fn func(conn registry.Conn)) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.connectFns = append(ns.connectFns, fn)
}

// OnDisconnect implements registry.Namespace.OnDisconnect.
func (ns *namespace) OnDisconnect(fn func(conn registry.Conn)) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.disconnectFns = append(ns.disconnectFns, fn)
}

// OnEvent implements registry.Namespace.OnEvent.
func (ns *namespace) OnEvent(event string, fn func(conn registry.Conn, data []byte)) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.eventFns[event] = append(ns.eventFns[event], fn)
}

// Conns implements registry.Namespace.Conns.
func (ns *namespace) Conns() []registry.Conn {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]registry.Conn, 0, len(ns.conns))
	for _, c := range ns.conns {
		out = append(out, c)
	}
	return out
}

// JoinBroadcast implements registry.Namespace.JoinBroadcast.
func (ns *namespace) JoinBroadcast(id string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if _, ok := ns.conns[id]; !ok {
		return
	}
	ns.members[id] = struct{}{}
}

// LeaveBroadcast implements registry.Namespace.LeaveBroadcast.
func (ns *namespace) LeaveBroadcast(id string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.members, id)
}

// InBroadcast implements registry.Namespace.InBroadcast.
func (ns *namespace) InBroadcast(id string) bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	_, ok := ns.members[id]
	return ok
}

// Emit implements registry.Namespace.Emit. The ack fires once the frame
// has been written to the socket.
func (ns *namespace) Emit(conn registry.Conn, event string, payload any, ack registry.AckFunc) error {
	ns.mu.RLock()
	c, ok := ns.conns[conn.ID()]
	ns.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrConnClosed, conn.ID())
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wsserver: marshal %s payload: %w", event, err)
	}
	return c.sess.enqueue(frame{NS: ns.name, Event: event, Data: data}, ack)
}

// Close implements registry.Namespace.Close. It removes the registration,
// notifies the client, and closes the underlying socket once the session's
// last registration is gone.
func (ns *namespace) Close(conn registry.Conn, reason string) {
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

	c.sess.tryEnqueue(frame{NS: ns.name, Event: eventDisconnect, Data: marshalData(map[string]string{"reason": reason})})
	if c.sess.dropReg(ns.name) {
		code := websocket.CloseNormalClosure
		if reason != "" {
			code = websocket.ClosePolicyViolation
		}
		c.sess.close(code, reason)
	}

	for _, fn := range fns {
		fn(c)
	}
}

// Broadcast delivers an event to every broadcast member.
func (ns *namespace) Broadcast(event string, payload any) {
	ns.admitMu.Lock()
	defer ns.admitMu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		ns.log.Warn("broadcast payload not marshalable", slog.String("event", event), slog.String("err", err.Error()))
		return
	}

	ns.mu.RLock()
	targets := make([]*Conn, 0, len(ns.members))
	for id := range ns.members {
		if c, ok := ns.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	ns.mu.RUnlock()

	for _, c := range targets {
		_ = c.sess.enqueue(frame{NS: ns.name, Event: event, Data: data}, nil)
	}
}

// admit registers a new connection and runs connect handlers while holding
// the admission lock, so no broadcast can be snapshot between the
// registration becoming a member and the filter excluding it.
func (ns *namespace) admit(c *Conn) {
	ns.admitMu.Lock()
	defer ns.admitMu.Unlock()

	ns.mu.Lock()
	ns.conns[c.id] = c
	ns.members[c.id] = struct{}{}
	fns := append([]func(registry.Conn){}, ns.connectFns...)
	ns.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// evict removes a registration whose socket is already gone; no client
// notification is attempted.
func (ns *namespace) evict(c *Conn) {
	ns.mu.Lock()
	_, ok := ns.conns[c.id]
	delete(ns.conns, c.id)
	delete(ns.members, c.id)
	fns := append([]func(registry.Conn){}, ns.disconnectFns...)
	ns.mu.Unlock()
	if !ok {
		return
	}

	for _, fn := range fns {
		fn(c)
	}
}

func (ns *namespace) dispatchEvent(conn *Conn, event string, data []byte) {
	ns.mu.RLock()
	fns := append([]func(registry.Conn, []byte){}, ns.eventFns[event]...)
	ns.mu.RUnlock()

	for _, fn := range fns {
		fn(conn, data)
	}
}

// Conn is one session's registration in one namespace.
type Conn struct {
	sess *wsSession
	ns   string
	id   string
}

// ID implements registry.Conn.ID.
func (c *Conn) ID() string { return c.id }

// Namespace implements registry.Conn.Namespace.
func (c *Conn) Namespace() string { return c.ns }

// Authenticated implements registry.Conn.Authenticated. The flag is
// session-scoped: once one registration authenticates, registrations the
// session creates in other namespaces inherit it.
func (c *Conn) Authenticated() bool { return c.sess.auth.Load() }

// SetAuthenticated implements registry.Conn.SetAuthenticated.
func (c *Conn) SetAuthenticated(v bool) { c.sess.auth.Store(v) }

func marshalData(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Compile-time interface checks
var (
	_ http.Handler       = (*Server)(nil)
	_ registry.Registry  = (*Server)(nil)
	_ registry.Namespace = (*namespace)(nil)
	_ registry.Conn      = (*Conn)(nil)
)
