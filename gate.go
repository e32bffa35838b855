package socketauth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/socketauth/socket-auth-go/internal/logctx"
	"github.com/socketauth/socket-auth-go/registry"
)

// Wire event names.
const (
	// EventAuthentication is the client-to-server handshake event.
	EventAuthentication = "authentication"
	// EventAuthenticated is emitted to each registration after a successful
	// handshake, with payload true.
	EventAuthenticated = "authenticated"
	// EventUnauthorized is emitted to each registration after a failed
	// handshake, with an ErrorPayload, before its connection is closed.
	EventUnauthorized = "unauthorized"
)

// ReasonUnauthorized is the close reason used when the gate disconnects a
// session, whether by deadline or by explicit rejection.
const ReasonUnauthorized = "unauthorized"

// genericAuthFailure is sent when the predicate fails without a message.
const genericAuthFailure = "Authentication failure"

var errTooManyFailures = errors.New("too many failed authentication attempts")

type sessionStatus int32

const (
	statusPending sessionStatus = iota
	statusAuthenticated
	statusRejected
)

// session is the gate's view of one transport-level client: a root
// identifier shared by its registrations across namespaces, the
// authentication status, and the deadline timer.
type session struct {
	root   string
	status atomic.Int32
	timer  *clock.Timer
}

// transition attempts the session's single allowed status change,
// pending -> to. The pending check and the terminal write are one
// compare-and-set so a concurrently firing deadline and a resolving
// predicate can never both win.
func (s *session) transition(to sessionStatus) bool {
	return s.status.CompareAndSwap(int32(statusPending), int32(to))
}

// Gate holds every connection in a provisional, broadcast-excluded state
// until it completes the authentication handshake, enforces the grace
// period, and reconciles the session's membership across all namespaces
// once the handshake resolves.
type Gate struct {
	reg registry.Registry
	cfg Config
	log *slog.Logger
	clk clock.Clock

	mu       sync.Mutex
	sessions map[string]*session
}

// New validates the configuration and creates a Gate bound to reg. The
// gate does nothing until Install is called.
func New(reg registry.Registry, cfg Config) (*Gate, error) {
	if reg == nil {
		return nil, errors.New("socketauth: registry is required")
	}
	if cfg.Authenticate == nil {
		return nil, ErrAuthenticateRequired
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	handler := cfg.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}

	return &Gate{
		reg:      reg,
		cfg:      cfg,
		log:      slog.New(logctx.Handler{Handler: handler}),
		clk:      clk,
		sessions: make(map[string]*session),
	}, nil
}

// Install installs the admission filter and handshake listener on every
// namespace currently served by the registry. It must run before the first
// connection is accepted so that no unauthenticated registration is ever
// broadcast-visible.
func (g *Gate) Install(ctx context.Context) {
	for _, ns := range g.reg.Namespaces() {
		g.install(ctx, ns)
	}
}

func (g *Gate) install(ctx context.Context, ns registry.Namespace) {
	ns.OnConnect(func(conn registry.Conn) { g.handleConnect(ctx, ns, conn) })
	ns.OnEvent(EventAuthentication, func(conn registry.Conn, data []byte) {
		g.handleAuthentication(ctx, conn, data)
	})
	ns.OnDisconnect(func(conn registry.Conn) { g.handleDisconnect(conn) })
}

// handleConnect is the admission filter. It runs synchronously with
// connection establishment, so the registration is out of the broadcast
// membership set before any broadcast can reach it. Exclusion is best
// effort and idempotent; a registration that was never a member is not an
// error.
func (g *Gate) handleConnect(ctx context.Context, ns registry.Namespace, conn registry.Conn) {
	if conn.Authenticated() {
		return
	}

	root := RootID(conn.ID())
	g.mu.Lock()
	sess, ok := g.sessions[root]
	if !ok {
		sess = &session{root: root}
		g.sessions[root] = sess
		// One deadline per session, started at its first namespace
		// connection. Later registrations of the same session share it.
		g.startTimer(ctx, sess)
	}
	g.mu.Unlock()

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnID:    conn.ID(),
		Namespace: ns.Name(),
		RootID:    root,
	})

	// A session that already authenticated admits later registrations
	// directly; the handshake is per session, not per namespace. The flag
	// is set here because a binding may scope it per registration.
	if sessionStatus(sess.status.Load()) == statusAuthenticated {
		conn.SetAuthenticated(true)
		ns.JoinBroadcast(conn.ID())
		g.log.DebugContext(ctx, "admitting registration of authenticated session")
		return
	}

	ns.LeaveBroadcast(conn.ID())
	g.log.DebugContext(ctx, "connection held pending authentication")
}

// startTimer schedules the deadline disconnect. Called with g.mu held.
func (g *Gate) startTimer(ctx context.Context, sess *session) {
	if g.cfg.Timeout == NoTimeout {
		return
	}
	sess.timer = g.clk.AfterFunc(g.cfg.Timeout, func() { g.expire(ctx, sess) })
}

// expire fires when the grace period ends. If the session is still pending
// it is rejected and every registration is closed with the unauthorized
// reason; no payload event is sent on this path. If the handshake already
// resolved, the firing is a harmless no-op: the transition fails.
func (g *Gate) expire(ctx context.Context, sess *session) {
	if !sess.transition(statusRejected) {
		return
	}

	ctx = logctx.WithHandshakeData(ctx, &logctx.HandshakeData{RootID: sess.root, Outcome: "timeout"})
	g.log.InfoContext(ctx, "authentication deadline passed, disconnecting")

	for _, ns := range g.reg.Namespaces() {
		if c, ok := findByRoot(ns, sess.root); ok {
			ns.Close(c, ReasonUnauthorized)
		}
	}
}

// handleAuthentication is the handshake coordinator's entry point. Only a
// pending session runs the predicate; once the status leaves pending,
// further authentication events are ignored.
func (g *Gate) handleAuthentication(ctx context.Context, conn registry.Conn, data []byte) {
	root := RootID(conn.ID())

	g.mu.Lock()
	sess := g.sessions[root]
	g.mu.Unlock()

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnID:    conn.ID(),
		Namespace: conn.Namespace(),
		RootID:    root,
	})

	if sess == nil || sessionStatus(sess.status.Load()) != statusPending {
		g.log.DebugContext(ctx, "ignoring authentication event for non-pending session")
		return
	}

	if g.cfg.Lockout != nil {
		locked, err := g.cfg.Lockout.IsLocked(ctx, root)
		if err != nil {
			g.log.WarnContext(ctx, "lockout check failed", slog.String("err", err.Error()))
		} else if locked {
			g.reject(ctx, sess, errTooManyFailures)
			return
		}
	}

	// The predicate may suspend; no locks are held across it, and the
	// fan-out below only begins once it has returned.
	ok, err := g.cfg.Authenticate(ctx, conn, data)
	if err != nil || !ok {
		if g.cfg.Lockout != nil {
			if _, lerr := g.cfg.Lockout.RecordFailure(ctx, root); lerr != nil {
				g.log.WarnContext(ctx, "lockout record failed", slog.String("err", lerr.Error()))
			}
		}
		g.reject(ctx, sess, err)
		return
	}
	g.accept(ctx, sess, data)
}

// accept runs the success fan-out. Every namespace where the session holds
// a registration gets it re-inserted into the broadcast membership set,
// the post-authentication hook runs for side effects, and the registration
// is told it is authenticated.
func (g *Gate) accept(ctx context.Context, sess *session, data []byte) {
	if !sess.transition(statusAuthenticated) {
		// The deadline (or an earlier handshake) already resolved this
		// session; the outcome no longer applies.
		return
	}
	if g.cfg.Lockout != nil {
		if err := g.cfg.Lockout.Reset(ctx, sess.root); err != nil {
			g.log.WarnContext(ctx, "lockout reset failed", slog.String("err", err.Error()))
		}
	}

	for _, ns := range g.reg.Namespaces() {
		c, ok := findByRoot(ns, sess.root)
		if !ok {
			// The session never joined this namespace.
			continue
		}
		c.SetAuthenticated(true)
		ns.JoinBroadcast(c.ID())
		if g.cfg.PostAuthenticate != nil {
			g.cfg.PostAuthenticate(ctx, c, data)
		}
		if err := ns.Emit(c, EventAuthenticated, true, nil); err != nil {
			g.log.WarnContext(ctx, "authenticated event not delivered",
				slog.String("conn_id", c.ID()), slog.String("err", err.Error()))
		}
	}

	ctx = logctx.WithHandshakeData(ctx, &logctx.HandshakeData{RootID: sess.root, Outcome: "authenticated"})
	g.log.InfoContext(ctx, "session authenticated")
}

// reject runs the failure fan-out. Each namespace's registration receives
// its own unauthorized event and disconnect, because the same logical
// client holds independent registrations in several namespaces. The close
// waits for the delivery acknowledgment so the client sees the message
// before the connection drops.
func (g *Gate) reject(ctx context.Context, sess *session, cause error) {
	if !sess.transition(statusRejected) {
		return
	}

	msg := genericAuthFailure
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}

	for _, ns := range g.reg.Namespaces() {
		c, ok := findByRoot(ns, sess.root)
		if !ok {
			continue
		}
		ns, c := ns, c
		err := ns.Emit(c, EventUnauthorized, ErrorPayload{Message: msg}, func() {
			ns.Close(c, ReasonUnauthorized)
		})
		if err != nil {
			// The event could not be handed off at all; close regardless.
			ns.Close(c, ReasonUnauthorized)
		}
	}

	ctx = logctx.WithHandshakeData(ctx, &logctx.HandshakeData{RootID: sess.root, Outcome: "rejected"})
	g.log.InfoContext(ctx, "session rejected", slog.String("message", msg))
}

// handleDisconnect drops the session's tracking state once its last
// registration is gone, stopping the deadline timer if it has not fired.
func (g *Gate) handleDisconnect(conn registry.Conn) {
	root := RootID(conn.ID())
	for _, ns := range g.reg.Namespaces() {
		if _, ok := findByRoot(ns, root); ok {
			// Still registered elsewhere.
			return
		}
	}

	g.mu.Lock()
	sess, ok := g.sessions[root]
	if ok {
		delete(g.sessions, root)
	}
	var timer *clock.Timer
	if ok {
		timer = sess.timer
	}
	g.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
}
