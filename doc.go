// Package socketauth is a post-connection authentication gate for
// multi-namespace pub/sub servers. Clients get a transport connection
// before their identity is known; the gate holds each connection in a
// provisional, broadcast-excluded state until it completes an
// authentication handshake, enforces a bounded grace period after which
// unauthenticated connections are dropped, and atomically reconciles the
// session's membership across every namespace once the handshake resolves.
//
// The gate is a library installed into a running server. It binds to
// anything implementing registry.Registry: the sibling registry/memory
// package for single-process deployments and tests, or the wsserver
// package for a websocket transport.
//
// # Handshake
//
// On connect, the admission filter synchronously removes the registration
// from the namespace's broadcast membership set, so no broadcast traffic
// can reach an unauthenticated party. The client then has Config.Timeout
// to send an "authentication" event. The payload is passed verbatim to the
// caller-supplied predicate; on success every namespace the session joined
// re-inserts its registration and emits "authenticated", on failure every
// registration receives "unauthorized" with a message and is closed once
// delivery is acknowledged. A session whose deadline passes is simply
// closed with reason "unauthorized", no payload. Namespaces the session
// joins after a successful handshake are admitted directly, without a
// second exchange.
//
// Example:
//
//	reg := memory.New("/chat", "/news")
//	gate, err := socketauth.New(reg, socketauth.Config{
//	    Authenticate: func(ctx context.Context, conn registry.Conn, data []byte) (bool, error) {
//	        var creds struct{ Token string `json:"token"` }
//	        if err := json.Unmarshal(data, &creds); err != nil {
//	            return false, err
//	        }
//	        return verify(creds.Token)
//	    },
//	    Timeout: 5 * time.Second,
//	})
//	if err != nil { log.Fatal(err) }
//	gate.Install(ctx)
//
// # Status transitions
//
// A session's status moves pending -> authenticated or pending -> rejected,
// exactly once, via a compare-and-set. The deadline timer and a resolving
// predicate can race; whichever wins the transition decides the session,
// and the loser's effect is discarded. Authentication events arriving after
// the status has left pending are ignored.
package socketauth
