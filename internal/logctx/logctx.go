package logctx

import (
	"context"
	"log/slog"
)

// Handler enriches records with gate-scoped context carried on the
// context.Context: the connection a handler is working on and, once known,
// the handshake outcome.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("namespace", cd.Namespace),
			slog.String("root_id", cd.RootID),
		))
	}

	if hd, ok := ctx.Value(handshakeDataKey{}).(*HandshakeData); ok {
		r.AddAttrs(slog.Group("handshake",
			slog.String("root_id", hd.RootID),
			slog.String("outcome", hd.Outcome),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type connDataKey struct{}

type ConnData struct {
	ConnID    string
	Namespace string
	RootID    string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type handshakeDataKey struct{}

type HandshakeData struct {
	RootID  string
	Outcome string
}

func WithHandshakeData(ctx context.Context, data *HandshakeData) context.Context {
	return context.WithValue(ctx, handshakeDataKey{}, data)
}
