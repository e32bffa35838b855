package jwtauth

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
)

// NewKeyFile constructs an Authenticator that verifies tokens against a
// PEM-encoded public key read from path. The file is watched and reloaded
// on change, so keys can be rotated without restarting the server. The
// watcher stops when ctx is cancelled.
func NewKeyFile(ctx context.Context, cfg *Config, path string) (*Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if path == "" {
		return nil, errors.New("key file path required")
	}
	cfg.applyDefaults()

	src := &fileKeySource{path: path}
	if err := src.reload(); err != nil {
		return nil, err
	}
	go src.watch(ctx)

	return &Authenticator{cfg: cfg, keyfunc: guardAlgs(cfg, src.keyfunc)}, nil
}

// fileKeySource holds the currently loaded public key behind a lock so the
// watcher can swap it while verifications are in flight.
type fileKeySource struct {
	path string

	mu  sync.RWMutex
	key any
}

func (s *fileKeySource) keyfunc(t *jwt.Token) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, errors.New("no key loaded")
	}
	return s.key, nil
}

func (s *fileKeySource) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return fmt.Errorf("no PEM block in %s", s.path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}

	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
	return nil
}

func (s *fileKeySource) watch(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("fsnotify unavailable", slog.String("err", err.Error()))
		return
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()

	if err := w.Add(s.path); err != nil {
		slog.Debug("fsnotify add failed", slog.String("err", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				if err := s.reload(); err != nil {
					// Keep serving the previous key on a bad write.
					slog.Warn("key file reload failed", slog.String("err", err.Error()))
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Debug("fsnotify error", slog.String("err", err.Error()))
		}
	}
}
