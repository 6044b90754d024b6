package locator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"firmly-accounts/internal/actor"
	"firmly-accounts/internal/metrics"
	"firmly-accounts/internal/router"
)

// Caller routes an HTTP-shaped request to the actor instance owning the
// logical key. The orchestrator depends on this interface rather than the
// concrete locator so failure injection stays possible in tests.
type Caller interface {
	Call(ctx context.Context, kind actor.Kind, key string, req router.Request) (router.Response, error)
}

// Locator maps (kind, key) to an exclusively-owned actor instance, creating
// instances lazily. One instance per key, consistently routed; there is no
// connection pool shared across keys.
type Locator struct {
	dataDir   string
	inviteTTL time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	actors map[string]*actor.Actor
}

// Config carries construction parameters for the locator.
type Config struct {
	DataDir   string
	InviteTTL time.Duration
}

// New builds an empty locator rooted at cfg.DataDir.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Locator {
	return &Locator{
		dataDir:   cfg.DataDir,
		inviteTTL: cfg.InviteTTL,
		logger:    logger.With("component", "locator"),
		metrics:   m,
		actors:    map[string]*actor.Actor{},
	}
}

// Call resolves the actor for (kind, key) and forwards the request.
func (l *Locator) Call(ctx context.Context, kind actor.Kind, key string, req router.Request) (router.Response, error) {
	if key == "" {
		return router.Response{}, fmt.Errorf("empty actor key")
	}
	a, err := l.resolve(kind, key)
	if err != nil {
		return router.Response{}, err
	}
	return a.Handle(ctx, req), nil
}

func (l *Locator) resolve(kind actor.Kind, key string) (*actor.Actor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := string(kind) + "/" + key
	if a, ok := l.actors[id]; ok {
		return a, nil
	}

	dir := filepath.Join(l.dataDir, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create actor dir: %w", err)
	}

	a := actor.New(actor.Config{
		Kind:      kind,
		Key:       key,
		DBPath:    filepath.Join(dir, sanitizeKey(key)+".db"),
		InviteTTL: l.inviteTTL,
		Logger:    l.logger,
		Metrics:   l.metrics,
	})
	l.actors[id] = a
	l.logger.Debug("actor instantiated", "kind", string(kind), "key", key)
	return a, nil
}

// Close releases every instantiated actor's store.
func (l *Locator) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, a := range l.actors {
		if err := a.Close(); err != nil {
			l.logger.Warn("failed closing actor", "actor", id, "error", err)
		}
	}
	l.actors = map[string]*actor.Actor{}
}

// sanitizeKey keeps actor keys filesystem-safe; distinct keys that collide
// after sanitization are not expected (keys are domains, ids and app ids).
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}
