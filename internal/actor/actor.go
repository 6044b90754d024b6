package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"firmly-accounts/internal/metrics"
	"firmly-accounts/internal/router"
	"firmly-accounts/internal/store"
	"firmly-accounts/migrations"
)

// Kind selects one of the three actor instantiations.
type Kind string

const (
	KindUser        Kind = "user"
	KindMerchant    Kind = "merchant"
	KindDestination Kind = "destination"
)

// DefaultInviteTTL is the pending-invite lifetime when none is configured.
const DefaultInviteTTL = 7 * 24 * time.Hour

const defaultSessionTTL = 30 * 24 * time.Hour

// Actor is one isolated unit of state addressed by a single logical key. It
// owns its SQLite store exclusively and processes requests one at a time.
type Actor struct {
	kind      Kind
	key       string
	dbPath    string
	inviteTTL time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu     sync.Mutex
	store  *store.Store
	ready  bool
	routes []router.Route
}

// Config carries construction parameters for one actor instance.
type Config struct {
	Kind      Kind
	Key       string
	DBPath    string
	InviteTTL time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// New builds an actor of the configured kind. The store is opened and
// migrated lazily on the first request.
func New(cfg Config) *Actor {
	a := &Actor{
		kind:      cfg.Kind,
		key:       cfg.Key,
		dbPath:    cfg.DBPath,
		inviteTTL: cfg.InviteTTL,
		logger:    cfg.Logger.With("component", "actor", "kind", string(cfg.Kind), "key", cfg.Key),
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
	if a.inviteTTL <= 0 {
		a.inviteTTL = DefaultInviteTTL
	}

	switch cfg.Kind {
	case KindUser:
		a.routes = a.userRoutes()
	case KindMerchant:
		a.routes = a.merchantRoutes()
	case KindDestination:
		a.routes = a.destinationRoutes()
	}
	return a
}

// Handle processes one HTTP-shaped request against the actor's store. The
// mutex guarantees at most one request runs against a given instance at a
// time, and queues requests arriving while the schema is still initializing.
func (a *Actor) Handle(ctx context.Context, req router.Request) router.Response {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureReady(ctx); err != nil {
		a.logger.Error("schema initialization failed", "error", err)
		if a.metrics != nil {
			a.metrics.StoreErrors.WithLabelValues(string(a.kind)).Inc()
		}
		return router.FailureResponse(fmt.Errorf("storage unavailable: %w", err))
	}

	start := a.now()
	resp, matched := router.Dispatch(ctx, a.routes, req)
	if !matched {
		resp = router.NotFoundResponse()
	}
	if a.metrics != nil {
		a.metrics.ActorRequests.WithLabelValues(string(a.kind), req.Method, strconv.Itoa(resp.Status)).Inc()
		a.metrics.ActorLatency.WithLabelValues(string(a.kind)).Observe(time.Since(start).Seconds())
	}
	return resp
}

// Close releases the actor's store.
func (a *Actor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	a.ready = false
	return err
}

func (a *Actor) ensureReady(ctx context.Context) error {
	if a.ready {
		return nil
	}
	if a.store == nil {
		st, err := store.Open(ctx, a.dbPath, a.logger)
		if err != nil {
			return err
		}
		a.store = st
	}
	if err := a.store.InitSchema(ctx, migrations.Files, string(a.kind)+".sql"); err != nil {
		return err
	}
	if a.kind == KindMerchant || a.kind == KindDestination {
		// Additive migrations against audit_logs tables that may predate
		// these columns; duplicate-column is swallowed by the store.
		if err := a.store.AddColumn(ctx, "audit_logs", "is_firmly_admin", "INTEGER NOT NULL DEFAULT 0"); err != nil {
			return err
		}
		if err := a.store.AddColumn(ctx, "audit_logs", "actor_type", "TEXT NOT NULL DEFAULT 'user'"); err != nil {
			return err
		}
	}
	a.ready = true
	return nil
}

func (a *Actor) bind(call router.Call, dst any) error {
	if err := json.Unmarshal(call.Body, dst); err != nil {
		return &router.ValidationError{Message: fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}

func (a *Actor) nowUTC() time.Time {
	return a.now().UTC()
}
