package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"firmly-accounts/internal/actor"
	"firmly-accounts/internal/cache"
	"firmly-accounts/internal/locator"
	"firmly-accounts/internal/metrics"
	"firmly-accounts/internal/router"
	"firmly-accounts/internal/saga"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies exposes core dependencies to the gateway handlers.
type Dependencies struct {
	Locator         *locator.Locator
	Orchestrator    *saga.Orchestrator
	Cache           *cache.Redis
	CatalogCacheTTL time.Duration
}

// Server wraps an http.Server exposing the actor and orchestration surface
// to the dashboard backend.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
	basePath   string
}

// New creates the gateway listening on addr with health and metrics
// endpoints, the per-actor forwarding surface and the orchestrated team
// endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, deps Dependencies, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		deps:     deps,
		basePath: normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/actors/", server.handleActorForward)
	mux.HandleFunc("/api/", server.handleOrchestrated)

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// handleActorForward routes /actors/{kind}/{key}/... to the owning actor
// instance through the locator.
func (s *Server) handleActorForward(w http.ResponseWriter, r *http.Request) {
	kind, key, rest, ok := splitActorPath(strings.TrimPrefix(r.URL.Path, "/actors/"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed reading body", http.StatusBadRequest)
		return
	}

	if resp, ok := s.cachedCatalogConfig(r, kind, key, rest); ok {
		writeActorResponse(w, resp)
		return
	}

	resp, err := s.deps.Locator.Call(r.Context(), kind, key, router.Request{
		Method: r.Method,
		Path:   rest,
		Query:  r.URL.Query(),
		Body:   body,
	})
	if err != nil {
		s.logger.Error("actor call failed", "kind", string(kind), "key", key, "error", err)
		http.Error(w, "actor unavailable", http.StatusInternalServerError)
		return
	}

	s.updateCatalogCache(r, kind, key, rest, resp)
	writeActorResponse(w, resp)
}

// cachedCatalogConfig serves merchant catalog-config reads from Redis when a
// fresh copy exists. The cache is nil-safe and strictly optional.
func (s *Server) cachedCatalogConfig(r *http.Request, kind actor.Kind, key, rest string) (router.Response, bool) {
	if s.deps.Cache == nil || r.Method != http.MethodGet || kind != actor.KindMerchant || rest != "/catalog-config" {
		return router.Response{}, false
	}
	var cached json.RawMessage
	hit, err := s.deps.Cache.GetJSON(r.Context(), catalogCacheKey(key), &cached)
	if err != nil {
		s.logger.Warn("catalog cache read failed", "key", key, "error", err)
		return router.Response{}, false
	}
	if !hit {
		return router.Response{}, false
	}
	return router.Response{Status: http.StatusOK, Body: cached}, true
}

func (s *Server) updateCatalogCache(r *http.Request, kind actor.Kind, key, rest string, resp router.Response) {
	if s.deps.Cache == nil || kind != actor.KindMerchant || rest != "/catalog-config" || resp.Status != http.StatusOK {
		return
	}
	switch r.Method {
	case http.MethodGet:
		if err := s.deps.Cache.SetJSON(r.Context(), catalogCacheKey(key), json.RawMessage(resp.Body), s.deps.CatalogCacheTTL); err != nil {
			s.logger.Warn("catalog cache write failed", "key", key, "error", err)
		}
	case http.MethodPost:
		if err := s.deps.Cache.Invalidate(r.Context(), catalogCacheKey(key)); err != nil {
			s.logger.Warn("catalog cache invalidation failed", "key", key, "error", err)
		}
	}
}

func catalogCacheKey(merchant string) string {
	return "catalog-config:" + merchant
}

// handleOrchestrated serves the dual-write team endpoints:
//
//	POST   /api/{kind}/{key}/team-members
//	PUT    /api/{kind}/{key}/team-members/{userId}
//	DELETE /api/{kind}/{key}/team-members/{userId}
//	POST   /api/{kind}/{key}/reset
func (s *Server) handleOrchestrated(w http.ResponseWriter, r *http.Request) {
	kind, key, rest, ok := splitActorPath(strings.TrimPrefix(r.URL.Path, "/api/"))
	if !ok || (kind != actor.KindMerchant && kind != actor.KindDestination) {
		http.NotFound(w, r)
		return
	}
	entity := saga.EntityRef{Kind: kind, Key: key}

	var req struct {
		UserID    string `json:"user_id"`
		UserEmail string `json:"user_email"`
		Role      string `json:"role"`
		Actor     struct {
			ID      string `json:"id"`
			Email   string `json:"email"`
			IsAdmin bool   `json:"is_admin"`
		} `json:"actor"`
	}
	// An absent body is fine (reset takes none); a malformed one is not.
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && err != io.EOF {
			writeJSONStatus(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
			return
		}
	}
	by := saga.Identity{ID: req.Actor.ID, Email: req.Actor.Email, IsAdmin: req.Actor.IsAdmin}

	switch {
	case r.Method == http.MethodPost && rest == "/reset":
		result, err := s.deps.Orchestrator.ResetEntity(r.Context(), entity)
		if err != nil {
			writeJSONStatus(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, result)

	case r.Method == http.MethodPost && rest == "/team-members":
		member := saga.Member{UserID: req.UserID, UserEmail: req.UserEmail, Role: req.Role}
		outcome, err := s.deps.Orchestrator.AddTeamMember(r.Context(), entity, member, by)
		s.writeOutcome(w, outcome, err)

	case r.Method == http.MethodPut && strings.HasPrefix(rest, "/team-members/"):
		member := saga.Member{UserID: strings.TrimPrefix(rest, "/team-members/"), UserEmail: req.UserEmail, Role: req.Role}
		outcome, err := s.deps.Orchestrator.UpdateTeamMemberRole(r.Context(), entity, member, by)
		s.writeOutcome(w, outcome, err)

	case r.Method == http.MethodDelete && strings.HasPrefix(rest, "/team-members/"):
		userID := strings.TrimPrefix(rest, "/team-members/")
		outcome, err := s.deps.Orchestrator.RemoveTeamMember(r.Context(), entity, userID, by)
		s.writeOutcome(w, outcome, err)

	default:
		http.NotFound(w, r)
	}
}

// writeOutcome reports the saga's terminal state. Anything other than a full
// apply is a failure the caller must treat as possibly needing manual
// reconciliation.
func (s *Server) writeOutcome(w http.ResponseWriter, outcome saga.Outcome, err error) {
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]any{
			"outcome": string(outcome),
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, map[string]any{"outcome": string(outcome)})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// splitActorPath parses "{kind}/{key}/rest..." into its parts.
func splitActorPath(path string) (actor.Kind, string, string, bool) {
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	kind := actor.Kind(parts[0])
	switch kind {
	case actor.KindUser, actor.KindMerchant, actor.KindDestination:
		return kind, parts[1], "/" + parts[2], true
	}
	return "", "", "", false
}

func writeActorResponse(w http.ResponseWriter, resp router.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
