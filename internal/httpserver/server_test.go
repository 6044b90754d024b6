package httpserver

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"firmly-accounts/internal/locator"
	"firmly-accounts/internal/logging"
	"firmly-accounts/internal/saga"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logging.NewLoggerTo(io.Discard, "error")
	l := locator.New(locator.Config{DataDir: t.TempDir()}, logger, nil)
	t.Cleanup(l.Close)
	return New(":0", logger, nil, Dependencies{
		Locator:      l,
		Orchestrator: saga.New(l, logger, nil),
	}, "")
}

func TestOrchestratedRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/merchant/shop.example/team-members", strings.NewReader("{not json"))
	s.handleOrchestrated(w, r)

	if w.Code != 400 {
		t.Fatalf("expected 400 for malformed body, got %d: %s", w.Code, w.Body)
	}
}

func TestOrchestratedAddTeamMember(t *testing.T) {
	s := newTestServer(t)

	body := `{"user_id":"u1","user_email":"a@example.com","role":"admin","actor":{"id":"op","email":"op@example.com"}}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/merchant/shop.example/team-members", strings.NewReader(body))
	s.handleOrchestrated(w, r)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	var result map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result["outcome"] != "applied" {
		t.Fatalf("expected applied outcome, got %v", result)
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest("GET", "/actors/merchant/shop.example/team", nil)
	s.handleActorForward(w, r)
	if w.Code != 200 || !strings.Contains(w.Body.String(), `"user_id":"u1"`) {
		t.Fatalf("expected roster row through the forward path, got %d: %s", w.Code, w.Body)
	}
}

func TestOrchestratedResetWithoutBody(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/merchant/shop.example/reset", nil)
	s.handleOrchestrated(w, r)

	if w.Code != 200 {
		t.Fatalf("body-less reset must succeed, got %d: %s", w.Code, w.Body)
	}
}

func TestOrchestratedUnknownKindIs404(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/user/u1/team-members", strings.NewReader(`{}`))
	s.handleOrchestrated(w, r)

	if w.Code != 404 {
		t.Fatalf("user actors have no orchestrated surface, got %d", w.Code)
	}
}
