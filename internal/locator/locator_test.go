package locator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"firmly-accounts/internal/actor"
	"firmly-accounts/internal/router"
)

func newTestLocator(t *testing.T) *Locator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(Config{DataDir: t.TempDir()}, logger, nil)
	t.Cleanup(l.Close)
	return l
}

func call(t *testing.T, l *Locator, kind actor.Kind, key, method, path string, body []byte) router.Response {
	t.Helper()
	resp, err := l.Call(context.Background(), kind, key, router.Request{Method: method, Path: path, Body: body})
	if err != nil {
		t.Fatalf("call %s %s: %v", method, path, err)
	}
	return resp
}

func TestStatePersistsAcrossCalls(t *testing.T) {
	l := newTestLocator(t)

	resp := call(t, l, actor.KindUser, "u1", "PUT", "/profile", []byte(`{"name":"Ada"}`))
	if resp.Status != 200 {
		t.Fatalf("write profile: %d: %s", resp.Status, resp.Body)
	}

	resp = call(t, l, actor.KindUser, "u1", "GET", "/profile", nil)
	var profile map[string]any
	if err := json.Unmarshal(resp.Body, &profile); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if profile["name"] != "Ada" {
		t.Fatalf("expected same instance across calls, got %v", profile)
	}
}

func TestActorsAreIsolatedByKey(t *testing.T) {
	l := newTestLocator(t)

	call(t, l, actor.KindUser, "u1", "PUT", "/profile", []byte(`{"name":"Ada"}`))

	resp := call(t, l, actor.KindUser, "u2", "GET", "/profile", nil)
	var profile map[string]any
	if err := json.Unmarshal(resp.Body, &profile); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if len(profile) != 0 {
		t.Fatalf("expected empty profile for a different key, got %v", profile)
	}
}

func TestActorsAreIsolatedByKind(t *testing.T) {
	l := newTestLocator(t)

	// Same key, different kind: merchant routes must not see user state.
	call(t, l, actor.KindUser, "shared", "PUT", "/profile", []byte(`{"name":"Ada"}`))
	resp := call(t, l, actor.KindMerchant, "shared", "GET", "/profile", nil)
	if resp.Status != 404 {
		t.Fatalf("merchant actor has no profile route, got %d: %s", resp.Status, resp.Body)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	l := newTestLocator(t)
	if _, err := l.Call(context.Background(), actor.KindUser, "", router.Request{Method: "GET", Path: "/profile"}); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestKeySanitizationKeepsDistinctFiles(t *testing.T) {
	l := newTestLocator(t)

	call(t, l, actor.KindMerchant, "shop.example", "POST", "/team", []byte(`{"user_id":"u1","user_email":"a@example.com","role":"admin"}`))

	resp := call(t, l, actor.KindMerchant, "other.example", "GET", "/team", nil)
	var team []actor.TeamMember
	if err := json.Unmarshal(resp.Body, &team); err != nil {
		t.Fatalf("decode team: %v", err)
	}
	if len(team) != 0 {
		t.Fatalf("expected isolated roster, got %+v", team)
	}
}
