package actor

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"firmly-accounts/internal/logging"
	"firmly-accounts/internal/router"
)

func newTestActor(t *testing.T, kind Kind) *Actor {
	t.Helper()
	logger := logging.NewLoggerTo(io.Discard, "error")
	a := New(Config{
		Kind:   kind,
		Key:    "test-" + string(kind),
		DBPath: filepath.Join(t.TempDir(), string(kind)+".db"),
		Logger: logger,
	})
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("close actor: %v", err)
		}
	})
	return a
}

func do(t *testing.T, a *Actor, method, path string, body any, query url.Values) router.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = data
	}
	if query == nil {
		query = url.Values{}
	}
	return a.Handle(context.Background(), router.Request{Method: method, Path: path, Query: query, Body: payload})
}

func decode[T any](t *testing.T, resp router.Response) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		t.Fatalf("decode response %s: %v", resp.Body, err)
	}
	return out
}

func requireStatus(t *testing.T, resp router.Response, want int) {
	t.Helper()
	if resp.Status != want {
		t.Fatalf("expected status %d, got %d: %s", want, resp.Status, resp.Body)
	}
}

func TestProfileShallowMerge(t *testing.T) {
	a := newTestActor(t, KindUser)

	requireStatus(t, do(t, a, "PUT", "/profile", map[string]any{"a": float64(1)}, nil), 200)
	requireStatus(t, do(t, a, "PUT", "/profile", map[string]any{"b": float64(2)}, nil), 200)

	doc := decode[map[string]any](t, do(t, a, "GET", "/profile", nil, nil))
	if doc["a"] != float64(1) || doc["b"] != float64(2) {
		t.Fatalf("expected merged document, got %v", doc)
	}

	requireStatus(t, do(t, a, "PUT", "/profile", map[string]any{"a": float64(3)}, nil), 200)
	doc = decode[map[string]any](t, do(t, a, "GET", "/profile", nil, nil))
	if doc["a"] != float64(3) || doc["b"] != float64(2) {
		t.Fatalf("expected last-write-wins per key, got %v", doc)
	}
}

func TestPreferencesIndependentOfProfile(t *testing.T) {
	a := newTestActor(t, KindUser)

	requireStatus(t, do(t, a, "PUT", "/preferences", map[string]any{"theme": "dark"}, nil), 200)
	profile := decode[map[string]any](t, do(t, a, "GET", "/profile", nil, nil))
	if len(profile) != 0 {
		t.Fatalf("profile should stay empty, got %v", profile)
	}
	prefs := decode[map[string]any](t, do(t, a, "GET", "/preferences", nil, nil))
	if prefs["theme"] != "dark" {
		t.Fatalf("expected theme persisted, got %v", prefs)
	}
}

func TestSessionLifecycle(t *testing.T) {
	a := newTestActor(t, KindUser)

	created := decode[Session](t, do(t, a, "POST", "/sessions", map[string]any{
		"device_name": "laptop",
		"device_type": "desktop",
		"ip_address":  "10.0.0.1",
	}, nil))
	if created.ID == "" {
		t.Fatal("expected session id")
	}

	fetched := decode[Session](t, do(t, a, "GET", "/sessions/"+created.ID, nil, nil))
	if fetched.DeviceName != "laptop" {
		t.Fatalf("unexpected session: %+v", fetched)
	}

	touched := decode[Session](t, do(t, a, "PUT", "/sessions/"+created.ID, nil, nil))
	if touched.LastAccessAt.Before(created.LastAccessAt) {
		t.Fatal("expected last_access_at refreshed")
	}

	requireStatus(t, do(t, a, "DELETE", "/sessions/"+created.ID, nil, nil), 200)
	requireStatus(t, do(t, a, "DELETE", "/sessions/"+created.ID, nil, nil), 404)
}

func TestExpiredSessionExcluded(t *testing.T) {
	a := newTestActor(t, KindUser)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }

	short := decode[Session](t, do(t, a, "POST", "/sessions", map[string]any{"ttl_seconds": int64(60)}, nil))
	long := decode[Session](t, do(t, a, "POST", "/sessions", map[string]any{"ttl_seconds": int64(3600)}, nil))

	a.now = func() time.Time { return base.Add(2 * time.Minute) }

	sessions := decode[[]Session](t, do(t, a, "GET", "/sessions", nil, nil))
	if len(sessions) != 1 || sessions[0].ID != long.ID {
		t.Fatalf("expected only the long session, got %+v", sessions)
	}
	requireStatus(t, do(t, a, "GET", "/sessions/"+short.ID, nil, nil), 404)
}

func TestDeleteAllSessionsExcludesOne(t *testing.T) {
	a := newTestActor(t, KindUser)

	keep := decode[Session](t, do(t, a, "POST", "/sessions", map[string]any{"device_name": "keep"}, nil))
	decode[Session](t, do(t, a, "POST", "/sessions", map[string]any{"device_name": "a"}, nil))
	decode[Session](t, do(t, a, "POST", "/sessions", map[string]any{"device_name": "b"}, nil))

	q := url.Values{}
	q.Set("exclude", keep.ID)
	result := decode[map[string]any](t, do(t, a, "DELETE", "/sessions/all", nil, q))
	if result["deleted"] != float64(2) {
		t.Fatalf("expected 2 deleted, got %v", result)
	}

	sessions := decode[[]Session](t, do(t, a, "GET", "/sessions", nil, nil))
	if len(sessions) != 1 || sessions[0].ID != keep.ID {
		t.Fatalf("expected only excluded session to remain, got %+v", sessions)
	}
}

func TestMerchantAccessUpsertIdempotent(t *testing.T) {
	a := newTestActor(t, KindUser)

	requireStatus(t, do(t, a, "POST", "/merchant-access", map[string]any{"merchant_domain": "shop.example.com", "role": "viewer"}, nil), 200)
	requireStatus(t, do(t, a, "POST", "/merchant-access", map[string]any{"merchant_domain": "shop.example.com", "role": "admin"}, nil), 200)

	grants := decode[[]MerchantGrant](t, do(t, a, "GET", "/merchant-access", nil, nil))
	if len(grants) != 1 {
		t.Fatalf("expected one grant row, got %d", len(grants))
	}
	if grants[0].Role != "admin" {
		t.Fatalf("expected latest role, got %s", grants[0].Role)
	}
}

func TestRevokeMissingGrantIsNotFound(t *testing.T) {
	a := newTestActor(t, KindUser)

	requireStatus(t, do(t, a, "DELETE", "/merchant-access/unknown.example.com", nil, nil), 404)
	requireStatus(t, do(t, a, "DELETE", "/destination-access/dest-1", nil, nil), 404)

	// An empty collection is still a 200, distinct from not-found.
	requireStatus(t, do(t, a, "GET", "/merchant-access", nil, nil), 200)
}

func TestPendingInviteExpiry(t *testing.T) {
	a := newTestActor(t, KindUser)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }

	decode[UserInvite](t, do(t, a, "POST", "/pending-invites", map[string]any{
		"merchant_domain": "shop.example.com",
		"role":            "editor",
	}, nil))

	invites := decode[[]UserInvite](t, do(t, a, "GET", "/pending-invites", nil, nil))
	if len(invites) != 1 {
		t.Fatalf("expected one invite, got %d", len(invites))
	}

	// Past the 7 day default lifetime the invite never surfaces again,
	// without any explicit cleanup call in between.
	a.now = func() time.Time { return base.Add(8 * 24 * time.Hour) }
	invites = decode[[]UserInvite](t, do(t, a, "GET", "/pending-invites", nil, nil))
	if len(invites) != 0 {
		t.Fatalf("expected expired invite gone, got %+v", invites)
	}
}

func TestPendingInviteReplacedPerMerchant(t *testing.T) {
	a := newTestActor(t, KindUser)

	first := decode[UserInvite](t, do(t, a, "POST", "/pending-invites", map[string]any{
		"merchant_domain": "shop.example.com",
		"role":            "viewer",
	}, nil))
	second := decode[UserInvite](t, do(t, a, "POST", "/pending-invites", map[string]any{
		"merchant_domain": "shop.example.com",
		"role":            "admin",
	}, nil))

	invites := decode[[]UserInvite](t, do(t, a, "GET", "/pending-invites", nil, nil))
	if len(invites) != 1 {
		t.Fatalf("expected a single invite per merchant, got %d", len(invites))
	}
	if invites[0].Token == first.Token || invites[0].Token != second.Token {
		t.Fatalf("expected the re-invite to replace the original, got %+v", invites[0])
	}
	if invites[0].Role != "admin" {
		t.Fatalf("expected latest role, got %s", invites[0].Role)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	a := newTestActor(t, KindUser)
	requireStatus(t, do(t, a, "GET", "/agreement", nil, nil), 404)
}
