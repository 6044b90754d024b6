package router

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
)

func echoHandler(name string) HandlerFunc {
	return func(ctx context.Context, call Call) (any, error) {
		return map[string]any{"handler": name, "params": call.Params}, nil
	}
}

func decodeBody(t *testing.T, resp Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return out
}

func TestLiteralRouteWinsOverParameterized(t *testing.T) {
	routes := []Route{
		{Method: "DELETE", Pattern: "/sessions/all", Handler: echoHandler("all")},
		{Method: "DELETE", Pattern: "/sessions/:id", Handler: echoHandler("one")},
	}

	resp, ok := Dispatch(context.Background(), routes, Request{Method: "DELETE", Path: "/sessions/all"})
	if !ok {
		t.Fatal("expected a match")
	}
	if got := decodeBody(t, resp)["handler"]; got != "all" {
		t.Fatalf("expected literal route, got %v", got)
	}

	resp, ok = Dispatch(context.Background(), routes, Request{Method: "DELETE", Path: "/sessions/abc123"})
	if !ok {
		t.Fatal("expected a match")
	}
	body := decodeBody(t, resp)
	if body["handler"] != "one" {
		t.Fatalf("expected parameterized route, got %v", body["handler"])
	}
	params := body["params"].(map[string]any)
	if params["id"] != "abc123" {
		t.Fatalf("expected id param bound, got %v", params["id"])
	}
}

func TestPercentDecodedSegments(t *testing.T) {
	routes := []Route{
		{Method: "DELETE", Pattern: "/merchant-access/:domain", Handler: echoHandler("grant")},
	}

	resp, ok := Dispatch(context.Background(), routes, Request{Method: "DELETE", Path: "/merchant-access/shop%2Eexample%2Ecom"})
	if !ok {
		t.Fatal("expected a match")
	}
	params := decodeBody(t, resp)["params"].(map[string]any)
	if params["domain"] != "shop.example.com" {
		t.Fatalf("expected decoded param, got %v", params["domain"])
	}
}

func TestNoMatchFallsThrough(t *testing.T) {
	routes := []Route{
		{Method: "GET", Pattern: "/profile", Handler: echoHandler("profile")},
	}

	if _, ok := Dispatch(context.Background(), routes, Request{Method: "GET", Path: "/profile/extra"}); ok {
		t.Fatal("segment count mismatch should not match")
	}
	if _, ok := Dispatch(context.Background(), routes, Request{Method: "POST", Path: "/profile"}); ok {
		t.Fatal("method mismatch should not match")
	}
}

func TestMalformedBodyRejectedBeforeHandler(t *testing.T) {
	called := false
	routes := []Route{
		{Method: "POST", Pattern: "/team", NeedsBody: true, Handler: func(ctx context.Context, call Call) (any, error) {
			called = true
			return nil, nil
		}},
	}

	resp, ok := Dispatch(context.Background(), routes, Request{Method: "POST", Path: "/team", Body: []byte("{not json")})
	if !ok {
		t.Fatal("expected a match")
	}
	if resp.Status != 400 {
		t.Fatalf("expected 400, got %d", resp.Status)
	}
	if called {
		t.Fatal("handler must not run on malformed body")
	}
}

func TestErrorMapping(t *testing.T) {
	routes := []Route{
		{Method: "GET", Pattern: "/missing", Handler: func(ctx context.Context, call Call) (any, error) {
			return nil, ErrNotFound
		}},
		{Method: "POST", Pattern: "/conflict", Handler: func(ctx context.Context, call Call) (any, error) {
			return nil, &ConflictError{Message: "already signed", Current: map[string]any{"version": "v1"}}
		}},
	}

	resp, _ := Dispatch(context.Background(), routes, Request{Method: "GET", Path: "/missing"})
	if resp.Status != 404 {
		t.Fatalf("expected 404, got %d", resp.Status)
	}

	resp, _ = Dispatch(context.Background(), routes, Request{Method: "POST", Path: "/conflict"})
	if resp.Status != 409 {
		t.Fatalf("expected 409, got %d", resp.Status)
	}
	body := decodeBody(t, resp)
	current := body["current"].(map[string]any)
	if current["version"] != "v1" {
		t.Fatalf("conflict should carry current state, got %v", body)
	}
}

func TestPaginationAndAdminFlag(t *testing.T) {
	var got Call
	routes := []Route{
		{Method: "GET", Pattern: "/audit-logs", WantsPage: true, WantsAdminFlag: true, Handler: func(ctx context.Context, call Call) (any, error) {
			got = call
			return nil, nil
		}},
	}

	q := url.Values{}
	q.Set("limit", "10")
	q.Set("offset", "20")
	q.Set("includeFirmlyAdmin", "true")
	if _, ok := Dispatch(context.Background(), routes, Request{Method: "GET", Path: "/audit-logs", Query: q}); !ok {
		t.Fatal("expected a match")
	}
	if got.Page.Limit != 10 || got.Page.Offset != 20 {
		t.Fatalf("unexpected page: %+v", got.Page)
	}
	if !got.IncludeAdmin {
		t.Fatal("expected admin flag set")
	}
}
