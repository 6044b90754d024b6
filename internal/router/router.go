package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Request is the HTTP-shaped envelope an actor receives from the locator.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

// Response carries the status and JSON body produced by a dispatched handler.
type Response struct {
	Status int
	Body   []byte
}

// Page carries pagination query parameters for handlers that declare WantsPage.
type Page struct {
	Limit  int
	Offset int
}

// Call is the argument bundle built by Dispatch for a matched handler:
// bound path parameters, the raw (pre-validated) JSON body, and any
// handler-specific query parameters.
type Call struct {
	Params       map[string]string
	Body         []byte
	Query        url.Values
	Page         Page
	IncludeAdmin bool
}

// HandlerFunc processes a matched request against the owning actor's store.
type HandlerFunc func(ctx context.Context, call Call) (any, error)

// Route declares one entry of an actor's route table. Matching is
// first-match-wins in declaration order, so literal paths must be declared
// before parameterized siblings that would shadow them
// (e.g. /sessions/all before /sessions/:id).
type Route struct {
	Method         string
	Pattern        string
	Handler        HandlerFunc
	NeedsBody      bool
	WantsPage      bool
	WantsAdminFlag bool
}

// ErrNotFound marks an update/delete/get against a missing key. It is never
// conflated with an empty-but-present collection.
var ErrNotFound = errors.New("not found")

// ConflictError rejects a write that collides with existing state and carries
// that state back to the caller.
type ConflictError struct {
	Message string
	Current any
}

func (e *ConflictError) Error() string { return e.Message }

// ValidationError rejects malformed input before it reaches storage.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

const defaultPageLimit = 50

// Dispatch finds the first route matching the request and invokes its
// handler. The second return is false when no route matched, so the caller
// can fall through to its own 404.
func Dispatch(ctx context.Context, routes []Route, req Request) (Response, bool) {
	segments := splitPath(req.Path)

	for _, route := range routes {
		if route.Method != req.Method {
			continue
		}
		params, ok := matchPattern(route.Pattern, segments)
		if !ok {
			continue
		}

		call := Call{Params: params, Query: req.Query}
		if route.NeedsBody {
			var parsed any
			if len(req.Body) == 0 || json.Unmarshal(req.Body, &parsed) != nil {
				return errorResponse(&ValidationError{Message: "invalid json body"}), true
			}
			call.Body = req.Body
		}
		if route.WantsPage {
			call.Page = parsePage(req.Query)
		}
		if route.WantsAdminFlag {
			call.IncludeAdmin = parseBool(req.Query.Get("includeFirmlyAdmin"))
		}

		result, err := route.Handler(ctx, call)
		if err != nil {
			return errorResponse(err), true
		}
		return okResponse(result), true
	}

	return Response{}, false
}

// NotFoundResponse is what callers return when Dispatch reports no match.
func NotFoundResponse() Response {
	return Response{Status: 404, Body: mustJSON(map[string]any{"error": "route not found"})}
}

// FailureResponse reports a storage or initialization failure for one request.
func FailureResponse(err error) Response {
	return Response{Status: 500, Body: mustJSON(map[string]any{"error": err.Error()})}
}

func okResponse(result any) Response {
	if result == nil {
		result = map[string]any{"success": true}
	}
	return Response{Status: 200, Body: mustJSON(result)}
}

func errorResponse(err error) Response {
	var conflict *ConflictError
	var invalid *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		return Response{Status: 404, Body: mustJSON(map[string]any{"error": err.Error()})}
	case errors.As(err, &conflict):
		return Response{Status: 409, Body: mustJSON(map[string]any{"error": conflict.Message, "current": conflict.Current})}
	case errors.As(err, &invalid):
		return Response{Status: 400, Body: mustJSON(map[string]any{"error": invalid.Message})}
	default:
		// Generic failure with the error message, never a stack trace.
		return Response{Status: 500, Body: mustJSON(map[string]any{"error": err.Error()})}
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// matchPattern matches path segments against a pattern with exact segment
// count. Literal segments compare byte-for-byte after percent-decoding;
// :name segments bind the decoded value.
func matchPattern(pattern string, segments []string) (map[string]string, bool) {
	patternSegs := splitPath(pattern)
	if len(patternSegs) != len(segments) {
		return nil, false
	}
	params := map[string]string{}
	for i, ps := range patternSegs {
		decoded := decodeSegment(segments[i])
		if strings.HasPrefix(ps, ":") {
			params[ps[1:]] = decoded
			continue
		}
		if ps != decoded {
			return nil, false
		}
	}
	return params, true
}

func decodeSegment(seg string) string {
	decoded, err := url.PathUnescape(seg)
	if err != nil {
		return seg
	}
	return decoded
}

func parsePage(q url.Values) Page {
	page := Page{Limit: defaultPageLimit}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		page.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		page.Offset = v
	}
	return page
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return data
}
