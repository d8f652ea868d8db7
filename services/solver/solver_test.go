package solver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"streamgate/services/cache"
)

func newSolverStub(t *testing.T, sessions *int32, solves *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad solver request: %v", err)
		}
		switch req["cmd"] {
		case "sessions.create":
			atomic.AddInt32(sessions, 1)
			json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		case "request.get", "request.post":
			atomic.AddInt32(solves, 1)
			json.NewEncoder(w).Encode(map[string]any{
				"status": "ok",
				"solution": map[string]any{
					"url":      req["url"],
					"status":   200,
					"response": "<html>real page</html>",
					"cookies": []map[string]any{
						{"name": "cf_clearance", "value": "clear-123", "domain": "example.com"},
					},
					"userAgent": "solver-agent",
				},
			})
		default:
			t.Errorf("unexpected cmd %v", req["cmd"])
		}
	}))
}

func TestSolvePersistsClearance(t *testing.T) {
	var sessions, solves int32
	stub := newSolverStub(t, &sessions, &solves)
	defer stub.Close()

	fabric := cache.NewFabric(nil, 0)
	c := NewClient(stub.URL, fabric, time.Minute, time.Minute)

	solution, err := c.Solve(context.Background(), "https://example.com/page", SolveOptions{})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if solution.Body == "" || solution.UserAgent != "solver-agent" {
		t.Fatalf("unexpected solution: %+v", solution)
	}

	cookie, ok := c.Clearance("example.com")
	if !ok || cookie.CFClearance != "clear-123" {
		t.Fatalf("expected persisted clearance, got %+v (ok=%v)", cookie, ok)
	}
	if cookie.UserAgent != "solver-agent" {
		t.Fatalf("clearance must carry the solver user agent, got %q", cookie.UserAgent)
	}
}

func TestSessionReuse(t *testing.T) {
	var sessions, solves int32
	stub := newSolverStub(t, &sessions, &solves)
	defer stub.Close()

	c := NewClient(stub.URL, cache.NewFabric(nil, 0), time.Minute, time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := c.Solve(context.Background(), "https://example.com/p", SolveOptions{}); err != nil {
			t.Fatalf("solve %d failed: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&sessions); got != 1 {
		t.Fatalf("expected one session for repeated solves, got %d", got)
	}
	if got := atomic.LoadInt32(&solves); got != 3 {
		t.Fatalf("expected three solves, got %d", got)
	}
}

func TestFailedSolveInvalidatesSession(t *testing.T) {
	var calls int32
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["cmd"] == "sessions.create" {
			atomic.AddInt32(&calls, 1)
			json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "error", "message": "challenge failed"})
	}))
	defer stub.Close()

	c := NewClient(stub.URL, cache.NewFabric(nil, 0), time.Minute, time.Minute)
	if _, err := c.Solve(context.Background(), "https://example.com/p", SolveOptions{}); err == nil {
		t.Fatalf("expected solve failure")
	}
	if _, err := c.Solve(context.Background(), "https://example.com/p", SolveOptions{}); err == nil {
		t.Fatalf("expected solve failure")
	}
	// Session was invalidated after the first failure, so a fresh one is
	// created for the second attempt.
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected session re-create after failed solve, got %d creates", got)
	}
}

func TestUnconfiguredSolver(t *testing.T) {
	c := NewClient("", nil, 0, 0)
	if _, err := c.Solve(context.Background(), "https://example.com", SolveOptions{}); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
