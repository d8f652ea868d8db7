package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamgate/services/cache"
)

// ErrNotConfigured is returned when no solver URL is set. Callers absorb it
// the same way as a failed solve.
var ErrNotConfigured = errors.New("solver: no solver url configured")

// Solution is the outcome of one solve: the rendered body plus whatever the
// browser session accumulated.
type Solution struct {
	Body      string
	FinalURL  string
	Status    int
	Cookies   []Cookie
	UserAgent string
}

type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
}

// ClearanceCookie is the persisted cf_cookie:{domain} record.
type ClearanceCookie struct {
	CFClearance string `json:"cfClearance"`
	UserAgent   string `json:"userAgent"`
	Timestamp   int64  `json:"timestamp"`
}

// SolveOptions mirror the solver's request surface.
type SolveOptions struct {
	Method   string
	PostData string
	Timeout  time.Duration
}

// Client wraps an external FlareSolverr-compatible challenge-solving
// service. Sessions are pooled per domain; a solve is expensive, so callers
// invoke this only after observing a challenge signature (solver-first
// providers excepted).
type Client struct {
	baseURL    string
	httpClient *http.Client
	fabric     *cache.Fabric
	sessionTTL time.Duration
	cookieTTL  time.Duration

	mu       sync.Mutex
	sessions map[string]sessionEntry
}

type sessionEntry struct {
	id        string
	createdAt time.Time
}

func NewClient(baseURL string, fabric *cache.Fabric, sessionTTL, cookieTTL time.Duration) *Client {
	if sessionTTL <= 0 {
		sessionTTL = 10 * time.Minute
	}
	if cookieTTL <= 0 {
		cookieTTL = 25 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 90 * time.Second},
		fabric:     fabric,
		sessionTTL: sessionTTL,
		cookieTTL:  cookieTTL,
		sessions:   make(map[string]sessionEntry),
	}
}

// Configured reports whether a solver endpoint is available.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

type solverRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url,omitempty"`
	Session    string `json:"session,omitempty"`
	PostData   string `json:"postData,omitempty"`
	MaxTimeout int    `json:"maxTimeout,omitempty"`
}

type solverResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		URL       string   `json:"url"`
		Status    int      `json:"status"`
		Response  string   `json:"response"`
		Cookies   []Cookie `json:"cookies"`
		UserAgent string   `json:"userAgent"`
	} `json:"solution"`
}

// Solve runs the challenge flow for url. On success the cf_clearance cookie
// is persisted under cf_cookie:{domain} so direct fetches can reuse it for
// the cookie TTL.
func (c *Client) Solve(ctx context.Context, rawURL string, opts SolveOptions) (*Solution, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	domain := domainOf(rawURL)
	session, err := c.session(ctx, domain)
	if err != nil {
		return nil, err
	}

	cmd := "request.get"
	if strings.EqualFold(opts.Method, http.MethodPost) {
		cmd = "request.post"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	resp, err := c.call(ctx, solverRequest{
		Cmd:        cmd,
		URL:        rawURL,
		Session:    session,
		PostData:   opts.PostData,
		MaxTimeout: int(timeout.Milliseconds()),
	})
	if err != nil {
		// A dead session poisons every later solve against the domain.
		c.invalidateSession(domain)
		return nil, err
	}

	solution := &Solution{
		Body:      resp.Solution.Response,
		FinalURL:  resp.Solution.URL,
		Status:    resp.Solution.Status,
		Cookies:   resp.Solution.Cookies,
		UserAgent: resp.Solution.UserAgent,
	}
	c.persistClearance(domain, solution)
	return solution, nil
}

// Clearance returns a previously persisted cf_clearance cookie for the
// domain, if still live.
func (c *Client) Clearance(domain string) (*ClearanceCookie, bool) {
	if c == nil || c.fabric == nil {
		return nil, false
	}
	raw, hit := c.fabric.Get(cache.NSCFCookie, domain)
	if !hit || raw == nil {
		return nil, false
	}
	var cookie ClearanceCookie
	if err := json.Unmarshal(raw, &cookie); err != nil {
		return nil, false
	}
	return &cookie, true
}

// Invalidate drops the persisted clearance after a challenge was observed
// despite the cookie.
func (c *Client) Invalidate(domain string) {
	if c != nil && c.fabric != nil {
		c.fabric.Delete(cache.NSCFCookie, domain)
	}
}

func (c *Client) persistClearance(domain string, s *Solution) {
	if c.fabric == nil {
		return
	}
	for _, cookie := range s.Cookies {
		if cookie.Name != "cf_clearance" {
			continue
		}
		record, err := json.Marshal(ClearanceCookie{
			CFClearance: cookie.Value,
			UserAgent:   s.UserAgent,
			Timestamp:   time.Now().Unix(),
		})
		if err == nil {
			c.fabric.Set(cache.NSCFCookie, domain, record, c.cookieTTL)
			log.Printf("[solver] persisted cf_clearance for %s", domain)
		}
		return
	}
}

// session returns the pooled session id for the domain, creating one via
// sessions.create on first use. The check-then-insert runs under the mutex
// so concurrent solvers agree on a single session.
func (c *Client) session(ctx context.Context, domain string) (string, error) {
	c.mu.Lock()
	if e, ok := c.sessions[domain]; ok && time.Since(e.createdAt) < c.sessionTTL {
		c.mu.Unlock()
		return e.id, nil
	}
	c.mu.Unlock()

	id := "streamgate-" + uuid.NewString()
	if _, err := c.call(ctx, solverRequest{Cmd: "sessions.create", Session: id}); err != nil {
		return "", fmt.Errorf("create solver session for %s: %w", domain, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.sessions[domain]; ok && time.Since(e.createdAt) < c.sessionTTL {
		// Lost the race; the winner's session is already live.
		return e.id, nil
	}
	c.sessions[domain] = sessionEntry{id: id, createdAt: time.Now()}
	return id, nil
}

func (c *Client) invalidateSession(domain string) {
	c.mu.Lock()
	delete(c.sessions, domain)
	c.mu.Unlock()
}

func (c *Client) call(ctx context.Context, req solverRequest) (*solverResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("solver %s: %w", req.Cmd, err)
	}
	defer httpResp.Body.Close()

	var resp solverResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("solver %s: decode: %w", req.Cmd, err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("solver %s: %s", req.Cmd, resp.Message)
	}
	return &resp, nil
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}
