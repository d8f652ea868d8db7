package extractors

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"streamgate/services/fetch"
	"streamgate/services/solver"
)

// FetchPage fetches a provider page, escalating to the challenge solver only
// after observing a challenge signature. A persisted cf_clearance cookie is
// attached to direct fetches while it lives; observing a challenge despite
// the cookie invalidates it.
func (d Deps) FetchPage(ctx context.Context, rawURL string) (*fetch.Response, error) {
	if d.SolverFirst {
		return d.solvePage(ctx, rawURL)
	}

	opts := fetch.Options{AcceptAnyStatus: true}
	domain := hostOf(rawURL)
	if cookie, ok := d.clearance(domain); ok {
		opts.Headers = http.Header{
			"Cookie":     {"cf_clearance=" + cookie.CFClearance},
			"User-Agent": {cookie.UserAgent},
		}
	}

	resp, err := d.Fetch.Fetch(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	if !fetch.IsChallenge(resp) {
		if resp.Status >= 400 {
			return nil, &fetch.HTTPStatusError{Code: resp.Status}
		}
		return resp, nil
	}

	log.Printf("[extractors] challenge at %s, escalating to solver", domain)
	if d.Solver != nil {
		d.Solver.Invalidate(domain)
	}
	return d.solvePage(ctx, rawURL)
}

func (d Deps) solvePage(ctx context.Context, rawURL string) (*fetch.Response, error) {
	if d.Solver == nil || !d.Solver.Configured() {
		return nil, errors.New("challenged page and no solver configured")
	}
	solution, err := d.Solver.Solve(ctx, rawURL, solver.SolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("solve %s: %w", rawURL, err)
	}
	if solution.Status >= 400 {
		return nil, &fetch.HTTPStatusError{Code: solution.Status}
	}
	return &fetch.Response{
		Status:   solution.Status,
		Header:   http.Header{},
		Body:     []byte(solution.Body),
		FinalURL: solution.FinalURL,
	}, nil
}

func (d Deps) clearance(domain string) (*solver.ClearanceCookie, bool) {
	if d.Solver == nil {
		return nil, false
	}
	return d.Solver.Clearance(domain)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
