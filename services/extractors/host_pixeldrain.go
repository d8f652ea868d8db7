package extractors

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// PixelDrain share URLs translate to the file API without any page fetch:
// /u/{id} -> /api/file/{id}. The API serves ranges, so these candidates
// ride the trusted-host fast path.
type PixelDrain struct{}

func NewPixelDrain() *PixelDrain { return &PixelDrain{} }

func (p *PixelDrain) Name() string { return "pixeldrain" }

func (p *PixelDrain) Match(rawURL string) bool {
	return strings.Contains(strings.ToLower(rawURL), "pixeldrain")
}

func (p *PixelDrain) Extract(ctx context.Context, rawURL string, priority int) ([]Candidate, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("pixeldrain: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 || parts[len(parts)-1] == "" {
		return nil, fmt.Errorf("pixeldrain: no file id in %s", rawURL)
	}
	id := parts[len(parts)-1]
	if parts[0] == "api" {
		// Already the API form.
		return []Candidate{{URL: rawURL, Priority: priority}}, nil
	}
	direct := fmt.Sprintf("https://%s/api/file/%s", u.Hostname(), id)
	return []Candidate{{URL: direct, Priority: priority}}, nil
}
