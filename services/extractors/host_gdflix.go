package extractors

import (
	"context"
	"fmt"
	"strings"

	"streamgate/services/fetch"
)

// GDFlix pages expose several mirror buttons (instant DL, cloud resume,
// worker-bot). The instant and worker mirrors land on direct CDN URLs.
type GDFlix struct {
	deps Deps
}

func NewGDFlix(deps Deps) *GDFlix {
	return &GDFlix{deps: deps}
}

func (g *GDFlix) Name() string { return "gdflix" }

func (g *GDFlix) Match(rawURL string) bool {
	return strings.Contains(strings.ToLower(rawURL), "gdflix")
}

// mirror button labels in descending usefulness.
var gdflixMirrors = []struct {
	marker string
	bump   int
}{
	{"instant dl", 30},
	{"worker", 20},
	{"cloud download", 10},
	{"resume cloud", 5},
	{"drivebot", 0},
}

func (g *GDFlix) Extract(ctx context.Context, rawURL string, priority int) ([]Candidate, error) {
	resp, err := g.deps.FetchPage(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("gdflix %s: %w", rawURL, err)
	}
	doc, err := resp.Document()
	if err != nil {
		return nil, fmt.Errorf("gdflix %s: parse: %w", rawURL, err)
	}

	var out []Candidate
	for _, a := range anchors(doc) {
		href, text := a[0], a[1]
		if strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			continue
		}
		label := strings.ToLower(text)
		for _, mirror := range gdflixMirrors {
			if strings.Contains(label, mirror.marker) {
				out = append(out, Candidate{
					URL:      fetch.ResolveRelative(resp.FinalURL, href),
					Label:    text,
					Priority: priority + mirror.bump,
				})
				break
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("gdflix %s: no mirror buttons found", rawURL)
	}
	return out, nil
}
