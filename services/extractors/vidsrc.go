package extractors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"streamgate/models"
)

const vidsrcDefaultBaseURL = "https://vidsrc.example"

// VidSrc talks to a JSON stream API instead of scraping HTML. Its links are
// usually direct CDN URLs, so most skip the resolution phase entirely.
type VidSrc struct {
	name    string
	baseURL string
	deps    Deps
}

func NewVidSrc(name, baseURL string, deps Deps) *VidSrc {
	if baseURL == "" {
		baseURL = vidsrcDefaultBaseURL
	}
	return &VidSrc{
		name:    strings.TrimSpace(name),
		baseURL: strings.TrimRight(baseURL, "/"),
		deps:    deps,
	}
}

func (v *VidSrc) Name() string {
	if v.name != "" {
		return v.name
	}
	return "vidsrc"
}

type vidsrcEnvelope struct {
	Streams []struct {
		URL      string `json:"url"`
		Quality  string `json:"quality"`
		Label    string `json:"label"`
		Size     int64  `json:"size"`
		Language string `json:"language"`
	} `json:"streams"`
}

func (v *VidSrc) endpoint(key models.MediaKey) string {
	if key.Kind == models.MediaKindSeries {
		return fmt.Sprintf("%s/api/streams/series/%s/%d/%d", v.baseURL, key.ExternalID, key.Season, key.Episode)
	}
	return fmt.Sprintf("%s/api/streams/movie/%s", v.baseURL, key.ExternalID)
}

// Search is a thin adapter: the API is keyed by external id, so the search
// phase yields at most the single canonical "page".
func (v *VidSrc) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	title := ""
	if q.Meta != nil {
		title = q.Meta.Name
	}
	return []SearchResult{{Title: title, URL: v.endpoint(q.Key)}}, nil
}

func (v *VidSrc) Load(ctx context.Context, pageURL string) (*LoadResult, error) {
	resp, err := v.deps.FetchPage(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("%s load: %w", v.Name(), err)
	}
	var envelope vidsrcEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		snippet := resp.Body
		if len(snippet) > 128 {
			snippet = snippet[:128]
		}
		return nil, fmt.Errorf("%s load: decode %q: %w", v.Name(), snippet, err)
	}

	result := &LoadResult{}
	for _, s := range envelope.Streams {
		if s.URL == "" {
			continue
		}
		label := s.Label
		if label == "" {
			label = s.Quality
		}
		var langs []string
		if s.Language != "" {
			langs = []string{strings.ToLower(s.Language)}
		}
		result.Links = append(result.Links, models.ProviderLink{
			URL:        s.URL,
			Label:      label,
			Resolution: ParseResolution(s.Quality + " " + s.Label),
			SizeBytes:  s.Size,
			Languages:  langs,
			Host:       HostNameOf(s.URL),
			Priority:   TierOf(s.URL).Priority(),
			Direct:     isDirectMedia(s.URL),
		})
	}
	return result, nil
}

func (v *VidSrc) Discover(ctx context.Context, q Query) ([]models.ProviderLink, error) {
	page, err := v.Load(ctx, v.endpoint(q.Key))
	if err != nil {
		return nil, err
	}
	return page.Links, nil
}

// isDirectMedia recognizes URLs the player can fetch without a resolution
// phase.
func isDirectMedia(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, ext := range []string{".mp4", ".mkv", ".m3u8", ".webm"} {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	return TierOf(rawURL) == TierCDNDirect
}
