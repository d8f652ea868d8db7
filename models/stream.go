package models

import (
	"fmt"
	"net/url"
	"strings"
)

// MediaKind distinguishes the two lookup shapes the gateway understands.
type MediaKind string

const (
	MediaKindMovie  MediaKind = "movie"
	MediaKindSeries MediaKind = "series"
)

// MediaKey identifies a movie or an individual episode for every lookup.
// Equality of keys defines the cache key prefix.
type MediaKey struct {
	Kind       MediaKind
	ExternalID string
	Season     int
	Episode    int
}

// ParseMediaID splits a player-facing id ("tt0111161" or "tt0903747:1:2")
// into a MediaKey.
func ParseMediaID(kind MediaKind, id string) (MediaKey, error) {
	key := MediaKey{Kind: kind}
	parts := strings.Split(id, ":")
	key.ExternalID = strings.TrimSpace(parts[0])
	if key.ExternalID == "" {
		return MediaKey{}, fmt.Errorf("empty media id")
	}
	if kind == MediaKindSeries {
		if len(parts) != 3 {
			return MediaKey{}, fmt.Errorf("series id %q must be id:season:episode", id)
		}
		if _, err := fmt.Sscanf(parts[1]+" "+parts[2], "%d %d", &key.Season, &key.Episode); err != nil {
			return MediaKey{}, fmt.Errorf("series id %q: %w", id, err)
		}
		if key.Season <= 0 || key.Episode <= 0 {
			return MediaKey{}, fmt.Errorf("series id %q has non-positive season/episode", id)
		}
	} else if len(parts) != 1 {
		return MediaKey{}, fmt.Errorf("movie id %q must not carry season/episode", id)
	}
	return key, nil
}

// CacheKey returns the structural key suffix "{kind}:{externalId}[:S:E]".
// Callers prepend their namespace or provider id.
func (k MediaKey) CacheKey() string {
	if k.Kind == MediaKindSeries {
		return fmt.Sprintf("%s:%s:%d:%d", k.Kind, k.ExternalID, k.Season, k.Episode)
	}
	return fmt.Sprintf("%s:%s", k.Kind, k.ExternalID)
}

// EpisodeCode renders "S01E02" for series keys, "" for movies.
func (k MediaKey) EpisodeCode() string {
	if k.Kind != MediaKindSeries {
		return ""
	}
	return fmt.Sprintf("S%02dE%02d", k.Season, k.Episode)
}

// Metadata is the MetaService payload for a MediaKey. Treated as immutable
// for the cache TTL.
type Metadata struct {
	Name              string   `json:"name"`
	Year              int      `json:"year,omitempty"`
	OriginalTitle     string   `json:"originalTitle,omitempty"`
	AlternativeTitles []string `json:"alternativeTitles,omitempty"`
}

// PreviewStream is a discovery-phase link. OpaqueURL is the wrapped URL the
// player calls back into the resolve endpoint; Hints is the hash-fragment
// payload that lets the resolver skip re-discovery.
type PreviewStream struct {
	Provider        string   `json:"provider"`
	OpaqueURL       string   `json:"opaqueUrl"`
	DisplayLabel    string   `json:"displayLabel"`
	ResolutionTag   string   `json:"resolutionTag,omitempty"`
	SizeBytes       int64    `json:"sizeBytes,omitempty"`
	Languages       []string `json:"languages,omitempty"`
	NeedsResolution bool     `json:"needsResolution"`
	Hints           string   `json:"hints,omitempty"`
}

// Fingerprint keys a preview stream for the cache merge rule: url first,
// then label, then hints. Keying by url keeps two mirrors that share
// episode, resolution and host apart; the gateway base is stripped so one
// link merges with itself across requests arriving under different
// external URLs.
func (p PreviewStream) Fingerprint() string {
	if p.OpaqueURL != "" {
		if u, err := url.Parse(p.OpaqueURL); err == nil && u.EscapedPath() != "" {
			return u.EscapedPath()
		}
		return p.OpaqueURL
	}
	if p.DisplayLabel != "" {
		return p.Provider + ":" + p.DisplayLabel
	}
	return p.Provider + "#" + p.Hints
}

// FinalStream is a resolved, playable link. Seekable is true for every
// stream the resolver emits; trusted hosts are the only path that skips the
// range probe.
type FinalStream struct {
	DirectURL     string `json:"directUrl"`
	Seekable      bool   `json:"seekable"`
	Filename      string `json:"filename,omitempty"`
	ContentLength int64  `json:"contentLength,omitempty"`
}

// ProviderLink is the normalized shape for every link a provider emits
// during discovery, before wrapping. Optional fields stay zero rather than
// living in an open map.
type ProviderLink struct {
	URL        string
	Label      string
	Resolution string
	SizeBytes  int64
	Languages  []string
	Host       string
	Priority   int
	Direct     bool
}

// StreamItem is the player-facing JSON entry for the streams endpoint.
type StreamItem struct {
	Name          string         `json:"name"`
	Title         string         `json:"title"`
	URL           string         `json:"url"`
	BehaviorHints map[string]any `json:"behaviorHints,omitempty"`
}

// StreamsResponse wraps the preview list; status is 200 even when empty.
type StreamsResponse struct {
	Streams []StreamItem `json:"streams"`
}
