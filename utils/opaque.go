package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// Hints is the hash-fragment payload carried inside an opaque URL. It gives
// the resolver enough state (episode key, resolution, preferred host) to
// narrow the resolution path without re-running discovery.
type Hints struct {
	Episode    string // "S01E02"
	Resolution string // "480p" | "720p" | "1080p" | "2160p"
	Host       string // "pixeldrain", "gofile", ...
}

func (h Hints) IsZero() bool {
	return h == Hints{}
}

// Encode renders the fragment form "ep=S01E02&res=1080p&host=gofile".
func (h Hints) Encode() string {
	values := url.Values{}
	if h.Episode != "" {
		values.Set("ep", h.Episode)
	}
	if h.Resolution != "" {
		values.Set("res", h.Resolution)
	}
	if h.Host != "" {
		values.Set("host", h.Host)
	}
	return values.Encode()
}

// ParseHints decodes a fragment produced by Encode. Unknown keys are
// ignored; the scheme is stable across versions.
func ParseHints(fragment string) Hints {
	values, err := url.ParseQuery(fragment)
	if err != nil {
		return Hints{}
	}
	return Hints{
		Episode:    values.Get("ep"),
		Resolution: values.Get("res"),
		Host:       values.Get("host"),
	}
}

// WrapOpaque builds the player-facing resolve URL:
// {base}/resolve/{tag}/{urlencode(origUrl#hints)}?provider={tag}.
func WrapOpaque(base, tag, origURL string, hints Hints) string {
	carrier := origURL
	if fragment := hints.Encode(); fragment != "" {
		carrier = origURL + "#" + fragment
	}
	return fmt.Sprintf("%s/resolve/%s/%s?provider=%s",
		strings.TrimRight(base, "/"),
		url.PathEscape(tag),
		url.QueryEscape(carrier),
		url.QueryEscape(tag),
	)
}

// UnwrapOpaqueURL reverses WrapOpaque on a full wrapped URL: it pulls the
// still-escaped final path segment and unwraps it. The segment must come
// from the escaped form; parsing the decoded path would eat percent
// encodings inside the carried URL.
func UnwrapOpaqueURL(opaque string) (string, Hints, error) {
	u, err := url.Parse(opaque)
	if err != nil {
		return "", Hints{}, fmt.Errorf("malformed opaque url: %w", err)
	}
	escaped := u.EscapedPath()
	idx := strings.LastIndex(escaped, "/")
	if idx < 0 || idx == len(escaped)-1 {
		return "", Hints{}, fmt.Errorf("opaque url %q carries no segment", opaque)
	}
	return UnwrapOpaque(escaped[idx+1:])
}

// UnwrapOpaque reverses WrapOpaque's path segment: it splits the original
// URL from the hint fragment. UnwrapOpaque(escape(u#h)) == (u, h) for all
// u, h.
func UnwrapOpaque(segment string) (string, Hints, error) {
	carrier, err := url.QueryUnescape(segment)
	if err != nil {
		return "", Hints{}, fmt.Errorf("malformed opaque segment: %w", err)
	}
	if idx := strings.LastIndex(carrier, "#"); idx >= 0 {
		return carrier[:idx], ParseHints(carrier[idx+1:]), nil
	}
	return carrier, Hints{}, nil
}
