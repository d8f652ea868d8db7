package extractors

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// HostTier orders terminal hosts by how directly they reach a playable CDN
// URL: direct CDN beats a wrapper exposing a direct link, which beats a
// wrapper that needs a solve, which beats shareable cloud storage.
type HostTier int

const (
	TierShareCloud HostTier = iota
	TierWrapperSolve
	TierWrapperDirect
	TierCDNDirect
)

// Priority spreads tiers so per-link adjustments stay within a tier.
func (t HostTier) Priority() int {
	return int(t) * 100
}

var hostTiers = []struct {
	pattern string
	tier    HostTier
}{
	{"workers.dev", TierCDNDirect},
	{"r2.dev", TierCDNDirect},
	{"pixeldrain", TierWrapperDirect},
	{"gdflix", TierWrapperDirect},
	{"filesdl.in", TierWrapperDirect},
	{"filesdl.site", TierWrapperSolve},
	{"hubcloud", TierWrapperSolve},
	{"gofile", TierShareCloud},
}

// HostNameOf extracts the short host tag ("gdflix", "gofile", ...) used in
// hints and preference matching.
func HostNameOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	for _, entry := range hostTiers {
		if strings.Contains(host, entry.pattern) {
			return strings.SplitN(entry.pattern, ".", 2)[0]
		}
	}
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return host
}

// TierOf classifies a URL for candidate ordering. Unknown hosts land on the
// lowest tier.
func TierOf(rawURL string) HostTier {
	u, err := url.Parse(rawURL)
	if err != nil {
		return TierShareCloud
	}
	host := strings.ToLower(u.Hostname())
	for _, entry := range hostTiers {
		if strings.Contains(host, entry.pattern) {
			return entry.tier
		}
	}
	return TierShareCloud
}

var resolutionRe = regexp.MustCompile(`(?i)\b(480|720|1080|2160)p?\b|\b(4k)\b`)

// ParseResolution pulls a normalized resolution tag out of free-form label
// text, "" when absent.
func ParseResolution(label string) string {
	m := resolutionRe.FindStringSubmatch(label)
	if m == nil {
		return ""
	}
	if strings.EqualFold(m[2], "4k") {
		return "2160p"
	}
	return m[1] + "p"
}

var sizeRe = regexp.MustCompile(`(?i)\b([\d.]+)\s*(GB|MB)\b`)

// ParseSizeBytes extracts an advertised size from label text, 0 when absent.
func ParseSizeBytes(label string) int64 {
	m := sizeRe.FindStringSubmatch(label)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	if strings.EqualFold(m[2], "GB") {
		return int64(n * 1024 * 1024 * 1024)
	}
	return int64(n * 1024 * 1024)
}
