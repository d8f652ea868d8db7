package handlers

import (
	"log"
	"net/http"
	"net/url"
	"strings"

	"streamgate/models"
	"streamgate/services/fetch"
	"streamgate/services/resolver"
	"streamgate/utils"
)

// ResolveHandler walks a wrapped link down to a direct URL on player click.
type ResolveHandler struct {
	resolver *resolver.Service
	fetcher  *fetch.Client
	baseURL  string
}

func NewResolveHandler(res *resolver.Service, fetcher *fetch.Client, baseURL string) *ResolveHandler {
	return &ResolveHandler{resolver: res, fetcher: fetcher, baseURL: baseURL}
}

// ServeHTTP answers GET /resolve/{tag}/{opaque}. Success 302s to the direct
// URL; failure is a 502 the player treats as a dead link. M3U8 playlists are
// served inline with every media URI re-wrapped through this endpoint so
// segment fetches re-enter the resolver.
//
// The opaque segment is read from the escaped path: the carried URL contains
// percent-encoded slashes that a routing layer's decoded vars would eat.
func (h *ResolveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tag, segment, ok := splitResolvePath(r.URL.EscapedPath())
	if !ok {
		http.Error(w, "malformed resolve path", http.StatusBadRequest)
		return
	}
	origURL, hints, err := utils.UnwrapOpaque(segment)
	if err != nil {
		http.Error(w, "malformed opaque segment", http.StatusBadRequest)
		return
	}

	final, err := h.resolver.Resolve(r.Context(), tag, origURL, hints)
	if err != nil {
		log.Printf("[resolve] %s %s failed: %v", tag, origURL, err)
		http.Error(w, "resolution failed", http.StatusBadGateway)
		return
	}
	if final == nil {
		http.Error(w, "no playable link", http.StatusBadGateway)
		return
	}

	if isPlaylist(final) {
		if h.servePlaylist(w, r, tag, final, hints) {
			return
		}
		// Rewriting failed; the direct redirect still gives the player a
		// chance.
	}
	http.Redirect(w, r, final.DirectURL, http.StatusFound)
}

func splitResolvePath(escaped string) (tag, segment string, ok bool) {
	rest, found := strings.CutPrefix(escaped, "/resolve/")
	if !found {
		return "", "", false
	}
	idx := strings.Index(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	tag, err := url.PathUnescape(rest[:idx])
	if err != nil {
		return "", "", false
	}
	return tag, rest[idx+1:], true
}

func isPlaylist(final *models.FinalStream) bool {
	if strings.HasSuffix(strings.ToLower(final.Filename), ".m3u8") {
		return true
	}
	u, err := url.Parse(final.DirectURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}

// servePlaylist fetches the playlist and rewrites each media URI through the
// resolve endpoint. Returns false when the playlist could not be fetched.
func (h *ResolveHandler) servePlaylist(w http.ResponseWriter, r *http.Request, tag string, final *models.FinalStream, hints utils.Hints) bool {
	resp, err := h.fetcher.Fetch(r.Context(), final.DirectURL, fetch.Options{})
	if err != nil {
		log.Printf("[resolve] playlist fetch %s failed: %v", final.DirectURL, err)
		return false
	}

	base := baseFromRequest(r, h.baseURL)
	rewritten := RewritePlaylist(string(resp.Body), final.DirectURL, base, tag, hints)

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rewritten))
	return true
}

// RewritePlaylist re-wraps every URI line of an M3U8 through the resolve
// endpoint. Comment/tag lines pass through untouched; relative URIs are
// resolved against the playlist URL first.
func RewritePlaylist(playlist, playlistURL, base, tag string, hints utils.Hints) string {
	lines := strings.Split(playlist, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		absolute := fetch.ResolveRelative(playlistURL, trimmed)
		if absolute == "" {
			continue
		}
		lines[i] = utils.WrapOpaque(base, tag, absolute, hints)
	}
	return strings.Join(lines, "\n")
}
