package probe

import (
	"context"
	"log"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// Class is the outcome of probing one candidate URL.
type Class string

const (
	// Seekable: the host answered 206 with a valid Content-Range, or is on
	// the trusted allowlist.
	Seekable Class = "seekable"
	// Unseekable: the host answered 200 but does not serve ranges. Callers
	// decide whether to accept.
	Unseekable Class = "ok-but-unseekable"
	// NonVideo: the payload is an archive or otherwise not playable.
	NonVideo Class = "non-video"
	// Invalid: anything else, with the captured status code.
	Invalid Class = "invalid"
)

// Result carries the classification plus whatever the headers revealed.
type Result struct {
	Class         Class
	StatusCode    int
	Filename      string
	ContentLength int64
}

// archiveExtensions are rejected regardless of any other signal, trusted
// hosts included.
var archiveExtensions = map[string]bool{
	".zip": true,
	".rar": true,
	".7z":  true,
	".iso": true,
	".tar": true,
	".gz":  true,
	".exe": true,
}

// trustedHosts serve known-good ranged responses; the probe is skipped for
// them to save a round trip per resolve.
var trustedHosts = []string{
	".workers.dev",
	".pixeldrain.com",
	"pixeldrain.com",
	".r2.dev",
}

// Options tunes a single probe.
type Options struct {
	Timeout time.Duration
	Headers http.Header
	// RequirePartialContent rejects 200-only hosts instead of classifying
	// them Unseekable.
	RequirePartialContent bool
}

// Prober issues the ranged request. The zero value is not usable; construct
// with NewProber.
type Prober struct {
	client *http.Client
}

func NewProber(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Prober{client: client}
}

// TrustedHost reports whether the URL's host is on the allowlist.
func TrustedHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, t := range trustedHosts {
		if host == strings.TrimPrefix(t, ".") || strings.HasSuffix(host, t) {
			return true
		}
	}
	return false
}

// Probe issues `Range: bytes=0-1` against the URL and classifies the answer.
// Trusted hosts short-circuit without I/O unless the path itself names an
// archive; the non-video classifier always wins over trust.
func (p *Prober) Probe(ctx context.Context, rawURL string, opts Options) Result {
	if nameFromPath := filenameFromURL(rawURL); isArchiveName(nameFromPath) {
		return Result{Class: NonVideo, Filename: nameFromPath}
	}
	if TrustedHost(rawURL) {
		return Result{Class: Seekable}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{Class: Invalid}
	}
	req.Header.Set("Range", "bytes=0-1")
	for k, vals := range opts.Headers {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		log.Printf("[probe] %s failed: %v", rawURL, err)
		return Result{Class: Invalid}
	}
	defer resp.Body.Close()

	result := Result{StatusCode: resp.StatusCode}
	result.Filename = filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if result.Filename == "" {
		result.Filename = filenameFromURL(rawURL)
	}
	result.ContentLength = totalLength(resp)

	if isArchiveName(result.Filename) || isArchiveContentType(resp.Header.Get("Content-Type")) {
		result.Class = NonVideo
		return result
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent &&
		resp.Header.Get("Content-Range") != "" &&
		result.ContentLength >= 2:
		result.Class = Seekable
	case resp.StatusCode == http.StatusOK && !opts.RequirePartialContent:
		result.Class = Unseekable
	default:
		result.Class = Invalid
	}
	return result
}

// totalLength prefers the full size from Content-Range ("bytes 0-1/12345")
// over the 2-byte Content-Length of the partial response.
func totalLength(resp *http.Response) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx >= 0 {
			if n, err := strconv.ParseInt(strings.TrimSpace(cr[idx+1:]), 10, 64); err == nil {
				return n
			}
		}
	}
	return resp.ContentLength
}

func filenameFromDisposition(disposition string) string {
	if disposition == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	return ""
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func isArchiveName(name string) bool {
	return archiveExtensions[strings.ToLower(path.Ext(name))]
}

func isArchiveContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "zip") ||
		strings.Contains(ct, "x-rar") ||
		strings.Contains(ct, "x-7z") ||
		strings.Contains(ct, "x-iso")
}
