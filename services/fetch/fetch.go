package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/net/html"
)

const (
	defaultTimeout      = 8 * time.Second
	defaultRetries      = 1
	defaultRetryDelay   = 800 * time.Millisecond
	defaultMaxBody      = 2 << 20
	defaultMaxRedirects = 5
)

// ErrBodyTooLarge signals that a response exceeded the configured body cap.
// The transport stream is torn down immediately; scraped hosts can serve
// multi-GB files where an HTML page is expected.
var ErrBodyTooLarge = errors.New("fetch: response body exceeds cap")

// HTTPStatusError carries a non-2xx terminal status. Never retried.
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch: unexpected status %d", e.Code)
}

// Options tunes a single fetch. Zero values fall back to client defaults.
type Options struct {
	Method          string
	Headers         http.Header
	Body            []byte
	NoRedirects     bool
	MaxRedirects    int
	MaxBodyBytes    int64
	Timeout         time.Duration
	Retries         int
	Jar             http.CookieJar
	Proxy           string // per-call proxy, overriding the client-level one
	AcceptAnyStatus bool   // return non-2xx responses instead of HTTPStatusError
}

// Response is the outcome of a fetch after the redirect chain.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	FinalURL string

	doc    *html.Node
	docErr error
	parsed bool
}

// Document lazily parses the body as HTML. The parse runs at most once.
func (r *Response) Document() (*html.Node, error) {
	if !r.parsed {
		r.parsed = true
		r.doc, r.docErr = html.Parse(bytes.NewReader(r.Body))
	}
	return r.doc, r.docErr
}

// Client performs bounded, retried HTTP against hostile hosts. A single
// transport is shared; per-request cookie jars ride on lightweight
// http.Client values.
type Client struct {
	transport *http.Transport
	timeout   time.Duration
	retries   int
	bodyCap   int64
	userAgent string
}

// Config for NewClient. Zero values take the documented defaults.
type Config struct {
	Timeout      time.Duration
	Retries      int
	MaxBodyBytes int64
	ProxyURL     string
	UserAgent    string
}

func NewClient(cfg Config) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	c := &Client{
		transport: transport,
		timeout:   cfg.Timeout,
		retries:   cfg.Retries,
		bodyCap:   cfg.MaxBodyBytes,
		userAgent: cfg.UserAgent,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.retries < 0 {
		c.retries = defaultRetries
	}
	if c.bodyCap <= 0 {
		c.bodyCap = defaultMaxBody
	}
	if c.userAgent == "" {
		c.userAgent = "Mozilla/5.0 (Windows NT 10.0; rv:109.0) Gecko/20100101 Firefox/115.0"
	}
	return c
}

// Close releases idle transport connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Fetch performs one bounded HTTP exchange. Retries apply only to network
// and timeout failures, never to HTTP statuses. The returned FinalURL is the
// URL after the redirect chain so callers can resolve relative links.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts Options) (*Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	retries := c.retries
	if opts.Retries > 0 {
		retries = opts.Retries
	}

	var resp *Response
	err := retry.Do(
		func() error {
			var attemptErr error
			resp, attemptErr = c.fetchOnce(ctx, rawURL, opts, timeout)
			return attemptErr
		},
		retry.Context(ctx),
		retry.Attempts(uint(retries)+1),
		retry.Delay(defaultRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// retryable limits retries to the network/timeout error class. Body-cap,
// status and cancellation failures are terminal.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrBodyTooLarge) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return !errors.Is(urlErr.Err, context.Canceled)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) fetchOnce(ctx context.Context, rawURL string, opts Options, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, vals := range opts.Headers {
		req.Header.Del(k)
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}
	transport := http.RoundTripper(c.transport)
	if opts.Proxy != "" {
		if proxyURL, err := url.Parse(opts.Proxy); err == nil {
			// Proxied calls ride a dedicated transport so the shared pool
			// never mixes direct and proxied connections.
			pt := c.transport.Clone()
			pt.Proxy = http.ProxyURL(proxyURL)
			transport = pt
		}
	}
	httpClient := &http.Client{
		Transport: transport,
		Jar:       opts.Jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if opts.NoRedirects {
				return http.ErrUseLastResponse
			}
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyCap := opts.MaxBodyBytes
	if bodyCap <= 0 {
		bodyCap = c.bodyCap
	}
	if resp.ContentLength > bodyCap {
		// Close without draining so the transport tears the connection down.
		return nil, fmt.Errorf("advertised %d bytes: %w", resp.ContentLength, ErrBodyTooLarge)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, bodyCap+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > bodyCap {
		return nil, fmt.Errorf("streamed past %d bytes: %w", bodyCap, ErrBodyTooLarge)
	}

	out := &Response{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     data,
		FinalURL: resp.Request.URL.String(),
	}
	if !opts.AcceptAnyStatus && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		// The caller may still want the body (challenge detection), so the
		// response rides along with the error.
		return out, &HTTPStatusError{Code: resp.StatusCode}
	}
	return out, nil
}

// ResolveRelative resolves a possibly relative href against the final URL of
// the response it was scraped from.
func ResolveRelative(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	h, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return b.ResolveReference(h).String()
}
