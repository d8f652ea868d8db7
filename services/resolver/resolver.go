package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"time"

	"streamgate/models"
	"streamgate/services/cache"
	"streamgate/services/extractors"
	"streamgate/services/fetch"
	"streamgate/services/probe"
	"streamgate/services/solver"
	"streamgate/utils"
)

// ErrExhausted means every candidate on the chain was rejected.
var ErrExhausted = errors.New("resolver: no playable candidate survived")

const (
	// maxFormHops bounds the short-link form dance.
	maxFormHops = 4
	// maxTransitions bounds the whole state machine; a well-formed chain
	// finishes in far fewer.
	maxTransitions = 16
	// probeBatchWidth is how many candidates are range-probed concurrently.
	probeBatchWidth = 2
)

type state int

const (
	stateClassify state = iota
	stateResolveShort
	stateResolveInter
	stateExtractHost
	stateSelectBest
	stateProbeBatch
	stateDone
	stateFailed
)

// resolveContext is the immutable value threaded through the state machine.
// Handlers return a fresh copy; nothing mutates in place except the shared
// cookie jar, which accumulates Set-Cookies across hops on purpose.
type resolveContext struct {
	state      state
	url        string
	candidates []extractors.Candidate
	hints      utils.Hints
	jar        http.CookieJar
	hops       int
	visited    map[hopKey]bool

	result *models.FinalStream
}

// hopKey feeds the loop detector. Two hops with the same triple mean the
// chain is circling.
type hopKey struct {
	method string
	url    string
	body   string
}

// Service walks a wrapped link down the shortener / intermediary / host
// chain until a seekable direct URL falls out.
type Service struct {
	fetcher  *fetch.Client
	solver   *solver.Client
	prober   *probe.Prober
	fabric   *cache.Fabric
	registry *extractors.Registry

	resolveTTL time.Duration
}

func NewService(fetcher *fetch.Client, solv *solver.Client, prober *probe.Prober, fabric *cache.Fabric, registry *extractors.Registry, resolveTTL time.Duration) *Service {
	if resolveTTL <= 0 {
		resolveTTL = 15 * time.Minute
	}
	return &Service{
		fetcher:    fetcher,
		solver:     solv,
		prober:     prober,
		fabric:     fabric,
		registry:   registry,
		resolveTTL: resolveTTL,
	}
}

// Resolve turns an unwrapped original URL into a FinalStream, or nil when
// the chain dead-ends. Results, including the dead ends, are cached so a
// click burst replays from the fabric instead of re-walking the chain.
func (s *Service) Resolve(ctx context.Context, tag, rawURL string, hints utils.Hints) (*models.FinalStream, error) {
	key := tag + ":" + rawURL + "#" + hints.Encode()
	raw, err := s.fabric.GetOrCompute(ctx, cache.NSResolve, key, cache.ComputeOptions{
		TTL: s.resolveTTL,
		// Signed CDN URLs go stale hard; replaying a stale one 302s the
		// player into a 403.
		SkipRefresh: true,
	}, func(ctx context.Context) ([]byte, error) {
		final, err := s.resolve(ctx, rawURL, hints)
		if err != nil {
			if errors.Is(err, ErrExhausted) {
				log.Printf("[resolver] %s exhausted: %v", rawURL, err)
				return nil, nil
			}
			return nil, err
		}
		return json.Marshal(final)
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var final models.FinalStream
	if err := json.Unmarshal(raw, &final); err != nil {
		return nil, fmt.Errorf("resolver: corrupt cache entry for %s: %w", key, err)
	}
	return &final, nil
}

func (s *Service) resolve(ctx context.Context, rawURL string, hints utils.Hints) (*models.FinalStream, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	rc := resolveContext{
		state:   stateClassify,
		url:     rawURL,
		hints:   hints,
		jar:     jar,
		visited: make(map[hopKey]bool),
	}

	for i := 0; i < maxTransitions; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch rc.state {
		case stateClassify:
			rc = s.classify(rc)
		case stateResolveShort:
			rc, err = s.resolveShort(ctx, rc)
		case stateResolveInter:
			rc, err = s.resolveIntermediary(ctx, rc)
		case stateExtractHost:
			rc, err = s.extractHost(ctx, rc)
		case stateSelectBest:
			rc = s.selectBest(rc)
		case stateProbeBatch:
			rc = s.probeBatch(ctx, rc)
		case stateDone:
			return rc.result, nil
		case stateFailed:
			return nil, ErrExhausted
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("resolver: chain did not terminate for %s: %w", rawURL, ErrExhausted)
}

// classify routes the current URL to the state that knows how to advance it.
func (s *Service) classify(rc resolveContext) resolveContext {
	next := rc
	switch {
	case isShortener(rc.url):
		next.state = stateResolveShort
	case s.hostExtractorFor(rc.url) != nil:
		next.state = stateExtractHost
	case isDirectCandidate(rc.url):
		next.candidates = []extractors.Candidate{{URL: rc.url, Priority: extractors.TierOf(rc.url).Priority()}}
		next.state = stateSelectBest
	default:
		next.state = stateResolveInter
	}
	return next
}

func (s *Service) hostExtractorFor(rawURL string) extractors.HostExtractor {
	if s.registry == nil {
		return nil
	}
	h, ok := s.registry.HostFor(rawURL)
	if !ok {
		return nil
	}
	return h
}

// extractHost runs the matching host extractor and moves its candidates to
// selection.
func (s *Service) extractHost(ctx context.Context, rc resolveContext) (resolveContext, error) {
	h := s.hostExtractorFor(rc.url)
	if h == nil {
		next := rc
		next.state = stateFailed
		return next, nil
	}
	cands, err := h.Extract(ctx, rc.url, extractors.TierOf(rc.url).Priority())
	if err != nil {
		log.Printf("[resolver] %s extract failed: %v", h.Name(), err)
		next := rc
		next.state = stateFailed
		return next, nil
	}
	next := rc
	next.candidates = cands
	next.state = stateSelectBest
	return next, nil
}

// selectBest orders surviving candidates: host-hint match first, then
// advertised priority, then resolution-hint match, then stable input order.
func (s *Service) selectBest(rc resolveContext) resolveContext {
	next := rc
	next.candidates = rankCandidates(dropFiltered(rc.candidates), rc.hints)
	if len(next.candidates) == 0 {
		next.state = stateFailed
		return next
	}
	next.state = stateProbeBatch
	return next
}

// dropFiltered removes candidates that never pass the seek gate.
// googleusercontent is filtered unconditionally; it does not serve ranges
// to this class of client.
func dropFiltered(cands []extractors.Candidate) []extractors.Candidate {
	out := make([]extractors.Candidate, 0, len(cands))
	seen := make(map[string]struct{})
	for _, c := range cands {
		if c.URL == "" || isGoogleUserContent(c.URL) {
			continue
		}
		if _, dup := seen[c.URL]; dup {
			continue
		}
		seen[c.URL] = struct{}{}
		out = append(out, c)
	}
	return out
}

func rankCandidates(cands []extractors.Candidate, hints utils.Hints) []extractors.Candidate {
	ranked := make([]extractors.Candidate, len(cands))
	copy(ranked, cands)
	sort.SliceStable(ranked, func(i, j int) bool {
		hi := hostHintMatch(ranked[i], hints)
		hj := hostHintMatch(ranked[j], hints)
		if hi != hj {
			return hi
		}
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority > ranked[j].Priority
		}
		ri := resolutionHintMatch(ranked[i], hints)
		rj := resolutionHintMatch(ranked[j], hints)
		if ri != rj {
			return ri
		}
		return false
	})
	return ranked
}

func hostHintMatch(c extractors.Candidate, hints utils.Hints) bool {
	return hints.Host != "" && extractors.HostNameOf(c.URL) == hints.Host
}

func resolutionHintMatch(c extractors.Candidate, hints utils.Hints) bool {
	return hints.Resolution != "" && extractors.ParseResolution(c.Label) == hints.Resolution
}

func isGoogleUserContent(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "googleusercontent.com" || strings.HasSuffix(host, ".googleusercontent.com")
}

var shortenerHosts = []string{"ouo.io", "ouo.press", "gplinks", "shrinkme", "urlshortx", "linkrit"}

func isShortener(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, s := range shortenerHosts {
		if host == s || strings.HasSuffix(host, "."+s) || strings.Contains(host, strings.TrimSuffix(s, ".io")+".") {
			return true
		}
	}
	return false
}

var mediaExtensions = []string{".mp4", ".mkv", ".m3u8", ".webm", ".avi", ".ts"}

// isDirectCandidate recognizes URLs that plausibly answer a ranged request
// without another hop.
func isDirectCandidate(rawURL string) bool {
	if extractors.TierOf(rawURL) == extractors.TierCDNDirect {
		return true
	}
	if probe.TrustedHost(rawURL) {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	lower := strings.ToLower(u.Path)
	for _, ext := range mediaExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
