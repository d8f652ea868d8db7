package extractors

import (
	"context"
	"strings"
	"sync"

	"github.com/mozillazg/go-unidecode"

	"streamgate/models"
	"streamgate/services/fetch"
	"streamgate/services/solver"
)

// Query provides normalized inputs to provider implementations. Meta is the
// shared MetaService result; providers must not refetch it.
type Query struct {
	Key  models.MediaKey
	Meta *models.Metadata
}

// SearchResult is one catalog page a provider found for a query.
type SearchResult struct {
	Title string
	URL   string
	Year  int
}

// LoadResult is the parsed detail page: the links it exposes, grouped
// provider-side by quality.
type LoadResult struct {
	Title string
	Year  int
	Links []models.ProviderLink
}

// Provider is the uniform shape every source presents so the scheduler and
// resolver can treat them alike. Implementations are stateless aside from
// module-level caches they may own.
type Provider interface {
	Name() string
	Search(ctx context.Context, q Query) ([]SearchResult, error)
	Load(ctx context.Context, pageURL string) (*LoadResult, error)
	// Discover is the full discovery phase: search, pick matching pages,
	// load, normalize.
	Discover(ctx context.Context, q Query) ([]models.ProviderLink, error)
}

// Candidate is a host extractor's output: a concrete URL one hop closer to
// the CDN, ranked by priority.
type Candidate struct {
	URL      string
	Label    string
	Size     int64
	Priority int
}

// HostExtractor implements the host-specific decrypt / API dance for one
// terminal host family.
type HostExtractor interface {
	Name() string
	Match(rawURL string) bool
	Extract(ctx context.Context, rawURL string, priority int) ([]Candidate, error)
}

// Deps carries the shared collaborators handed to every extractor.
type Deps struct {
	Fetch  *fetch.Client
	Solver *solver.Client
	// SolverFirst marks the provider as permanently challenged; the page
	// fetch goes through the solver without waiting for a challenge.
	SolverFirst bool
}

// Registry maps provider ids and host patterns to implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	hosts     []HostExtractor
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) RegisterProvider(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(id)] = p
}

func (r *Registry) RegisterHost(h HostExtractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts = append(r.hosts, h)
}

func (r *Registry) Provider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(id)]
	return p, ok
}

// HostFor returns the first registered extractor matching the URL.
func (r *Registry) HostFor(rawURL string) (HostExtractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.hosts {
		if h.Match(rawURL) {
			return h, true
		}
	}
	return nil, false
}

// Reset drops all registrations; used by config hot reload before
// re-registering from fresh settings.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]Provider)
	r.hosts = nil
}

// normalizeTitle folds a title for fuzzy comparison: transliterate, lower,
// strip everything but letters and digits.
func normalizeTitle(title string) string {
	folded := strings.ToLower(unidecode.Unidecode(title))
	var b strings.Builder
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TitleMatches compares a scraped title against the metadata name and its
// alternative titles.
func TitleMatches(scraped string, meta *models.Metadata) bool {
	if meta == nil {
		return true
	}
	want := normalizeTitle(meta.Name)
	got := normalizeTitle(scraped)
	if want != "" && strings.Contains(got, want) {
		return true
	}
	if meta.OriginalTitle != "" && strings.Contains(got, normalizeTitle(meta.OriginalTitle)) {
		return true
	}
	for _, alt := range meta.AlternativeTitles {
		if alt != "" && strings.Contains(got, normalizeTitle(alt)) {
			return true
		}
	}
	return false
}
