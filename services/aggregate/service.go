package aggregate

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"streamgate/config"
	"streamgate/models"
	"streamgate/services/cache"
	"streamgate/services/extractors"
	"streamgate/services/fetch"
	"streamgate/services/metadata"
	"streamgate/services/solver"
	"streamgate/utils"
)

// Service fans a media key out across every enabled provider and folds the
// results into one ordered preview list. Provider failures never fail the
// aggregate; the player always gets whatever survived the deadline.
type Service struct {
	fetcher  *fetch.Client
	solver   *solver.Client
	fabric   *cache.Fabric
	meta     *metadata.Service
	registry *extractors.Registry

	mu       sync.RWMutex
	settings config.Settings
}

func NewService(settings config.Settings, fetcher *fetch.Client, solv *solver.Client, fabric *cache.Fabric, meta *metadata.Service, registry *extractors.Registry) *Service {
	s := &Service{
		fetcher:  fetcher,
		solver:   solv,
		fabric:   fabric,
		meta:     meta,
		registry: registry,
		settings: settings,
	}
	extractors.BuildRegistry(registry, settings, fetcher, solv)
	return s
}

// Reload swaps in fresh settings and rebuilds the provider registry, the hot
// reload path behind a config save.
func (s *Service) Reload(settings config.Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.registry.Reset()
	extractors.BuildRegistry(s.registry, settings, s.fetcher, s.solver)
	log.Printf("[aggregate] registry rebuilt with %d provider(s)", len(s.enabledProviders()))
}

func (s *Service) currentSettings() config.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Service) enabledProviders() []config.ProviderSettings {
	var out []config.ProviderSettings
	for _, p := range s.currentSettings().Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// providerResult keeps the fan-out output ordered by the config index.
type providerResult struct {
	index    int
	provider string
	streams  []models.PreviewStream
}

// Aggregate runs discovery across all enabled providers within the deadline.
// Metadata is looked up once, bounded at a quarter of the deadline, then
// shared. Each provider gets min(its ceiling, remaining deadline). Output
// order is config order, then link priority inside a provider; duplicates by
// opaque URL collapse to the first occurrence.
func (s *Service) Aggregate(ctx context.Context, key models.MediaKey, base string, deadline time.Duration) []models.PreviewStream {
	if deadline <= 0 {
		deadline = 25 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	started := time.Now()

	// Nothing enabled means nothing to discover; skip the metadata round
	// trip entirely.
	providers := s.enabledProviders()
	if len(providers) == 0 {
		return nil
	}

	metaCtx, metaCancel := context.WithTimeout(ctx, deadline/4)
	meta, err := s.meta.Lookup(metaCtx, key)
	metaCancel()
	if err != nil {
		log.Printf("[aggregate] metadata lookup for %s failed: %v", key.CacheKey(), err)
	}

	settings := s.currentSettings()
	results := make([]providerResult, 0, len(providers))
	var resultsMu sync.Mutex

	p := pool.New().WithContext(ctx)
	for i, pc := range providers {
		i, pc := i, pc
		p.Go(func(ctx context.Context) error {
			remaining := deadline - time.Since(started)
			budget := pc.Timeout()
			if remaining < budget {
				budget = remaining
			}
			if budget <= 0 {
				return nil
			}
			pctx, pcancel := context.WithTimeout(ctx, budget)
			defer pcancel()

			streams, err := s.discoverProvider(pctx, pc, key, meta, base, settings)
			if err != nil {
				log.Printf("[aggregate] provider %s failed for %s: %v", pc.Name, key.CacheKey(), err)
				return nil
			}
			resultsMu.Lock()
			results = append(results, providerResult{index: i, provider: pc.Name, streams: streams})
			resultsMu.Unlock()
			return nil
		})
	}
	_ = p.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })

	var out []models.PreviewStream
	seen := make(map[string]struct{})
	for _, r := range results {
		for _, stream := range r.streams {
			if _, dup := seen[stream.OpaqueURL]; dup {
				continue
			}
			seen[stream.OpaqueURL] = struct{}{}
			out = append(out, stream)
		}
	}
	log.Printf("[aggregate] %s: %d stream(s) from %d/%d provider(s) in %s",
		key.CacheKey(), len(out), len(results), len(providers), time.Since(started).Round(time.Millisecond))
	return out
}

// discoverProvider runs one provider's discovery through the stream cache:
// single-flight per (provider, key), stale results served while a background
// refresh merges in fresh links.
func (s *Service) discoverProvider(ctx context.Context, pc config.ProviderSettings, key models.MediaKey, meta *models.Metadata, base string, settings config.Settings) ([]models.PreviewStream, error) {
	provider, ok := s.registry.Provider(pc.Name)
	if !ok {
		return nil, nil
	}

	cacheKey := pc.Name + ":" + key.CacheKey()
	ttl := pc.StreamTTL(settings.Cache.StreamTTL())

	raw, err := s.fabric.GetOrCompute(ctx, cache.NSStreams, cacheKey, cache.ComputeOptions{
		TTL:   ttl,
		Merge: cache.StreamListMerger(pc.PreferFresh),
	}, func(ctx context.Context) ([]byte, error) {
		links, err := provider.Discover(ctx, extractors.Query{Key: key, Meta: meta})
		if err != nil {
			return nil, err
		}
		if len(links) == 0 {
			return nil, nil
		}
		return json.Marshal(s.wrapLinks(pc.Name, key, base, links))
	})
	if err != nil || raw == nil {
		return nil, err
	}

	var streams []models.PreviewStream
	if err := json.Unmarshal(raw, &streams); err != nil {
		return nil, err
	}
	// Cached entries carry the base URL of the request that produced them;
	// rewrap when the caller's base differs.
	return rebase(streams, base), nil
}

// wrapLinks converts normalized provider links into player-facing preview
// streams, ordered by priority.
func (s *Service) wrapLinks(tag string, key models.MediaKey, base string, links []models.ProviderLink) []models.PreviewStream {
	sorted := make([]models.ProviderLink, len(links))
	copy(sorted, links)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	out := make([]models.PreviewStream, 0, len(sorted))
	for _, link := range sorted {
		hints := utils.Hints{
			Episode:    key.EpisodeCode(),
			Resolution: link.Resolution,
			Host:       link.Host,
		}
		out = append(out, models.PreviewStream{
			Provider:        tag,
			OpaqueURL:       utils.WrapOpaque(base, tag, link.URL, hints),
			DisplayLabel:    link.Label,
			ResolutionTag:   link.Resolution,
			SizeBytes:       link.SizeBytes,
			Languages:       link.Languages,
			NeedsResolution: !link.Direct,
			Hints:           hints.Encode(),
		})
	}
	return out
}

// rebase swaps the base prefix of cached opaque URLs for the current
// request's base. The embedded original URL and hints survive untouched.
func rebase(streams []models.PreviewStream, base string) []models.PreviewStream {
	for i, st := range streams {
		orig, hints, err := utils.UnwrapOpaqueURL(st.OpaqueURL)
		if err != nil {
			continue
		}
		streams[i].OpaqueURL = utils.WrapOpaque(base, st.Provider, orig, hints)
	}
	return streams
}
