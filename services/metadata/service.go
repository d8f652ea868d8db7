package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"streamgate/models"
	"streamgate/services/cache"
	"streamgate/services/fetch"
)

const defaultMetaBaseURL = "https://v3-cinemeta.strem.io"

// Service resolves MediaKeys to Metadata through the MetaService, cached
// under meta:{kind}:{externalId} with stale-while-revalidate.
type Service struct {
	baseURL string
	client  *fetch.Client
	fabric  *cache.Fabric
	ttl     time.Duration
	timeout time.Duration
}

func NewService(baseURL string, client *fetch.Client, fabric *cache.Fabric, ttl, timeout time.Duration) *Service {
	if baseURL == "" {
		baseURL = defaultMetaBaseURL
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		fabric:  fabric,
		ttl:     ttl,
		timeout: timeout,
	}
}

type metaEnvelope struct {
	Meta struct {
		Name          string          `json:"name"`
		Year          json.RawMessage `json:"year"` // "2019" or 2019 or "2019-2022"
		OriginalTitle string          `json:"originalTitle"`
		AliasNames    []string        `json:"aliasNames"`
		ReleaseInfo   string          `json:"releaseInfo"`
	} `json:"meta"`
}

// Lookup returns Metadata for the key. The episode dimension does not change
// the metadata, so series keys share one cache entry per external id.
func (s *Service) Lookup(ctx context.Context, key models.MediaKey) (*models.Metadata, error) {
	cacheKey := fmt.Sprintf("%s:%s", key.Kind, key.ExternalID)
	raw, err := s.fabric.GetOrCompute(ctx, cache.NSMeta, cacheKey, cache.ComputeOptions{TTL: s.ttl}, func(ctx context.Context) ([]byte, error) {
		meta, err := s.fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return nil, nil
		}
		return json.Marshal(meta)
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var meta models.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cached metadata %s: %w", cacheKey, err)
	}
	return &meta, nil
}

func (s *Service) fetch(ctx context.Context, key models.MediaKey) (*models.Metadata, error) {
	endpoint := fmt.Sprintf("%s/meta/%s/%s.json", s.baseURL, key.Kind, key.ExternalID)
	resp, err := s.client.Fetch(ctx, endpoint, fetch.Options{Timeout: s.timeout, Retries: 1})
	if err != nil {
		var statusErr *fetch.HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.Code == 404 {
			// Unknown id: a legitimate negative result.
			return nil, nil
		}
		return nil, fmt.Errorf("meta %s: %w", endpoint, err)
	}

	var envelope metaEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("meta %s: decode: %w", endpoint, err)
	}
	if envelope.Meta.Name == "" {
		return nil, nil
	}
	meta := &models.Metadata{
		Name:              envelope.Meta.Name,
		Year:              parseYear(envelope.Meta.Year, envelope.Meta.ReleaseInfo),
		OriginalTitle:     envelope.Meta.OriginalTitle,
		AlternativeTitles: envelope.Meta.AliasNames,
	}
	log.Printf("[metadata] %s %s -> %q (%d)", key.Kind, key.ExternalID, meta.Name, meta.Year)
	return meta, nil
}

// parseYear tolerates the MetaService's three year encodings: a number, a
// quoted string, or a "2019-2022" range.
func parseYear(raw json.RawMessage, releaseInfo string) int {
	candidate := strings.Trim(string(raw), `"`)
	if candidate == "" || candidate == "null" {
		candidate = releaseInfo
	}
	if idx := strings.IndexAny(candidate, "-–"); idx > 0 {
		candidate = candidate[:idx]
	}
	year, err := strconv.Atoi(strings.TrimSpace(candidate))
	if err != nil {
		return 0
	}
	return year
}
