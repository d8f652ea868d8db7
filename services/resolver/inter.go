package resolver

import (
	"context"
	"fmt"
	"log"

	"streamgate/services/extractors"
	"streamgate/services/fetch"
)

// resolveIntermediary walks a wrapper page one hop deeper: decode any
// embedded encrypted payload, otherwise harvest outbound anchors. The
// candidates then ride the normal selection path, where the resolution hint
// and host tiers order them.
func (s *Service) resolveIntermediary(ctx context.Context, rc resolveContext) (resolveContext, error) {
	next := rc
	resp, err := s.fetchShortPage(ctx, rc.url, rc.jar)
	if err != nil {
		return next, fmt.Errorf("intermediary %s: %w", rc.url, err)
	}

	if cands, ok := decodePayloadCandidates(resp.Body); ok {
		log.Printf("[resolver] decoded embedded payload at %s (%d candidates)", rc.url, len(cands))
		next.candidates = cands
		next.state = stateSelectBest
		return next, nil
	}

	cands := anchorCandidates(resp, rc.hints.Resolution)
	if len(cands) == 0 {
		next.state = stateFailed
		return next, nil
	}
	next.candidates = cands
	next.state = stateSelectBest
	return next, nil
}

// anchorCandidates harvests outbound links from a wrapper page. Candidates
// whose label names a resolution different from the hint are dropped;
// unlabeled ones stay.
func anchorCandidates(resp *fetch.Response, wantResolution string) []extractors.Candidate {
	doc, err := resp.Document()
	if err != nil || doc == nil {
		return nil
	}
	pageHost := hostnameOf(resp.FinalURL)

	var out []extractors.Candidate
	for _, a := range collect(doc, "a") {
		href := fetch.ResolveRelative(resp.FinalURL, attrOf(a, "href"))
		if href == "" || hostnameOf(href) == "" || hostnameOf(href) == pageHost {
			continue
		}
		if !knownHostLink(href) && !isDirectCandidate(href) {
			continue
		}
		label := textOf(a)
		if wantResolution != "" {
			if res := extractors.ParseResolution(label); res != "" && res != wantResolution {
				continue
			}
		}
		out = append(out, extractors.Candidate{
			URL:      href,
			Label:    label,
			Priority: extractors.TierOf(href).Priority(),
		})
	}
	return out
}
