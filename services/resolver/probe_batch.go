package resolver

import (
	"context"
	"log"

	"github.com/sourcegraph/conc"

	"streamgate/models"
	"streamgate/services/extractors"
	"streamgate/services/probe"
	"streamgate/utils"
)

// probeBatch range-probes ranked candidates in small parallel batches. The
// first seekable candidate in rank order wins. A host that only answers a
// full 200 is rejected like any other failure: every emitted stream either
// passed the range probe or sits on the trusted allowlist. A candidate that
// still points at a known host page is expanded through its extractor once
// before probing.
func (s *Service) probeBatch(ctx context.Context, rc resolveContext) resolveContext {
	next := rc

	queue := s.expandCandidates(ctx, rc.candidates, rc.hints)
	for start := 0; start < len(queue); start += probeBatchWidth {
		end := start + probeBatchWidth
		if end > len(queue) {
			end = len(queue)
		}
		batch := queue[start:end]
		results := make([]probe.Result, len(batch))

		var wg conc.WaitGroup
		for i, cand := range batch {
			i, cand := i, cand
			wg.Go(func() {
				results[i] = s.prober.Probe(ctx, cand.URL, probe.Options{})
			})
		}
		wg.Wait()

		for i, r := range results {
			switch r.Class {
			case probe.Seekable:
				next.result = finalFrom(batch[i], r)
				next.state = stateDone
				return next
			case probe.Unseekable:
				log.Printf("[resolver] dropping unseekable candidate %s", batch[i].URL)
			case probe.NonVideo:
				log.Printf("[resolver] dropping non-video candidate %s (%s)", batch[i].URL, r.Filename)
			}
		}
	}

	next.state = stateFailed
	return next
}

// expandCandidates runs host extractors over candidates that are still host
// pages, splicing their output in at the same rank. Extraction failures cost
// only that candidate.
func (s *Service) expandCandidates(ctx context.Context, cands []extractors.Candidate, hints utils.Hints) []extractors.Candidate {
	var out []extractors.Candidate
	for _, c := range cands {
		h := s.hostExtractorFor(c.URL)
		if h == nil || isDirectCandidate(c.URL) {
			out = append(out, c)
			continue
		}
		extracted, err := h.Extract(ctx, c.URL, c.Priority)
		if err != nil {
			log.Printf("[resolver] %s expand %s failed: %v", h.Name(), c.URL, err)
			continue
		}
		out = append(out, rankCandidates(dropFiltered(extracted), hints)...)
	}
	return out
}

func finalFrom(c extractors.Candidate, r probe.Result) *models.FinalStream {
	final := &models.FinalStream{
		DirectURL:     c.URL,
		Seekable:      true,
		Filename:      r.Filename,
		ContentLength: r.ContentLength,
	}
	if final.ContentLength <= 0 && c.Size > 0 {
		final.ContentLength = c.Size
	}
	return final
}
