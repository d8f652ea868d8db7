package cache

import (
	"encoding/json"

	"streamgate/models"
)

// MergeStreams applies the background-refresh merge rule for link lists:
// fresh items are added, existing items keyed by fingerprint survive. For
// prefer-fresh providers the newer entry overwrites instead.
func MergeStreams(existing, fresh []models.PreviewStream, preferFresh bool) []models.PreviewStream {
	merged := make([]models.PreviewStream, 0, len(existing)+len(fresh))
	index := make(map[string]int, len(existing))
	for _, s := range existing {
		index[s.Fingerprint()] = len(merged)
		merged = append(merged, s)
	}
	for _, s := range fresh {
		if at, dup := index[s.Fingerprint()]; dup {
			if preferFresh {
				merged[at] = s
			}
			continue
		}
		index[s.Fingerprint()] = len(merged)
		merged = append(merged, s)
	}
	return merged
}

// StreamListMerger adapts MergeStreams to the byte-level Merge hook of
// ComputeOptions.
func StreamListMerger(preferFresh bool) func(stale, fresh []byte) []byte {
	return func(stale, fresh []byte) []byte {
		var oldList, newList []models.PreviewStream
		if err := json.Unmarshal(stale, &oldList); err != nil {
			return fresh
		}
		if err := json.Unmarshal(fresh, &newList); err != nil {
			return stale
		}
		merged, err := json.Marshal(MergeStreams(oldList, newList, preferFresh))
		if err != nil {
			return fresh
		}
		return merged
	}
}
