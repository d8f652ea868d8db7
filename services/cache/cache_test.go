package cache

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamgate/models"
)

func TestGetOrComputeSingleFlight(t *testing.T) {
	f := NewFabric(nil, 0)
	var producerCalls int32
	gate := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, err := f.GetOrCompute(context.Background(), "t", "k", ComputeOptions{TTL: time.Minute}, func(ctx context.Context) ([]byte, error) {
				atomic.AddInt32(&producerCalls, 1)
				<-gate
				return []byte("value"), nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = string(value)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := atomic.LoadInt32(&producerCalls); got != 1 {
		t.Fatalf("expected exactly one producer invocation, got %d", got)
	}
	for i, r := range results {
		if r != "value" {
			t.Fatalf("caller %d observed %q", i, r)
		}
	}
}

func TestNegativeCaching(t *testing.T) {
	f := NewFabric(nil, 0)
	var calls int32
	produce := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}
	opts := ComputeOptions{TTL: time.Hour, SkipRefresh: true}
	if v, err := f.GetOrCompute(context.Background(), "t", "neg", opts, produce); err != nil || v != nil {
		t.Fatalf("expected cached nil, got %v / %v", v, err)
	}
	if _, err := f.GetOrCompute(context.Background(), "t", "neg", opts, produce); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("negative result should be served from cache, producer ran %d times", got)
	}
	if _, hit := f.Get("t", "neg"); !hit {
		t.Fatalf("negative entry should count as a hit")
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	f := NewFabric(nil, 0)
	f.Set("t", "k", []byte("stale"), time.Nanosecond)
	time.Sleep(time.Millisecond)

	got, err := f.GetOrCompute(context.Background(), "t", "k", ComputeOptions{TTL: time.Minute}, func(ctx context.Context) ([]byte, error) {
		return []byte("fresh"), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "stale" {
		t.Fatalf("stale value should be returned immediately, got %q", got)
	}
	f.WaitRefreshes()
	value, hit := f.Get("t", "k")
	if !hit || string(value) != "fresh" {
		t.Fatalf("background refresh should replace the value, got %q (hit=%v)", value, hit)
	}
}

func TestStaleRefreshEmptyResultKeepsOld(t *testing.T) {
	f := NewFabric(nil, 0)
	f.Set("t", "k", []byte("keep"), time.Nanosecond)
	time.Sleep(time.Millisecond)

	_, err := f.GetOrCompute(context.Background(), "t", "k", ComputeOptions{TTL: time.Minute}, func(ctx context.Context) ([]byte, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.WaitRefreshes()
	// The stale entry stays; an empty refresh must not destroy it.
	value, hit := f.Get("t", "k")
	_ = hit // entry is expired so Get may miss, but it must not be overwritten with nil
	if value != nil && string(value) != "keep" {
		t.Fatalf("empty refresh overwrote cached value with %q", value)
	}
}

func TestEvictionBounded(t *testing.T) {
	f := NewFabric(nil, 4)
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		f.Set("t", k, []byte(k), time.Minute)
		time.Sleep(2 * time.Millisecond) // distinct creation times
	}
	if size := f.Size("t"); size > 4 {
		t.Fatalf("namespace exceeded bound: %d entries", size)
	}
	if _, hit := f.Get("t", "f"); !hit {
		t.Fatalf("newest entry must survive eviction")
	}
	if _, hit := f.Get("t", "a"); hit {
		t.Fatalf("oldest entry should have been evicted")
	}
}

func TestPersistentTierRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	f := NewFabric(store, 0)
	f.Set(NSMeta, "movie:tt1", []byte(`{"name":"x"}`), time.Hour)
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()
	f2 := NewFabric(store2, 0)
	value, hit := f2.Get(NSMeta, "movie:tt1")
	if !hit || string(value) != `{"name":"x"}` {
		t.Fatalf("expected persisted value, got %q (hit=%v)", value, hit)
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := store.Put("t", "k", []byte("v"), -time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, hit, _ := store.Get("t", "k"); hit {
		t.Fatalf("expired entry must not be returned")
	}
}

func TestMergeStreams(t *testing.T) {
	existing := []models.PreviewStream{
		{Provider: "a", OpaqueURL: "u1", DisplayLabel: "old-1"},
		{Provider: "a", OpaqueURL: "u2", DisplayLabel: "old-2"},
	}
	fresh := []models.PreviewStream{
		{Provider: "a", OpaqueURL: "u2", DisplayLabel: "new-2"},
		{Provider: "a", OpaqueURL: "u3", DisplayLabel: "new-3"},
	}

	merged := MergeStreams(existing, fresh, false)
	if len(merged) != 3 {
		t.Fatalf("expected superset of 3, got %d", len(merged))
	}
	for _, want := range existing {
		found := false
		for _, got := range merged {
			if got.OpaqueURL == want.OpaqueURL && got.DisplayLabel == want.DisplayLabel {
				found = true
			}
		}
		if !found {
			t.Fatalf("merge lost existing item %q", want.OpaqueURL)
		}
	}

	preferFresh := MergeStreams(existing, fresh, true)
	for _, got := range preferFresh {
		if got.OpaqueURL == "u2" && got.DisplayLabel != "new-2" {
			t.Fatalf("prefer-fresh should take the newer entry, got %q", got.DisplayLabel)
		}
	}
}

func TestMergeKeepsMirrorsSharingHints(t *testing.T) {
	// Two gdflix mirrors at the same episode/resolution differ only by URL.
	hints := "ep=S01E02&res=1080p&host=gdflix"
	existing := []models.PreviewStream{
		{Provider: "a", OpaqueURL: "http://gw.test/resolve/a/mirror-one", DisplayLabel: "Mirror 1", Hints: hints},
	}
	fresh := []models.PreviewStream{
		{Provider: "a", OpaqueURL: "http://gw.test/resolve/a/mirror-one", DisplayLabel: "Mirror 1", Hints: hints},
		{Provider: "a", OpaqueURL: "http://gw.test/resolve/a/mirror-two", DisplayLabel: "Mirror 2", Hints: hints},
	}

	merged := MergeStreams(existing, fresh, false)
	if len(merged) != 2 {
		t.Fatalf("new mirror with identical hints was dropped, merged = %+v", merged)
	}
}

func TestMergeFingerprintIgnoresGatewayBase(t *testing.T) {
	existing := []models.PreviewStream{
		{Provider: "a", OpaqueURL: "http://one.test/resolve/a/u1", DisplayLabel: "old"},
	}
	fresh := []models.PreviewStream{
		{Provider: "a", OpaqueURL: "http://two.test/resolve/a/u1", DisplayLabel: "new"},
	}

	merged := MergeStreams(existing, fresh, false)
	if len(merged) != 1 {
		t.Fatalf("same link under a different base must not duplicate, merged = %+v", merged)
	}
}
