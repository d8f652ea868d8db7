package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"streamgate/config"
	"streamgate/models"
	"streamgate/services/aggregate"
	"streamgate/services/cache"
	"streamgate/services/extractors"
	"streamgate/services/fetch"
	"streamgate/services/metadata"
)

func newStreamsServer(t *testing.T, providerJSON string) *httptest.Server {
	t.Helper()
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, providerJSON)
	}))
	t.Cleanup(provider.Close)
	meta := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"meta":{"name":"The Matrix","year":1999}}`)
	}))
	t.Cleanup(meta.Close)

	settings := config.DefaultSettings()
	settings.Providers = []config.ProviderSettings{
		{Name: "alpha", Type: "vidsrc", URL: provider.URL, Enabled: true, TimeoutSec: 5},
	}

	fabric := cache.NewFabric(nil, 0)
	t.Cleanup(func() { fabric.WaitRefreshes() })
	fetcher := fetch.NewClient(fetch.Config{Retries: 0, Timeout: 5 * time.Second})
	metaService := metadata.NewService(meta.URL, fetcher, fabric, time.Hour, 2*time.Second)
	agg := aggregate.NewService(settings, fetcher, nil, fabric, metaService, extractors.NewRegistry())

	r := mux.NewRouter()
	r.Handle("/streams/{kind}/{id}.json", NewStreamsHandler(agg, "")).Methods(http.MethodGet)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func getStreams(t *testing.T, url string) (int, models.StreamsResponse) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out models.StreamsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, out
}

func TestStreamsEndpointReturnsCatalog(t *testing.T) {
	srv := newStreamsServer(t, `{"streams":[
{"url":"https://cdn.example.workers.dev/v/m.mkv","quality":"1080p","size":2147483648}
]}`)

	status, out := getStreams(t, srv.URL+"/streams/movie/tt0133093.json")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(out.Streams) != 1 {
		t.Fatalf("streams = %+v", out.Streams)
	}
	item := out.Streams[0]
	if item.URL == "" || item.Name == "" {
		t.Fatalf("incomplete item: %+v", item)
	}
	// Direct CDN link: playable as-is.
	if item.BehaviorHints != nil {
		t.Fatalf("direct link should carry no behavior hints: %+v", item)
	}
}

func TestStreamsEndpointAlways200(t *testing.T) {
	srv := newStreamsServer(t, `{"streams":[]}`)
	cases := []string{
		"/streams/movie/tt0133093.json",       // empty provider result
		"/streams/bogus/tt0133093.json",       // unknown kind
		"/streams/series/tt0903747.json",      // series id missing season/episode
		"/streams/movie/tt0133093:1:2.json",   // movie id with episode parts
	}
	for _, path := range cases {
		status, out := getStreams(t, srv.URL+path)
		if status != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", path, status)
		}
		if out.Streams == nil {
			t.Fatalf("%s: streams must be an empty array, not null", path)
		}
		if len(out.Streams) != 0 {
			t.Fatalf("%s: expected no streams, got %+v", path, out.Streams)
		}
	}
}

func TestStreamsEndpointSeriesKey(t *testing.T) {
	srv := newStreamsServer(t, `{"streams":[{"url":"https://a.example/ep","label":"720p"}]}`)
	status, out := getStreams(t, srv.URL+"/streams/series/tt0903747:1:2.json")
	if status != http.StatusOK || len(out.Streams) != 1 {
		t.Fatalf("status=%d streams=%+v", status, out.Streams)
	}
}

func TestFormatSize(t *testing.T) {
	if got := formatSize(2 * 1024 * 1024 * 1024); got != "2.00 GB" {
		t.Fatalf("formatSize = %q", got)
	}
	if got := formatSize(450 * 1024 * 1024); got != "450 MB" {
		t.Fatalf("formatSize = %q", got)
	}
}

func TestBaseFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://gw.example:7777/streams/movie/x.json", nil)
	if got := baseFromRequest(r, ""); got != "http://gw.example:7777" {
		t.Fatalf("derived base = %q", got)
	}
	if got := baseFromRequest(r, "https://public.example/"); got != "https://public.example" {
		t.Fatalf("configured base = %q", got)
	}
	r.Header.Set("X-Forwarded-Proto", "https")
	if got := baseFromRequest(r, ""); got != "https://gw.example:7777" {
		t.Fatalf("forwarded proto base = %q", got)
	}
}
