package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"streamgate/services/cache"
	"streamgate/services/extractors"
	"streamgate/services/fetch"
	"streamgate/services/probe"
	"streamgate/utils"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	fabric := cache.NewFabric(nil, 0)
	t.Cleanup(func() { fabric.WaitRefreshes() })
	return NewService(
		fetch.NewClient(fetch.Config{Retries: 0, Timeout: 5 * time.Second}),
		nil,
		probe.NewProber(nil),
		fabric,
		extractors.NewRegistry(),
		time.Minute,
	)
}

func TestResolveTrustedDirectURL(t *testing.T) {
	s := newTestService(t)
	final, err := s.Resolve(context.Background(), "p1", "https://cdn.example.workers.dev/v/movie.mkv", utils.Hints{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if final == nil || !final.Seekable {
		t.Fatalf("trusted CDN URL should resolve seekable, got %+v", final)
	}
	if final.DirectURL != "https://cdn.example.workers.dev/v/movie.mkv" {
		t.Fatalf("direct url = %q", final.DirectURL)
	}
}

func TestResolveGoogleUserContentRejected(t *testing.T) {
	s := newTestService(t)
	final, err := s.Resolve(context.Background(), "p1", "https://lh3.googleusercontent.com/d/abc.mp4", utils.Hints{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if final != nil {
		t.Fatalf("googleusercontent must never survive, got %+v", final)
	}
}

func TestResolveCachesChainWalk(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Range", "bytes 0-1/5000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0, 0})
	}))
	defer srv.Close()

	s := newTestService(t)
	target := srv.URL + "/file/movie.mkv"
	for i := 0; i < 3; i++ {
		final, err := s.Resolve(context.Background(), "p1", target, utils.Hints{})
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if final == nil || !final.Seekable {
			t.Fatalf("resolve %d: %+v", i, final)
		}
		if final.ContentLength != 5000 {
			t.Fatalf("content length = %d", final.ContentLength)
		}
	}
	if hits != 1 {
		t.Fatalf("chain walked %d times, expected 1 (cached)", hits)
	}
}

func TestResolveRejectsUnseekableHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignores the Range header entirely.
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	s := newTestService(t)
	final, err := s.Resolve(context.Background(), "p1", srv.URL+"/video.mp4", utils.Hints{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Every emitted stream must have passed the range probe; a 200-only host
	// exhausts the chain instead of riding along unseekable.
	if final != nil {
		t.Fatalf("host that never serves ranges must not resolve, got %+v", final)
	}
}

func TestResolveArchiveRejected(t *testing.T) {
	s := newTestService(t)
	final, err := s.Resolve(context.Background(), "p1", "https://cdn.example.workers.dev/files/movie.zip", utils.Hints{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if final != nil {
		t.Fatalf("archive on trusted host must be rejected, got %+v", final)
	}
}

func TestRankCandidatesHintWinsOverPriority(t *testing.T) {
	cands := []extractors.Candidate{
		{URL: "https://cdn.example.workers.dev/a.mkv", Priority: 300},
		{URL: "https://pixeldrain.com/u/x", Label: "1080p", Priority: 200},
	}
	ranked := rankCandidates(cands, utils.Hints{Host: "pixeldrain"})
	if ranked[0].URL != "https://pixeldrain.com/u/x" {
		t.Fatalf("host hint should win: %+v", ranked)
	}

	ranked = rankCandidates(cands, utils.Hints{})
	if ranked[0].URL != "https://cdn.example.workers.dev/a.mkv" {
		t.Fatalf("priority should win without hint: %+v", ranked)
	}
}

func TestRankCandidatesResolutionBreaksTies(t *testing.T) {
	cands := []extractors.Candidate{
		{URL: "https://a.example/x", Label: "720p", Priority: 100},
		{URL: "https://b.example/y", Label: "1080p", Priority: 100},
	}
	ranked := rankCandidates(cands, utils.Hints{Resolution: "1080p"})
	if ranked[0].URL != "https://b.example/y" {
		t.Fatalf("resolution hint should break the tie: %+v", ranked)
	}
}

func TestDropFilteredDeduplicates(t *testing.T) {
	cands := []extractors.Candidate{
		{URL: "https://a.example/x"},
		{URL: "https://a.example/x"},
		{URL: ""},
		{URL: "https://lh3.googleusercontent.com/d/y"},
	}
	out := dropFiltered(cands)
	if len(out) != 1 || out[0].URL != "https://a.example/x" {
		t.Fatalf("dropFiltered = %+v", out)
	}
}

func TestShortFormDanceFollowsHiddenForm(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var sawToken string
	mux.HandleFunc("/s/abc", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body>
<form method="POST" action="/s/step2">
<input type="hidden" name="token" value="t0k3n">
<button type="submit">Continue</button>
</form></body></html>`)
	})
	mux.HandleFunc("/s/step2", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		sawToken = r.PostFormValue("token")
		fmt.Fprint(w, `<html><body>
<a href="https://cdn.example.workers.dev/v/final.mkv">Get Link</a>
</body></html>`)
	})

	s := newTestService(t)
	rc := resolveContext{
		state:   stateResolveShort,
		url:     srv.URL + "/s/abc",
		jar:     newTestJar(t),
		visited: make(map[hopKey]bool),
	}
	out, err := s.resolveShort(context.Background(), rc)
	if err != nil {
		t.Fatalf("resolveShort: %v", err)
	}
	if sawToken != "t0k3n" {
		t.Fatalf("hidden input not replayed, token = %q", sawToken)
	}
	if out.state != stateClassify || out.url != "https://cdn.example.workers.dev/v/final.mkv" {
		t.Fatalf("unexpected outcome: state=%d url=%q", out.state, out.url)
	}
}

func TestShortFormDanceLoopDetector(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var submits int
	mux.HandleFunc("/s/loop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			submits++
		}
		// Same form, same values, forever.
		fmt.Fprint(w, `<html><body>
<form method="POST" action="/s/loop">
<input type="hidden" name="t" value="same">
<button type="submit">Go</button>
</form></body></html>`)
	})

	s := newTestService(t)
	rc := resolveContext{
		state:   stateResolveShort,
		url:     srv.URL + "/s/loop",
		jar:     newTestJar(t),
		visited: make(map[hopKey]bool),
	}
	out, err := s.resolveShort(context.Background(), rc)
	if err != nil {
		t.Fatalf("resolveShort: %v", err)
	}
	if out.state != stateFailed {
		t.Fatalf("loop should fail the chain, state = %d", out.state)
	}
	if submits != 1 {
		t.Fatalf("loop detector should stop after first repeat, submits = %d", submits)
	}
}

func TestShortHostHintShortCircuit(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/s/pick", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<a href="https://gofile.io/d/aaa">GoFile</a>
<a href="https://pixeldrain.com/u/bbb">PixelDrain</a>
<form method="POST" action="/s/never"><button>Go</button></form>
</body></html>`)
	})

	s := newTestService(t)
	rc := resolveContext{
		state:   stateResolveShort,
		url:     srv.URL + "/s/pick",
		hints:   utils.Hints{Host: "pixeldrain"},
		jar:     newTestJar(t),
		visited: make(map[hopKey]bool),
	}
	out, err := s.resolveShort(context.Background(), rc)
	if err != nil {
		t.Fatalf("resolveShort: %v", err)
	}
	if out.url != "https://pixeldrain.com/u/bbb" {
		t.Fatalf("host hint should pick pixeldrain, got %q", out.url)
	}
}

func TestIntermediaryAnchorHarvest(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-1/9000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0, 0})
	}))
	defer cdn.Close()

	wrapper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body>
<a href="%s/stream/movie.mkv">Download 1080p</a>
<a href="/local/nav">About</a>
</body></html>`, cdn.URL)
	}))
	defer wrapper.Close()

	s := newTestService(t)
	final, err := s.Resolve(context.Background(), "p1", wrapper.URL+"/page", utils.Hints{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if final == nil || !final.Seekable {
		t.Fatalf("expected seekable via intermediary, got %+v", final)
	}
	if final.ContentLength != 9000 {
		t.Fatalf("content length = %d", final.ContentLength)
	}
}

func TestResolveContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Resolve(ctx, "p1", srv.URL+"/slow", utils.Hints{})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("resolve did not abort after cancellation")
	}
}
