package supervisor

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"testing"
	"time"

	"streamgate/config"
)

func TestWorkerCount(t *testing.T) {
	cpu := runtime.NumCPU()
	cases := []struct {
		name     string
		settings config.SupervisorSettings
		want     int
	}{
		{"explicit wins", config.SupervisorSettings{Workers: 3, MaxWorkers: 8}, 3},
		{"explicit capped", config.SupervisorSettings{Workers: 50, MaxWorkers: 4}, 4},
		{"memory bound", config.SupervisorSettings{IOMultiplier: 8, MaxWorkers: 64, PerWorkerMB: 256, MemoryBudgetMB: 256}, cpu},
		{"max bound", config.SupervisorSettings{IOMultiplier: 100, MaxWorkers: 6}, 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := WorkerCount(tc.settings); got != tc.want {
				t.Fatalf("WorkerCount(%+v) = %d, want %d", tc.settings, got, tc.want)
			}
		})
	}
}

func TestWorkerCountNeverBelowOne(t *testing.T) {
	if got := WorkerCount(config.SupervisorSettings{IOMultiplier: 1, MaxWorkers: 1, PerWorkerMB: 1024, MemoryBudgetMB: 1}); got != 1 {
		t.Fatalf("WorkerCount = %d, want 1", got)
	}
}

func TestCrashTrackerBackoff(t *testing.T) {
	var tr crashTracker
	now := time.Now()

	for i := 0; i < crashThreshold; i++ {
		tr.Record(now.Add(time.Duration(i) * time.Second))
	}
	if d := tr.Backoff(now.Add(5 * time.Second)); d != 0 {
		t.Fatalf("below threshold should not back off, got %s", d)
	}

	// Sixth crash inside ten seconds: the delay is base doubled per crash in
	// the window (2s x 2^5 = 64s), so it already sits at the cap.
	tr.Record(now.Add(6 * time.Second))
	if d := tr.Backoff(now.Add(6 * time.Second)); d < backoffCap {
		t.Fatalf("sixth crash backoff = %s, want at least the %s cap", d, backoffCap)
	}
	if d := tr.Backoff(now.Add(6 * time.Second)); d > backoffCap {
		t.Fatalf("backoff exceeded the cap: %s", d)
	}
}

func TestCrashTrackerBackoffScalesWithCount(t *testing.T) {
	var tr crashTracker
	now := time.Now()
	for i := 0; i <= crashThreshold; i++ {
		tr.Record(now)
	}

	want := backoffBase
	for i := 1; i < crashThreshold+1; i++ {
		want *= 2
	}
	if want > backoffCap {
		want = backoffCap
	}
	if d := tr.Backoff(now); d != want {
		t.Fatalf("backoff for %d crashes = %s, want base<<%d capped = %s",
			crashThreshold+1, d, crashThreshold, want)
	}
}

func TestCrashTrackerWindowExpiry(t *testing.T) {
	var tr crashTracker
	now := time.Now()
	for i := 0; i < 10; i++ {
		tr.Record(now)
	}
	later := now.Add(crashWindow + time.Second)
	if n := tr.InWindow(later); n != 0 {
		t.Fatalf("crashes should age out of the window, counted %d", n)
	}
	if d := tr.Backoff(later); d != 0 {
		t.Fatalf("aged-out crashes should not back off, got %s", d)
	}
}

func TestSupervisorServesAcrossWorkers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := New(ln, 3, func(workerID int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "worker=%d", workerID)
		})
	})
	go s.Run()
	defer s.Stop()

	// Force one conn per request so the round-robin spreads them.
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	seen := make(map[string]struct{})
	for i := 0; i < 12; i++ {
		resp, err := client.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d", i, resp.StatusCode)
		}
		seen[string(body)] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatalf("expected requests spread over workers, saw %v", seen)
	}
}

func TestSupervisorStopRefusesNewConns(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := New(ln, 1, func(int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})
	go s.Run()

	client := &http.Client{Timeout: time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	if _, err := client.Get("http://" + ln.Addr().String() + "/"); err != nil {
		t.Fatalf("warmup request: %v", err)
	}

	s.Stop()
	if _, err := client.Get("http://" + ln.Addr().String() + "/"); err == nil {
		t.Fatal("request after Stop should fail")
	}
}
