package utils

import (
	"net/url"
	"strings"
	"testing"
)

func TestOpaqueRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		orig  string
		hints Hints
	}{
		{"plain url no hints", "https://host.example/file.mkv", Hints{}},
		{"episode and resolution", "https://short.example/abc", Hints{Episode: "S01E02", Resolution: "1080p"}},
		{"full hints", "https://wrap.example/watch?id=9", Hints{Episode: "S10E20", Resolution: "2160p", Host: "pixeldrain"}},
		{"url with query and fragment-ish chars", "https://h.example/p?a=1&b=%20x", Hints{Host: "gofile"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := WrapOpaque("http://gate.example", "prov", tt.orig, tt.hints)

			u, err := url.Parse(wrapped)
			if err != nil {
				t.Fatalf("wrapped URL does not parse: %v", err)
			}
			if u.Query().Get("provider") != "prov" {
				t.Fatalf("missing provider tag in %q", wrapped)
			}
			segment := strings.TrimPrefix(u.EscapedPath(), "/resolve/prov/")

			gotURL, gotHints, err := UnwrapOpaque(segment)
			if err != nil {
				t.Fatalf("unwrap failed: %v", err)
			}
			if gotURL != tt.orig {
				t.Fatalf("url round trip: got %q, want %q", gotURL, tt.orig)
			}
			if gotHints != tt.hints {
				t.Fatalf("hints round trip: got %+v, want %+v", gotHints, tt.hints)
			}
		})
	}
}

func TestUnwrapOpaqueURLRoundTrip(t *testing.T) {
	orig := "https://h.example/p?sig=abc&x=%20y"
	hints := Hints{Episode: "S02E03", Host: "gdflix"}
	wrapped := WrapOpaque("http://gate.example", "prov", orig, hints)

	gotURL, gotHints, err := UnwrapOpaqueURL(wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if gotURL != orig || gotHints != hints {
		t.Fatalf("round trip: got (%q, %+v), want (%q, %+v)", gotURL, gotHints, orig, hints)
	}
}

func TestUnwrapOpaqueURLRejectsEmptySegment(t *testing.T) {
	if _, _, err := UnwrapOpaqueURL("http://gate.example/resolve/prov/"); err == nil {
		t.Fatalf("expected error for empty segment")
	}
}

func TestUnwrapRejectsGarbage(t *testing.T) {
	if _, _, err := UnwrapOpaque("%zz"); err == nil {
		t.Fatalf("expected error for malformed escape")
	}
}

func TestParseHintsIgnoresUnknownKeys(t *testing.T) {
	h := ParseHints("ep=S01E01&res=720p&future=1")
	if h.Episode != "S01E01" || h.Resolution != "720p" {
		t.Fatalf("unexpected hints: %+v", h)
	}
}
