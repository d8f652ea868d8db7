package extractors

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"streamgate/models"
	"streamgate/services/fetch"
)

const (
	moviedriveDefaultBaseURL = "https://moviesdrive.example"
	maxDetailPagesToLoad     = 2
)

// MovieDrive scrapes a WordPress-style catalog: a search page of article
// cards, and detail pages whose download sections group host links under
// quality headers.
type MovieDrive struct {
	name    string
	baseURL string
	deps    Deps
}

func NewMovieDrive(name, baseURL string, deps Deps) *MovieDrive {
	if baseURL == "" {
		baseURL = moviedriveDefaultBaseURL
	}
	return &MovieDrive{
		name:    strings.TrimSpace(name),
		baseURL: strings.TrimRight(baseURL, "/"),
		deps:    deps,
	}
}

func (m *MovieDrive) Name() string {
	if m.name != "" {
		return m.name
	}
	return "moviedrive"
}

// Search queries the catalog's search endpoint and parses article cards.
func (m *MovieDrive) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	if q.Meta == nil || q.Meta.Name == "" {
		return nil, nil
	}
	endpoint := fmt.Sprintf("%s/?s=%s", m.baseURL, url.QueryEscape(q.Meta.Name))
	resp, err := m.deps.FetchPage(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", m.Name(), err)
	}
	doc, err := resp.Document()
	if err != nil {
		return nil, fmt.Errorf("%s search: parse: %w", m.Name(), err)
	}

	var results []SearchResult
	seen := make(map[string]struct{})
	for _, card := range findAll(doc, func(n *html.Node) bool {
		return isElement(n, "article") || hasClass(n, "post") || hasClass(n, "result-item")
	}) {
		link := findFirst(card, func(n *html.Node) bool { return isElement(n, "a") })
		if link == nil {
			continue
		}
		href := fetch.ResolveRelative(resp.FinalURL, attr(link, "href"))
		title := strings.TrimSpace(attr(link, "title"))
		if title == "" {
			title = textContent(link)
		}
		if href == "" || title == "" {
			continue
		}
		if _, dup := seen[href]; dup {
			continue
		}
		seen[href] = struct{}{}
		results = append(results, SearchResult{Title: title, URL: href, Year: yearFromTitle(title)})
	}
	return results, nil
}

// Load parses a detail page into quality-grouped host links. Sections are
// header elements carrying a resolution marker; the anchors that follow
// belong to that section until the next header.
func (m *MovieDrive) Load(ctx context.Context, pageURL string) (*LoadResult, error) {
	resp, err := m.deps.FetchPage(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("%s load: %w", m.Name(), err)
	}
	doc, err := resp.Document()
	if err != nil {
		return nil, fmt.Errorf("%s load: parse: %w", m.Name(), err)
	}

	result := &LoadResult{}
	if h1 := findFirst(doc, func(n *html.Node) bool { return isElement(n, "h1") }); h1 != nil {
		result.Title = textContent(h1)
		result.Year = yearFromTitle(result.Title)
	}

	body := findFirst(doc, func(n *html.Node) bool { return isElement(n, "body") })
	if body == nil {
		return result, nil
	}

	section := ""
	for _, n := range findAll(body, func(n *html.Node) bool {
		switch {
		case isElement(n, "h3"), isElement(n, "h4"), isElement(n, "h5"):
			return true
		case isElement(n, "a"):
			return attr(n, "href") != ""
		}
		return false
	}) {
		if n.Data != "a" {
			section = textContent(n)
			continue
		}
		href := fetch.ResolveRelative(resp.FinalURL, attr(n, "href"))
		label := textContent(n)
		if !looksLikeHostLink(href) {
			continue
		}
		combined := label + " " + section
		result.Links = append(result.Links, models.ProviderLink{
			URL:        href,
			Label:      strings.TrimSpace(label),
			Resolution: ParseResolution(combined),
			SizeBytes:  ParseSizeBytes(combined),
			Languages:  languagesFromLabel(combined),
			Host:       HostNameOf(href),
			Priority:   TierOf(href).Priority(),
		})
	}
	return result, nil
}

// Discover runs the full discovery phase: search, match against metadata,
// load the best detail pages, filter to the requested episode.
func (m *MovieDrive) Discover(ctx context.Context, q Query) ([]models.ProviderLink, error) {
	results, err := m.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	var links []models.ProviderLink
	var errs []error
	loaded := 0
	for _, r := range results {
		if loaded >= maxDetailPagesToLoad {
			break
		}
		if !TitleMatches(r.Title, q.Meta) {
			continue
		}
		if q.Meta != nil && q.Meta.Year > 0 && r.Year > 0 && absDiff(r.Year, q.Meta.Year) > 1 {
			continue
		}
		loaded++
		page, err := m.Load(ctx, r.URL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, link := range page.Links {
			if q.Key.Kind == models.MediaKindSeries && !episodeMatches(link.Label, q.Key) {
				continue
			}
			links = append(links, link)
		}
	}
	if len(links) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	log.Printf("[%s] discovery found %d link(s) for %s", m.Name(), len(links), q.Key.CacheKey())
	return links, nil
}

func looksLikeHostLink(href string) bool {
	u, err := url.Parse(href)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, marker := range []string{"gdflix", "filesdl", "gofile", "pixeldrain", "hubcloud", "ouo", "workers.dev"} {
		if strings.Contains(host, marker) {
			return true
		}
	}
	return false
}

var episodeRe = regexp.MustCompile(`(?i)\b(?:S(\d{1,2})\s*E(\d{1,3})|episode\s*(\d{1,3}))\b`)

// episodeMatches keeps a link when its label names the requested episode or
// names no episode at all (season packs resolve later by hint).
func episodeMatches(label string, key models.MediaKey) bool {
	m := episodeRe.FindStringSubmatch(label)
	if m == nil {
		return true
	}
	if m[3] != "" {
		ep, _ := strconv.Atoi(m[3])
		return ep == key.Episode
	}
	season, _ := strconv.Atoi(m[1])
	ep, _ := strconv.Atoi(m[2])
	return season == key.Season && ep == key.Episode
}

var yearRe = regexp.MustCompile(`\((\d{4})\)|\b(19\d{2}|20\d{2})\b`)

func yearFromTitle(title string) int {
	m := yearRe.FindStringSubmatch(title)
	if m == nil {
		return 0
	}
	candidate := m[1]
	if candidate == "" {
		candidate = m[2]
	}
	year, _ := strconv.Atoi(candidate)
	return year
}

func languagesFromLabel(label string) []string {
	lower := strings.ToLower(label)
	var langs []string
	for _, l := range []string{"hindi", "english", "tamil", "telugu", "dual audio", "multi audio"} {
		if strings.Contains(lower, l) {
			langs = append(langs, l)
		}
	}
	return langs
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
