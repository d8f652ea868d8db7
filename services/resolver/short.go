package resolver

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"streamgate/services/fetch"
	"streamgate/services/solver"
	"streamgate/utils"
)

// actionRe is the fallback when a form carries no action attribute: the
// endpoint usually appears in inline script near the form.
var actionRe = regexp.MustCompile(`(?i)action\s*[:=]\s*["']([^"']+)["']`)

// resolveShort walks an ouo-style shortener: load the page, find the primary
// form, replay its hidden inputs, follow the hop. Cookies accumulate in the
// shared jar so anti-bot tokens survive across hops. The loop detector kills
// chains that revisit a (method, url, body) triple.
func (s *Service) resolveShort(ctx context.Context, rc resolveContext) (resolveContext, error) {
	next := rc
	pageURL := rc.url

	for hop := 0; hop < maxFormHops; hop++ {
		resp, err := s.fetchShortPage(ctx, pageURL, rc.jar)
		if err != nil {
			return next, fmt.Errorf("short hop %d at %s: %w", hop, pageURL, err)
		}

		// A page already naming an external candidate ends the dance early,
		// hint match first.
		if ext := externalCandidate(resp, rc.hints); ext != "" {
			next.url = ext
			next.hops = rc.hops + hop + 1
			next.state = stateClassify
			return next, nil
		}

		form, ok := primaryForm(resp)
		if !ok {
			next.state = stateFailed
			return next, nil
		}

		key := hopKey{method: form.method, url: form.action, body: form.values.Encode()}
		if rc.visited[key] {
			log.Printf("[resolver] short chain loops at %s, aborting", form.action)
			next.state = stateFailed
			return next, nil
		}
		rc.visited[key] = true

		resp, err = s.submitForm(ctx, form, rc.jar)
		if err != nil {
			return next, fmt.Errorf("short hop %d submit %s: %w", hop, form.action, err)
		}
		if ext := externalCandidate(resp, rc.hints); ext != "" {
			next.url = ext
			next.hops = rc.hops + hop + 1
			next.state = stateClassify
			return next, nil
		}
		// Landed on a different page; keep dancing from there.
		if resp.FinalURL != "" && resp.FinalURL != pageURL && !isShortener(resp.FinalURL) {
			next.url = resp.FinalURL
			next.hops = rc.hops + hop + 1
			next.state = stateClassify
			return next, nil
		}
		pageURL = resp.FinalURL
	}

	next.state = stateFailed
	return next, nil
}

// fetchShortPage loads a shortener page, escalating to the solver when the
// page sits behind a challenge.
func (s *Service) fetchShortPage(ctx context.Context, pageURL string, jar http.CookieJar) (*fetch.Response, error) {
	resp, err := s.fetcher.Fetch(ctx, pageURL, fetch.Options{Jar: jar, AcceptAnyStatus: true})
	if err != nil {
		return nil, err
	}
	if fetch.IsChallenge(resp) && s.solver.Configured() {
		return s.solvePage(ctx, pageURL, "", "")
	}
	if resp.Status >= 400 {
		return nil, &fetch.HTTPStatusError{Code: resp.Status}
	}
	return resp, nil
}

func (s *Service) solvePage(ctx context.Context, pageURL, method, postData string) (*fetch.Response, error) {
	sol, err := s.solver.Solve(ctx, pageURL, solver.SolveOptions{Method: method, PostData: postData})
	if err != nil {
		return nil, err
	}
	return &fetch.Response{
		Status:   sol.Status,
		Header:   http.Header{},
		Body:     []byte(sol.Body),
		FinalURL: sol.FinalURL,
	}, nil
}

type shortForm struct {
	method string
	action string
	values url.Values
}

// primaryForm picks the form containing a submit control, collecting its
// hidden inputs. A missing action falls back to a body regex, then to the
// page URL itself; a missing method defaults to POST.
func primaryForm(resp *fetch.Response) (shortForm, bool) {
	doc, err := resp.Document()
	if err != nil || doc == nil {
		return shortForm{}, false
	}

	var pick *html.Node
	for _, f := range collect(doc, "form") {
		if findChild(f, func(n *html.Node) bool {
			if n.Type != html.ElementNode {
				return false
			}
			if n.Data == "button" {
				return true
			}
			return n.Data == "input" && strings.EqualFold(attrOf(n, "type"), "submit")
		}) != nil {
			pick = f
			break
		}
	}
	if pick == nil {
		forms := collect(doc, "form")
		if len(forms) == 0 {
			return shortForm{}, false
		}
		pick = forms[0]
	}

	form := shortForm{
		method: strings.ToUpper(strings.TrimSpace(attrOf(pick, "method"))),
		action: strings.TrimSpace(attrOf(pick, "action")),
		values: url.Values{},
	}
	if form.method == "" {
		form.method = http.MethodPost
	}
	if form.action == "" {
		if m := actionRe.FindSubmatch(resp.Body); m != nil {
			form.action = string(m[1])
		}
	}
	if form.action == "" {
		form.action = resp.FinalURL
	}
	form.action = fetch.ResolveRelative(resp.FinalURL, form.action)

	for _, in := range collect(pick, "input") {
		name := attrOf(in, "name")
		if name == "" {
			continue
		}
		form.values.Set(name, attrOf(in, "value"))
	}
	return form, true
}

func (s *Service) submitForm(ctx context.Context, form shortForm, jar http.CookieJar) (*fetch.Response, error) {
	opts := fetch.Options{
		Method: form.method,
		Jar:    jar,
	}
	target := form.action
	if form.method == http.MethodGet {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + form.values.Encode()
	} else {
		opts.Body = []byte(form.values.Encode())
		opts.Headers = http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
	}
	return s.fetcher.Fetch(ctx, target, opts)
}

// externalCandidate scans anchors for a link leaving the shortener's domain.
// A link matching the host hint wins outright; otherwise the first external
// link pointing at a known host or direct media is taken.
func externalCandidate(resp *fetch.Response, hints utils.Hints) string {
	doc, err := resp.Document()
	if err != nil || doc == nil {
		return ""
	}
	pageHost := hostnameOf(resp.FinalURL)

	var first string
	for _, a := range collect(doc, "a") {
		href := fetch.ResolveRelative(resp.FinalURL, attrOf(a, "href"))
		if href == "" || hostnameOf(href) == "" || hostnameOf(href) == pageHost {
			continue
		}
		if isGoogleUserContent(href) || isShortener(href) {
			continue
		}
		if hints.Host != "" && hostTagOf(href) == hints.Host {
			return href
		}
		if first == "" && (knownHostLink(href) || isDirectCandidate(href)) {
			first = href
		}
	}
	return first
}

func hostnameOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
