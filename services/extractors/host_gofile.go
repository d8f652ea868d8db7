package extractors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"streamgate/services/fetch"
)

const gofileAPIBase = "https://api.gofile.io"

// GoFile walks the share API: a guest account token, then the content
// listing, then the first playable child's direct link. The guest token is
// cached module-level; it outlives any single request.
type GoFile struct {
	deps Deps

	mu        sync.Mutex
	token     string
	tokenFrom time.Time
}

func NewGoFile(deps Deps) *GoFile {
	return &GoFile{deps: deps}
}

func (g *GoFile) Name() string { return "gofile" }

func (g *GoFile) Match(rawURL string) bool {
	return strings.Contains(strings.ToLower(rawURL), "gofile.io")
}

type gofileAccount struct {
	Status string `json:"status"`
	Data   struct {
		Token string `json:"token"`
	} `json:"data"`
}

type gofileContents struct {
	Status string `json:"status"`
	Data   struct {
		Children map[string]struct {
			Type string `json:"type"`
			Name string `json:"name"`
			Size int64  `json:"size"`
			Link string `json:"link"`
		} `json:"children"`
	} `json:"data"`
}

func (g *GoFile) Extract(ctx context.Context, rawURL string, priority int) ([]Candidate, error) {
	contentID := gofileContentID(rawURL)
	if contentID == "" {
		return nil, fmt.Errorf("gofile: no content id in %s", rawURL)
	}
	token, err := g.guestToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/contents/%s?wt=4fd6sg89d7s6", gofileAPIBase, contentID)
	resp, err := g.deps.Fetch.Fetch(ctx, endpoint, fetch.Options{
		Headers: http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		return nil, fmt.Errorf("gofile contents %s: %w", contentID, err)
	}
	var contents gofileContents
	if err := json.Unmarshal(resp.Body, &contents); err != nil {
		return nil, fmt.Errorf("gofile contents %s: decode: %w", contentID, err)
	}
	if contents.Status != "ok" {
		return nil, fmt.Errorf("gofile contents %s: status %q", contentID, contents.Status)
	}

	var out []Candidate
	for _, child := range contents.Data.Children {
		if child.Type != "file" || child.Link == "" {
			continue
		}
		out = append(out, Candidate{
			URL:      child.Link,
			Label:    child.Name,
			Size:     child.Size,
			Priority: priority,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("gofile %s: no files in share", contentID)
	}
	return out, nil
}

// guestToken creates (and then reuses) a guest account. GoFile rotates
// these server-side roughly daily.
func (g *GoFile) guestToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	if g.token != "" && time.Since(g.tokenFrom) < 12*time.Hour {
		defer g.mu.Unlock()
		return g.token, nil
	}
	g.mu.Unlock()

	resp, err := g.deps.Fetch.Fetch(ctx, gofileAPIBase+"/accounts", fetch.Options{Method: http.MethodPost})
	if err != nil {
		return "", fmt.Errorf("gofile guest account: %w", err)
	}
	var account gofileAccount
	if err := json.Unmarshal(resp.Body, &account); err != nil {
		return "", fmt.Errorf("gofile guest account: decode: %w", err)
	}
	if account.Status != "ok" || account.Data.Token == "" {
		return "", fmt.Errorf("gofile guest account: status %q", account.Status)
	}

	g.mu.Lock()
	g.token = account.Data.Token
	g.tokenFrom = time.Now()
	g.mu.Unlock()
	return account.Data.Token, nil
}

func gofileContentID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	id := parts[len(parts)-1]
	if id == "d" || id == "" {
		return ""
	}
	return id
}
