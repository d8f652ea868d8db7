package resolver

import (
	"strings"

	"golang.org/x/net/html"

	"streamgate/services/extractors"
)

// collect gathers every element with the given tag, document order.
func collect(root *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}
	return out
}

// findChild returns the first descendant matching the predicate.
func findChild(root *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if match(n) {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}
	return found
}

// textOf flattens the text content under a node.
func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if n != nil {
		walk(n)
	}
	return strings.TrimSpace(b.String())
}

func attrOf(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// hostTagOf is the short host tag used in hint matching.
func hostTagOf(rawURL string) string {
	return extractors.HostNameOf(rawURL)
}

// knownHostLink reports whether a URL points at a host family with a
// registered tier, i.e. somewhere the chain knows how to keep walking.
func knownHostLink(rawURL string) bool {
	return extractors.TierOf(rawURL) != extractors.TierShareCloud ||
		strings.Contains(strings.ToLower(rawURL), "gofile")
}
