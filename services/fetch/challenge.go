package fetch

import (
	"net/http"
	"strings"
)

// Challenge status codes observed from Cloudflare-fronted hosts. 884 is NOT
// included; some providers use it for "pod busy" and it never carries a
// challenge page.
var challengeStatuses = map[int]bool{
	403: true,
	503: true,
	520: true,
	521: true,
	524: true,
}

// IsChallenge reports whether a response looks like an anti-bot interstitial
// that needs a browser-grade solver. Detection is deliberately conservative:
// the Server header or a definitive challenge-page marker must be present,
// because random error pages mention "cloudflare" too.
func IsChallenge(resp *Response) bool {
	if resp == nil {
		return false
	}
	server := strings.ToLower(strings.TrimSpace(resp.Header.Get("Server")))
	isCFServer := server == "cloudflare"

	preview := resp.Body
	if len(preview) > 2048 {
		preview = preview[:2048]
	}
	body := strings.ToLower(string(preview))
	bodyHasChallenge := strings.Contains(body, "checking your browser") ||
		strings.Contains(body, "just a moment") ||
		strings.Contains(body, "cf-chl") ||
		strings.Contains(body, "challenge-platform") ||
		strings.Contains(body, "ray id")

	if challengeStatuses[resp.Status] && (bodyHasChallenge || isCFServer) {
		return true
	}
	return isCFServer && resp.Status != http.StatusOK && bodyHasChallenge
}
