package unsubscribe

import (
	"net/url"
	"strings"
)

// linkType classifies a cancellation link by how much automation it allows.
type linkType string

const (
	linkDirect        linkType = "direct"
	linkForm          linkType = "form"
	linkLoginRequired linkType = "login_required"
	linkUnknown       linkType = "unknown"
)

var (
	directParams   = []string{"token=", "id=", "email=", "unsubscribe="}
	loginKeywords  = []string{"login", "signin", "account"}
	formKeywords   = []string{"cancel", "manage", "settings"}
	successMarkers = []string{
		"successfully unsubscribed",
		"unsubscribe successful",
		"you have been unsubscribed",
		"subscription cancelled",
		"cancellation confirmed",
	}
)

// analyzeLink decides whether a cancellation link can be visited blindly.
// Token-bearing query strings usually complete on a GET; paths that mention
// accounts need a logged-in user; cancel/manage pages need a human driving
// a form.
func analyzeLink(raw string) linkType {
	u, err := url.Parse(raw)
	if err != nil {
		return linkUnknown
	}
	path := strings.ToLower(u.Path)
	query := strings.ToLower(u.RawQuery)

	for _, p := range directParams {
		if strings.Contains(query, p) {
			return linkDirect
		}
	}
	for _, k := range loginKeywords {
		if strings.Contains(path, k) {
			return linkLoginRequired
		}
	}
	for _, k := range formKeywords {
		if strings.Contains(path, k) {
			return linkForm
		}
	}
	return linkUnknown
}

// responseIndicatesSuccess looks for unsubscribe confirmation language in
// the page returned by a direct cancellation GET.
func responseIndicatesSuccess(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range successMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
