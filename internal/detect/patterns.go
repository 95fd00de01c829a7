package detect

import (
	"regexp"

	"github.com/subscout/subscout/internal/domain"
)

// Compiled pattern tables for rule-based detection. Kept package-private;
// the extractor is the only consumer.

var pricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\$(\d{1,3}(?:,\d{3})*\.\d{2})`),      // $19.99, $1,299.99
	regexp.MustCompile(`(?i)\$(\d+)(?:[^.\d]|$)`),                // $20
	regexp.MustCompile(`(?i)USD\s*(\d+\.\d{2})`),                 // USD 19.99
	regexp.MustCompile(`(?i)(\d+\.\d{2})\s*USD`),                 // 19.99 USD
	regexp.MustCompile(`(?i)€(\d+\.\d{2})`),                      // €19.99
	regexp.MustCompile(`(?i)£(\d+\.\d{2})`),                      // £19.99
	regexp.MustCompile(`(?i)(?:price|amount|total):?\s*\$?(\d+\.\d{2})`),
}

var periodPatterns = map[domain.BillingPeriod][]*regexp.Regexp{
	domain.BillingMonthly: {
		regexp.MustCompile(`(?i)per\s+month`),
		regexp.MustCompile(`(?i)/mo\b`),
		regexp.MustCompile(`(?i)monthly`),
		regexp.MustCompile(`(?i)every\s+month`),
	},
	domain.BillingYearly: {
		regexp.MustCompile(`(?i)per\s+year`),
		regexp.MustCompile(`(?i)/y(?:ea)?r\b`),
		regexp.MustCompile(`(?i)annual(?:ly)?`),
		regexp.MustCompile(`(?i)yearly`),
		regexp.MustCompile(`(?i)every\s+year`),
	},
	domain.BillingQuarterly: {
		regexp.MustCompile(`(?i)quarter(?:ly)?`),
		regexp.MustCompile(`(?i)every\s+3\s+months`),
	},
	domain.BillingWeekly: {
		regexp.MustCompile(`(?i)per\s+week`),
		regexp.MustCompile(`(?i)/wk\b`),
		regexp.MustCompile(`(?i)weekly`),
		regexp.MustCompile(`(?i)every\s+week`),
	},
}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),
	regexp.MustCompile(`\d{2}/\d{2}/\d{4}`),
	regexp.MustCompile(`(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+\d{1,2},?\s+\d{4}`),
	regexp.MustCompile(`\d{1,2}\s+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+\d{4}`),
}

var unsubscribeLinkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)https?://[^\s<>"]+/(?:unsubscribe|cancel|opt-out|unsub|stop)[^\s<>"]*`),
	regexp.MustCompile(`(?i)https?://[^\s<>"]+\?[^\s<>"]*(?:unsubscribe|cancel|unsub)[^\s<>"]*`),
	regexp.MustCompile(`(?i)https?://[^\s<>"]+/account/(?:cancel|manage|settings)[^\s<>"]*`),
	regexp.MustCompile(`(?i)https?://[^\s<>"]+/subscription/(?:cancel|manage)[^\s<>"]*`),
}

var paymentLast4Patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:card|visa|mastercard|amex|discover)\s+ending\s+in\s+(\d{4})`),
	regexp.MustCompile(`(?i)\*{4}\s*(\d{4})`),
	regexp.MustCompile(`(?i)xxxx\s*(\d{4})`),
	regexp.MustCompile(`•{4}\s*(\d{4})`),
}

// subscriptionKeywords feed the cheap prefilter; at least two must appear
// before a message is considered subscription-related at all.
var subscriptionKeywords = []string{
	"subscription", "subscribe", "subscribed",
	"billing", "billed", "renew", "renewal",
	"payment", "paid", "invoice", "receipt",
	"membership", "member", "auto-pay", "recurring",
	"monthly charge", "annual fee", "plan", "premium",
	"cancel", "unsubscribe",
}

// recurrenceKeywords are the stronger signal required (together with an
// amount) to emit a candidate.
var recurrenceKeywords = []string{
	"renews", "renewal", "next billing date", "subscription",
	"recurring", "auto-renew", "billed monthly", "billed annually",
	"membership",
}

// knownSenderDomains short-circuits the recurrence-keyword requirement for
// senders that are overwhelmingly subscription businesses.
var knownSenderDomains = map[string]bool{
	"netflix.com": true, "spotify.com": true, "hulu.com": true,
	"disneyplus.com": true, "amazon.com": true, "dropbox.com": true,
	"adobe.com": true, "apple.com": true, "google.com": true,
	"microsoft.com": true, "youtube.com": true, "github.com": true,
	"slack.com": true, "zoom.us": true, "nytimes.com": true,
	"medium.com": true, "substack.com": true, "patreon.com": true,
}

// deniedSenderDomains are transactional senders that produce amount-bearing
// mail which is never a recurring subscription.
var deniedSenderDomains = map[string]bool{
	"uber.com": true, "lyft.com": true, "venmo.com": true,
	"paypal.com": true, "zellepay.com": true,
}

// cancellationConfirmationPatterns recognize the evidence email that closes
// an unsubscribe action. Exported for the unsubscribe orchestrator.
var cancellationConfirmationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)subscription\s+(?:has\s+been\s+)?cancel(?:l?ed)`),
	regexp.MustCompile(`(?i)successfully\s+unsubscribed`),
	regexp.MustCompile(`(?i)membership\s+(?:has\s+)?ended`),
	regexp.MustCompile(`(?i)(?:no\s+longer|not)\s+(?:subscribed|active)`),
	regexp.MustCompile(`(?i)cancellation\s+(?:is\s+)?confirmed`),
	regexp.MustCompile(`(?i)subscription\s+terminated`),
	regexp.MustCompile(`(?i)auto[- ]renew(?:al)?\s+(?:disabled|turned\s+off|cancelled)`),
}

// MatchesCancellationConfirmation reports whether text reads like a
// cancellation confirmation.
func MatchesCancellationConfirmation(text string) bool {
	for _, p := range cancellationConfirmationPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// serviceCategories maps well-known services to a display category.
var serviceCategories = map[string]string{
	"netflix": "Streaming", "hulu": "Streaming", "disney": "Streaming",
	"spotify": "Streaming", "youtube": "Streaming", "hbo": "Streaming",
	"dropbox": "SaaS", "adobe": "SaaS", "slack": "SaaS", "zoom": "SaaS",
	"github": "SaaS", "notion": "SaaS", "figma": "SaaS",
	"nytimes": "News", "medium": "News", "substack": "News",
	"peloton": "Fitness", "headspace": "Fitness", "calm": "Fitness",
	"playstation": "Gaming", "xbox": "Gaming", "nintendo": "Gaming",
	"amazon prime": "Shopping", "instacart": "Shopping", "doordash": "Shopping",
	"coursera": "Education", "duolingo": "Education", "masterclass": "Education",
}
