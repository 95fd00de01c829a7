package detect

import (
	"strconv"
	"strings"

	"github.com/subscout/subscout/internal/domain"
)

// Extractor turns raw messages into subscription candidates using layered
// heuristics: sender-domain signals, currency/amount matches, recurrence
// keywords, and unsubscribe-style links. It exists purely to bound the
// volume of messages sent to the expensive semantic classifier.
type Extractor struct{}

// NewExtractor creates a candidate extractor.
func NewExtractor() *Extractor { return &Extractor{} }

// Extract scans one message and returns a candidate, or nil when the
// message carries too few billing signals to be worth classifying.
// A candidate requires an amount match plus either a recurrence keyword or
// a known subscription sender. Weak remaining signals lower the pattern
// score instead of rejecting; the classifier settles uncertainty.
func (e *Extractor) Extract(msg *domain.EmailMessage) *domain.SubscriptionCandidate {
	head := msg.BodyText
	if len(head) > 500 {
		head = head[:500]
	}
	prefilterText := strings.ToLower(msg.Subject + " " + msg.Snippet + " " + head)

	if keywordHits(prefilterText) < 2 {
		return nil
	}
	if deniedSenderDomains[msg.SenderDomain] {
		return nil
	}

	body := msg.BodyText
	if body == "" {
		body = msg.BodyHTML
	}
	full := msg.Subject + "\n" + body

	price, currency := extractPrice(full)
	hasRecurrence := hasRecurrenceKeyword(strings.ToLower(full))
	knownSender := knownSenderDomains[msg.SenderDomain]

	if price == 0 || (!hasRecurrence && !knownSender) {
		return nil
	}

	cand := &domain.SubscriptionCandidate{
		MessageID:    msg.ID,
		SenderDomain: msg.SenderDomain,
		RawPrice:     price,
		RawCurrency:  currency,
	}

	cand.RawPeriod = extractPeriod(full)
	cand.RawRenewalDate = extractDate(full)
	cand.RawCancelLink = extractUnsubscribeLink(body + msg.BodyHTML)
	cand.RawServiceName = extractServiceName(msg.Subject, msg.From, body)
	cand.RawLast4 = extractPaymentLast4(full)

	// Fraction of the four layered signals that fired.
	signals := 1.0 // amount already matched
	if hasRecurrence || knownSender {
		signals++
	}
	if cand.RawCancelLink != "" {
		signals++
	}
	if cand.RawPeriod != domain.BillingUnknown {
		signals++
	}
	cand.PatternScore = signals / 4

	// Completeness of the rule-based field set: service name, price,
	// period, cancellation link. High completeness lets the scan skip
	// the model call for this message.
	found := 0
	for _, ok := range []bool{
		cand.RawServiceName != "",
		cand.RawPrice > 0,
		cand.RawPeriod != domain.BillingUnknown,
		cand.RawCancelLink != "",
	} {
		if ok {
			found++
		}
	}
	cand.RuleConfidence = float64(found) / 4

	return cand
}

// Fields converts a high-confidence rule extraction into classified fields
// without a model round trip.
func (e *Extractor) Fields(cand *domain.SubscriptionCandidate, msg *domain.EmailMessage) *domain.ClassifiedFields {
	f := &domain.ClassifiedFields{
		ServiceName:      NormalizeServiceName(cand.RawServiceName),
		ServiceDomain:    msg.SenderDomain,
		Price:            cand.RawPrice,
		Currency:         cand.RawCurrency,
		BillingPeriod:    cand.RawPeriod,
		CancellationLink: cand.RawCancelLink,
		PaymentLast4:     cand.RawLast4,
		Confidence:       cand.RuleConfidence,
		DetectedBy:       domain.DetectedByRules,
	}
	if f.Currency == "" {
		f.Currency = "USD"
	}
	if f.BillingPeriod == "" {
		f.BillingPeriod = domain.BillingUnknown
	}
	if t, ok := parseFlexibleDate(cand.RawRenewalDate); ok {
		f.NextRenewalDate = &t
	}
	return f
}

func keywordHits(text string) int {
	n := 0
	for _, kw := range subscriptionKeywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

func hasRecurrenceKeyword(text string) bool {
	for _, kw := range recurrenceKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func extractPrice(text string) (float64, string) {
	for _, p := range pricePatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		raw := strings.ReplaceAll(m[1], ",", "")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			continue
		}
		return v, currencyFor(m[0], text)
	}
	return 0, ""
}

func currencyFor(match, text string) string {
	switch {
	case strings.Contains(match, "€"):
		return "EUR"
	case strings.Contains(match, "£"):
		return "GBP"
	case strings.Contains(match, "$"), strings.Contains(strings.ToUpper(match), "USD"):
		return "USD"
	case strings.Contains(text, "EUR"):
		return "EUR"
	case strings.Contains(text, "GBP"):
		return "GBP"
	}
	return ""
}

func extractPeriod(text string) domain.BillingPeriod {
	for period, patterns := range periodPatterns {
		for _, p := range patterns {
			if p.MatchString(text) {
				return period
			}
		}
	}
	return domain.BillingUnknown
}

func extractDate(text string) string {
	for _, p := range datePatterns {
		if m := p.FindString(text); m != "" {
			return m
		}
	}
	return ""
}

func extractUnsubscribeLink(text string) string {
	for _, p := range unsubscribeLinkPatterns {
		if m := p.FindString(text); m != "" {
			return m
		}
	}
	return ""
}

func extractPaymentLast4(text string) string {
	for _, p := range paymentLast4Patterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

// extractServiceName guesses the service from subject, then sender domain,
// then leading capitalized words in the body.
func extractServiceName(subject, from, body string) string {
	subjectLower := strings.ToLower(subject)
	for name := range serviceCategories {
		if strings.Contains(subjectLower, name) {
			return titleCase(name)
		}
	}

	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domainPart := strings.TrimSuffix(from[at+1:], ">")
		if dot := strings.Index(domainPart, "."); dot > 0 {
			return titleCase(domainPart[:dot])
		}
	}

	head := body
	if len(head) > 200 {
		head = head[:200]
	}
	for _, w := range strings.Fields(head) {
		if len(w) > 2 && w[0] >= 'A' && w[0] <= 'Z' && strings.ToLower(w[1:]) == w[1:] {
			return strings.Trim(w, ".,!:;")
		}
	}
	return ""
}

// NormalizeServiceName strips tier suffixes and title-cases the result, so
// "Spotify Premium" and "spotify" resolve to the same identity.
func NormalizeServiceName(raw string) string {
	name := strings.TrimSpace(raw)
	lower := strings.ToLower(name)
	for stripped := true; stripped; {
		stripped = false
		for _, suffix := range []string{"premium", "plus", "pro", "basic", "individual", "family", "trial"} {
			if strings.HasSuffix(lower, " "+suffix) {
				name = strings.TrimSpace(name[:len(name)-len(suffix)])
				lower = strings.ToLower(name)
				stripped = true
			}
		}
	}
	return titleCase(lower)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// CategoryFor returns a display category for a service name, or "Other".
func CategoryFor(serviceName string) string {
	lower := strings.ToLower(serviceName)
	for key, cat := range serviceCategories {
		if strings.Contains(lower, key) {
			return cat
		}
	}
	return "Other"
}
