package classify

import (
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/subscout/subscout/internal/detect"
	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/gmail"
)

// validate normalizes the untrusted model output field by field. Violations
// downgrade confidence instead of failing: a wrong date is dropped, a
// malformed URL is dropped, a hallucinated link is penalized. Only a fully
// unparseable response (handled upstream) discards the candidate.
func (c *Classifier) validate(out *modelOutput, cand *domain.SubscriptionCandidate, msg *domain.EmailMessage) *domain.ClassifiedFields {
	confidence := 0.5
	if out.Confidence != nil && *out.Confidence >= 0 && *out.Confidence <= 1 {
		confidence = *out.Confidence
	}

	f := &domain.ClassifiedFields{
		ServiceDomain: msg.SenderDomain,
		DetectedBy:    domain.DetectedByModel,
	}

	f.ServiceName = detect.NormalizeServiceName(out.ServiceName)
	if f.ServiceName == "" {
		f.ServiceName = detect.NormalizeServiceName(cand.RawServiceName)
		confidence -= 0.2
	}

	// Price must be positive and representable with two decimal places.
	switch {
	case out.Price == nil || *out.Price <= 0:
		if cand.RawPrice > 0 {
			f.Price = cand.RawPrice
		}
		confidence -= 0.3
	case math.Abs(*out.Price*100-math.Round(*out.Price*100)) > 1e-6:
		f.Price = math.Round(*out.Price*100) / 100
		confidence -= 0.1
	default:
		f.Price = *out.Price
	}

	f.Currency = strings.ToUpper(strings.TrimSpace(out.Currency))
	if len(f.Currency) != 3 {
		f.Currency = "USD"
		confidence -= 0.05
	}

	f.BillingPeriod = domain.BillingPeriod(strings.ToLower(out.BillingPeriod))
	if !domain.ValidBillingPeriod(f.BillingPeriod) {
		f.BillingPeriod = domain.BillingUnknown
		confidence -= 0.05
	}

	if out.NextRenewalDate != nil && *out.NextRenewalDate != "" {
		t, err := time.Parse("2006-01-02", *out.NextRenewalDate)
		switch {
		case err != nil:
			confidence -= 0.1
		case t.After(c.now().Add(c.cfg.DateHorizon)) || t.Before(c.now().AddDate(-1, 0, 0)):
			// Outside the sane horizon: drop rather than store nonsense.
			confidence -= 0.1
		default:
			f.NextRenewalDate = &t
		}
	}

	if out.CancellationLink != nil && *out.CancellationLink != "" {
		link := strings.TrimSpace(*out.CancellationLink)
		u, err := url.Parse(link)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			confidence -= 0.1
		} else {
			f.CancellationLink = link
			// Anti-hallucination: the link must appear in the email.
			if !strings.Contains(msg.BodyText, link) && !strings.Contains(msg.BodyHTML, link) {
				confidence -= 0.3
			}
			// And its host should belong to the sender.
			if msg.SenderDomain != "" && gmail.BaseDomain(u.Host) != gmail.BaseDomain(msg.SenderDomain) {
				confidence -= 0.2
			}
		}
	}

	if out.PaymentLast4 != nil && len(*out.PaymentLast4) == 4 {
		f.PaymentLast4 = *out.PaymentLast4
	}

	f.Confidence = math.Max(0, math.Min(1, confidence))
	return f
}
