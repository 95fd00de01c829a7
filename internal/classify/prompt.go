package classify

import (
	"fmt"

	"github.com/subscout/subscout/internal/domain"
)

// extractionPrompt is the few-shot structured-extraction prompt. The model
// must answer with a single JSON object; anything else is a
// ClassificationFailure.
const extractionPrompt = `You are an expert at extracting subscription information from emails.

Given an email, extract the following fields as JSON:
- service_name: The name of the service/company (string, required)
- price: The subscription cost (number, required)
- currency: ISO 4217 currency code (string, default "USD")
- billing_period: One of "monthly", "yearly", "weekly", "quarterly", "unknown" (string, required)
- next_renewal_date: ISO 8601 format YYYY-MM-DD (string or null)
- cancellation_link: Full URL to cancel/manage the subscription (string or null)
- payment_last4: Last 4 digits of the payment method (string or null)
- confidence: Your confidence in this extraction, 0.0 to 1.0 (number, required)

Rules:
1. If a field cannot be found, use null (not an empty string)
2. cancellation_link must be a complete URL that appears in the email
3. If the price is unclear or ambiguous, set confidence below 0.5
4. Normalize service names (e.g., "Spotify Premium" becomes "Spotify")

EXAMPLE 1:
Email:
---
Subject: Your Netflix subscription is confirmed
From: info@netflix.com

Your Netflix Premium subscription is now active.
Price: $19.99/month
Next billing date: January 15, 2026
Payment method: Visa ending in 4532
Cancel anytime: https://www.netflix.com/cancelplan
---

Output:
{"service_name": "Netflix", "price": 19.99, "currency": "USD", "billing_period": "monthly", "next_renewal_date": "2026-01-15", "cancellation_link": "https://www.netflix.com/cancelplan", "payment_last4": "4532", "confidence": 0.95}

EXAMPLE 2:
Email:
---
Subject: Your annual membership renews soon
From: support@gymflow.com

Your GymFlow Premium membership will auto-renew on March 1, 2026.
Annual fee: $299.00
Payment: MasterCard ****8765
To cancel, visit https://gymflow.com/my-account
---

Output:
{"service_name": "GymFlow", "price": 299.00, "currency": "USD", "billing_period": "yearly", "next_renewal_date": "2026-03-01", "cancellation_link": "https://gymflow.com/my-account", "payment_last4": "8765", "confidence": 0.88}

Now extract from this email:
---
%s
---

Output only valid JSON, no additional text.`

func buildPrompt(msg *domain.EmailMessage) string {
	body := msg.BodyText
	if body == "" {
		body = msg.Snippet
	}
	if len(body) > 2000 {
		body = body[:2000]
	}
	emailText := fmt.Sprintf("Subject: %s\nFrom: %s\n\n%s", msg.Subject, msg.From, body)
	return fmt.Sprintf(extractionPrompt, emailText)
}
