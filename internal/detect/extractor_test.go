package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscout/subscout/internal/domain"
)

func netflixRenewalMessage() *domain.EmailMessage {
	return &domain.EmailMessage{
		ID:           "msg-netflix-1",
		Subject:      "Your Netflix subscription renews soon",
		From:         "info@netflix.com",
		SenderDomain: "netflix.com",
		Snippet:      "Your subscription renews at $15.49/month",
		BodyText: "Hi,\n\nYour Netflix subscription renews at $15.49 per month on January 14, 2026.\n" +
			"Payment method: Visa ending in 4532\n" +
			"Cancel anytime: https://www.netflix.com/cancelplan\n",
		ReceivedAt: time.Now(),
	}
}

func TestExtractNetflixRenewal(t *testing.T) {
	cand := NewExtractor().Extract(netflixRenewalMessage())
	require.NotNil(t, cand)

	assert.Equal(t, "msg-netflix-1", cand.MessageID)
	assert.Equal(t, 15.49, cand.RawPrice)
	assert.Equal(t, "USD", cand.RawCurrency)
	assert.Equal(t, domain.BillingMonthly, cand.RawPeriod)
	assert.Equal(t, "https://www.netflix.com/cancelplan", cand.RawCancelLink)
	assert.Equal(t, "Netflix", cand.RawServiceName)
	assert.Equal(t, "4532", cand.RawLast4)
	assert.Equal(t, 1.0, cand.PatternScore)
	assert.Equal(t, 1.0, cand.RuleConfidence)
}

func TestExtractRequiresAmount(t *testing.T) {
	msg := netflixRenewalMessage()
	msg.Snippet = "Your subscription renews next month"
	msg.BodyText = "Your Netflix subscription renews next month. Manage your membership online. Payment on file."
	assert.Nil(t, NewExtractor().Extract(msg))
}

func TestExtractRequiresRecurrenceOrKnownSender(t *testing.T) {
	msg := &domain.EmailMessage{
		ID:           "msg-2",
		Subject:      "Your receipt",
		From:         "billing@obscure-store.example",
		SenderDomain: "obscure-store.example",
		BodyText:     "Thanks for your payment. Invoice total: $42.00. Receipt attached.",
	}
	assert.Nil(t, NewExtractor().Extract(msg))

	// Same mail from a known subscription sender passes the gate.
	msg.SenderDomain = "spotify.com"
	cand := NewExtractor().Extract(msg)
	require.NotNil(t, cand)
	assert.Equal(t, 42.00, cand.RawPrice)
}

func TestExtractDeniedSender(t *testing.T) {
	msg := netflixRenewalMessage()
	msg.SenderDomain = "uber.com"
	assert.Nil(t, NewExtractor().Extract(msg))
}

func TestExtractKeywordPrefilter(t *testing.T) {
	msg := &domain.EmailMessage{
		ID:           "msg-3",
		Subject:      "Lunch tomorrow?",
		From:         "friend@gmail.com",
		SenderDomain: "gmail.com",
		BodyText:     "That place costs $15.49 per month for parking apparently",
	}
	assert.Nil(t, NewExtractor().Extract(msg))
}

func TestExtractUncertaintyLowersScore(t *testing.T) {
	msg := &domain.EmailMessage{
		ID:           "msg-4",
		Subject:      "Payment received",
		From:         "billing@gymflow.example",
		SenderDomain: "gymflow.example",
		BodyText:     "Your recurring membership payment of $29.00 was received. Thanks for being a member!",
	}
	cand := NewExtractor().Extract(msg)
	require.NotNil(t, cand)
	// No link, no period: uncertain but not rejected.
	assert.Less(t, cand.PatternScore, 1.0)
	assert.Less(t, cand.RuleConfidence, 0.7)
}

func TestFieldsFromRules(t *testing.T) {
	msg := netflixRenewalMessage()
	cand := NewExtractor().Extract(msg)
	require.NotNil(t, cand)

	f := NewExtractor().Fields(cand, msg)
	assert.Equal(t, "Netflix", f.ServiceName)
	assert.Equal(t, "netflix.com", f.ServiceDomain)
	assert.Equal(t, 15.49, f.Price)
	assert.Equal(t, domain.BillingMonthly, f.BillingPeriod)
	assert.Equal(t, domain.DetectedByRules, f.DetectedBy)
	require.NotNil(t, f.NextRenewalDate)
	assert.Equal(t, "2026-01-14", f.NextRenewalDate.Format("2006-01-02"))
}

func TestNormalizeServiceName(t *testing.T) {
	assert.Equal(t, "Netflix", NormalizeServiceName("Netflix Premium"))
	assert.Equal(t, "Spotify", NormalizeServiceName("Spotify Premium Individual"))
	assert.Equal(t, "Adobe Creative Cloud", NormalizeServiceName("adobe creative cloud"))
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, "Streaming", CategoryFor("Netflix"))
	assert.Equal(t, "SaaS", CategoryFor("Dropbox Plus"))
	assert.Equal(t, "Other", CategoryFor("GymFlow"))
}

func TestMatchesCancellationConfirmation(t *testing.T) {
	assert.True(t, MatchesCancellationConfirmation("Your Netflix subscription has been cancelled"))
	assert.True(t, MatchesCancellationConfirmation("You have successfully unsubscribed"))
	assert.True(t, MatchesCancellationConfirmation("Auto-renewal turned off"))
	assert.False(t, MatchesCancellationConfirmation("Your subscription renews tomorrow"))
}
