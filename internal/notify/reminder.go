// Package notify sends renewal reminder emails through AWS SES.
package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/subscout/subscout/internal/domain"
)

// EmailSender is the SES surface the reminder sender needs.
// *sesv2.Client satisfies it.
type EmailSender interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Sender delivers renewal reminders.
type Sender struct {
	client EmailSender
	from   string
}

// NewSender builds a SES-backed sender using the default AWS credential chain.
func NewSender(ctx context.Context, region, fromEmail string) (*Sender, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Sender{client: sesv2.NewFromConfig(cfg), from: fromEmail}, nil
}

// NewSenderWithClient wires a prebuilt client, for tests.
func NewSenderWithClient(client EmailSender, fromEmail string) *Sender {
	return &Sender{client: client, from: fromEmail}
}

// SendRenewalReminder emails the user about an upcoming charge.
func (s *Sender) SendRenewalReminder(ctx context.Context, to string, sub *domain.Subscription) error {
	if sub.NextRenewalDate == nil {
		return fmt.Errorf("subscription %s has no renewal date", sub.ID)
	}
	date := sub.NextRenewalDate.Format("January 2, 2006")
	subject := fmt.Sprintf("%s renews on %s", sub.ServiceName, date)

	text := fmt.Sprintf(
		"Your %s subscription renews on %s for %.2f %s.\n\nIf you no longer use it, now is the time to cancel.\n",
		sub.ServiceName, date, sub.Price, sub.Currency)
	html := fmt.Sprintf(
		"<p>Your <strong>%s</strong> subscription renews on <strong>%s</strong> for %.2f %s.</p><p>If you no longer use it, now is the time to cancel.</p>",
		sub.ServiceName, date, sub.Price, sub.Currency)

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(text), Charset: aws.String("UTF-8")},
					Html: &types.Content{Data: aws.String(html), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("subscription_id"), Value: aws.String(sub.ID)},
			{Name: aws.String("kind"), Value: aws.String("renewal_reminder")},
		},
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("send reminder: %w", err)
	}
	return nil
}
