// Package classify wraps the semantic-extraction model call. It turns one
// candidate plus its message text into validated, normalized fields, or a
// ClassificationFailure when the model's answer cannot be used at all.
// Output is advisory: the merge engine remains the single writer.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/subscout/subscout/internal/domain"
	"github.com/subscout/subscout/internal/pkg/logger"
)

// ClassificationFailure means the model response was completely unusable.
// The candidate is discarded and logged; it is not retried within the scan.
type ClassificationFailure struct {
	Reason string
}

func (e *ClassificationFailure) Error() string {
	return fmt.Sprintf("classification failure: %s", e.Reason)
}

// ModelInvoker is the Bedrock runtime surface the classifier needs.
// *bedrockruntime.Client satisfies it.
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Throttle gates model calls. Shared across all scan sessions so that
// concurrent scans never collectively exceed the provider's limits.
type Throttle interface {
	Wait(ctx context.Context) error
}

// Config holds classifier settings.
type Config struct {
	ModelID     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	// Validation policy.
	DateHorizon time.Duration // renewal dates beyond now+horizon are dropped
}

// Classifier performs structured extraction through Bedrock.
type Classifier struct {
	client   ModelInvoker
	throttle Throttle
	cfg      Config
	now      func() time.Time
}

// anthropicRequest is the Claude messages payload for InvokeModel.
type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
	Temperature      float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// modelOutput is the raw JSON the model is asked to produce. Everything is
// loosely typed and validated field by field; nothing here is trusted.
type modelOutput struct {
	ServiceName      string   `json:"service_name"`
	Price            *float64 `json:"price"`
	Currency         string   `json:"currency"`
	BillingPeriod    string   `json:"billing_period"`
	NextRenewalDate  *string  `json:"next_renewal_date"`
	CancellationLink *string  `json:"cancellation_link"`
	PaymentLast4     *string  `json:"payment_last4"`
	Confidence       *float64 `json:"confidence"`
}

// New creates a classifier.
func New(client ModelInvoker, throttle Throttle, cfg Config) *Classifier {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.DateHorizon == 0 {
		cfg.DateHorizon = 5 * 365 * 24 * time.Hour
	}
	return &Classifier{client: client, throttle: throttle, cfg: cfg, now: time.Now}
}

// Classify asks the model for structured fields and validates the answer.
// Returns *ClassificationFailure (as error) when the response is
// unparseable; validation problems short of that downgrade confidence.
func (c *Classifier) Classify(ctx context.Context, cand *domain.SubscriptionCandidate, msg *domain.EmailMessage) (*domain.ClassifiedFields, error) {
	if c.throttle != nil {
		if err := c.throttle.Wait(ctx); err != nil {
			return nil, fmt.Errorf("classifier throttle: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := anthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        c.cfg.MaxTokens,
		Temperature:      c.cfg.Temperature,
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: []anthropicContent{{Type: "text", Text: buildPrompt(msg)}},
		}},
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal model request: %w", err)
	}

	output, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.cfg.ModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        reqBody,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke model: %w", err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, &ClassificationFailure{Reason: fmt.Sprintf("undecodable response envelope: %v", err)}
	}
	if len(resp.Content) == 0 {
		return nil, &ClassificationFailure{Reason: "empty model response"}
	}

	text := stripCodeFences(resp.Content[0].Text)
	var out modelOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		logger.Warn("model returned non-JSON extraction", "message_id", msg.ID, "stop_reason", resp.StopReason)
		return nil, &ClassificationFailure{Reason: "response is not valid JSON"}
	}

	return c.validate(&out, cand, msg), nil
}

// stripCodeFences removes a surrounding markdown code block, which models
// emit despite instructions.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
