// Package gmail is the mail source adapter: a thin Gmail REST client that
// produces a lazy, restartable sequence of raw messages. Resumption is
// driven by the opaque page token Gmail returns; the scan orchestrator owns
// retry policy, so this client classifies failures instead of retrying.
package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/subscout/subscout/internal/domain"
)

// ErrInvalidCredential marks a 401/403 from Gmail: the access token is no
// longer usable and the scan must surface auth_expired.
var ErrInvalidCredential = errors.New("gmail: invalid credential")

// RateLimitedError marks a 429 or quota-exceeded response. Retryable.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("gmail: rate limited (retry after %s)", e.RetryAfter)
}

// TransientError marks a 5xx or network-level failure. Retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("gmail: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// HTTPDoer is the interface for executing HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a Gmail REST API client scoped to a single user mailbox
// ("me") authenticated by a bearer token supplied per call.
type Client struct {
	baseURL    string
	pageSize   int
	httpClient HTTPDoer
}

// NewClient creates a Gmail client.
func NewClient(baseURL string, pageSize int, timeout time.Duration) *Client {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{
		baseURL:    baseURL,
		pageSize:   pageSize,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (c *Client) SetHTTPClient(client HTTPDoer) { c.httpClient = client }

// MessagePage is one page of message ids from a mailbox search.
type MessagePage struct {
	IDs           []string
	NextPageToken string
	SizeEstimate  int
}

type listResponse struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
	NextPageToken      string `json:"nextPageToken"`
	ResultSizeEstimate int    `json:"resultSizeEstimate"`
}

// List fetches one page of message ids matching query, resuming from
// pageToken when non-empty.
func (c *Client) List(ctx context.Context, accessToken, query, pageToken string) (*MessagePage, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("maxResults", strconv.Itoa(c.pageSize))
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	body, err := c.get(ctx, accessToken, "/gmail/v1/users/me/messages?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var lr listResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("decode message list: %w", err)
	}

	page := &MessagePage{
		NextPageToken: lr.NextPageToken,
		SizeEstimate:  lr.ResultSizeEstimate,
	}
	for _, m := range lr.Messages {
		page.IDs = append(page.IDs, m.ID)
	}
	return page, nil
}

// Get fetches and parses one full message.
func (c *Client) Get(ctx context.Context, accessToken, id string) (*domain.EmailMessage, error) {
	body, err := c.get(ctx, accessToken, "/gmail/v1/users/me/messages/"+url.PathEscape(id)+"?format=full")
	if err != nil {
		return nil, err
	}

	var raw rawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return parseMessage(&raw), nil
}

func (c *Client) get(ctx context.Context, accessToken, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidCredential
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	default:
		return nil, fmt.Errorf("gmail API error (status %d): %s", resp.StatusCode, string(body))
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// BuildQuery composes the mailbox search expression for a scan window.
// Gmail's after:/before: operators take unix timestamps.
func BuildQuery(base string, start, end time.Time) string {
	q := base
	if !start.IsZero() {
		q += " after:" + strconv.FormatInt(start.Unix(), 10)
	}
	if !end.IsZero() {
		q += " before:" + strconv.FormatInt(end.Unix(), 10)
	}
	return q
}
