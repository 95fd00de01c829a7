package gmail

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/subscout/subscout/internal/domain"
)

// rawMessage mirrors the Gmail API "full" message format.
type rawMessage struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"` // epoch millis as string
	Payload      *part  `json:"payload"`
}

type part struct {
	MimeType string   `json:"mimeType"`
	Headers  []header `json:"headers"`
	Body     partBody `json:"body"`
	Parts    []part   `json:"parts"`
}

type header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type partBody struct {
	Data string `json:"data"` // base64url
	Size int    `json:"size"`
}

// parseMessage flattens a Gmail payload tree into the adapter's message
// shape: headers of interest plus the first text/plain and text/html bodies.
func parseMessage(raw *rawMessage) *domain.EmailMessage {
	msg := &domain.EmailMessage{
		ID:       raw.ID,
		ThreadID: raw.ThreadID,
		Snippet:  raw.Snippet,
	}

	if ms, err := strconv.ParseInt(raw.InternalDate, 10, 64); err == nil {
		msg.ReceivedAt = time.UnixMilli(ms).UTC()
	}

	if raw.Payload == nil {
		return msg
	}

	for _, h := range raw.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			msg.Subject = h.Value
		case "from":
			msg.From = h.Value
			msg.SenderDomain = SenderDomain(h.Value)
		}
	}

	msg.BodyText = firstBody(raw.Payload, "text/plain")
	msg.BodyHTML = firstBody(raw.Payload, "text/html")
	return msg
}

// firstBody walks the part tree depth-first and returns the first decoded
// body of the requested MIME type.
func firstBody(p *part, mimeType string) string {
	if strings.HasPrefix(p.MimeType, mimeType) && p.Body.Data != "" {
		return decodeBody(p.Body.Data)
	}
	for i := range p.Parts {
		if s := firstBody(&p.Parts[i], mimeType); s != "" {
			return s
		}
	}
	return ""
}

func decodeBody(data string) string {
	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(decoded)
}

// SenderDomain extracts the bare domain from a From header value like
// `"Netflix" <info@mailer.netflix.com>`.
func SenderDomain(from string) string {
	addr := from
	if lt := strings.LastIndex(from, "<"); lt >= 0 {
		addr = strings.TrimSuffix(from[lt+1:], ">")
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}

// BaseDomain collapses a subdomain to its registrable suffix pair, so
// mailer.netflix.com and netflix.com compare equal for evidence matching.
func BaseDomain(d string) string {
	parts := strings.Split(d, ".")
	if len(parts) <= 2 {
		return d
	}
	return strings.Join(parts[len(parts)-2:], ".")
}
