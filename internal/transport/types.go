package transport

import "context"

// RecipientID identifies a single chat the bot can message.
type RecipientID int64

// LinkButton is one labeled URL button attached below a message.
type LinkButton struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Payload is the message body delivered to a recipient: text, an
// optional single image (sent as photo + caption), and optional link
// buttons rendered as an inline keyboard.
//
// Payloads are persisted as part of broadcast job history; keep the
// JSON field names schema-stable.
type Payload struct {
	Text     string       `json:"text"`
	PhotoURL string       `json:"photo_url,omitempty"`
	Buttons  []LinkButton `json:"buttons,omitempty"`
}

// Channel delivers a payload to one recipient.
//
// A nil error means delivered. A RateLimitedError means the channel
// rejected the send transiently and carries the mandatory wait before
// any further send may be attempted. Any other error is permanent for
// this recipient (unreachable, blocked, malformed) and must not be
// retried.
type Channel interface {
	Send(ctx context.Context, to RecipientID, p Payload) error
}
