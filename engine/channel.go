package engine

import (
	"context"
	"fmt"
	"strings"

	"outflow/models"
)

// Channel is the closed set of supported messaging channels. Keeping it
// typed (rather than comparing raw strings everywhere) makes adding a
// channel a compiler-visible change.
type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelLinkedIn Channel = "LINKEDIN"
	ChannelSMS      Channel = "SMS"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelLinkedIn, ChannelSMS:
		return true
	}
	return false
}

// MaxBodyLength returns the channel's hard body cap, 0 meaning unlimited.
func (c Channel) MaxBodyLength() int {
	switch c {
	case ChannelLinkedIn:
		return 250
	case ChannelSMS:
		return 480
	default:
		return 0
	}
}

// NeedsSubject reports whether the channel carries a subject line.
func (c Channel) NeedsSubject() bool {
	return c == ChannelEmail
}

// Message is a fully rendered, ready-to-dispatch step message.
type Message struct {
	To      string
	Subject string
	Body    string
	// ProviderMessageID is pre-generated so tracking can be injected before
	// dispatch; adapters may override it with the provider's own id.
	ProviderMessageID string
}

// SendResult reports the provider-assigned message id for a dispatched
// message. Empty means the pre-generated id stands.
type SendResult struct {
	ProviderMessageID string
}

// ChannelAdapter dispatches one message through one channel on behalf of a
// sending principal. Implementations classify failures as
// TransientChannelError or PermanentChannelError.
type ChannelAdapter interface {
	Send(ctx context.Context, sender *models.Sender, msg Message) (SendResult, error)
}

// ContentRenderer produces the final subject and body for a step. The
// default implementation does token substitution; AI personalization
// services plug in behind this interface.
type ContentRenderer interface {
	Render(contact *models.Contact, subject, body string) (string, string, error)
}

// TokenRenderer substitutes {{first_name}}-style merge tags with contact
// fields and resolves the unsubscribe link.
type TokenRenderer struct {
	BaseURL string
}

func (r *TokenRenderer) Render(contact *models.Contact, subject, body string) (string, string, error) {
	replacer := strings.NewReplacer(
		"{{first_name}}", contact.FirstName,
		"{{last_name}}", contact.LastName,
		"{{company}}", contact.Company,
		"{{position}}", contact.Position,
		"{{email}}", contact.Email,
		"{{unsubscribe_url}}", fmt.Sprintf("%s/unsubscribe/%d", r.BaseURL, contact.ID),
	)
	return replacer.Replace(subject), replacer.Replace(body), nil
}
