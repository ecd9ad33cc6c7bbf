package chat

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

// Limits bounds client payloads at the boundary.
type Limits struct {
	MaxTextLength  int
	MaxAttachments int
	MaxEmojiBytes  int
}

// DefaultLimits mirrors the DTO constraints of the REST surface.
func DefaultLimits() Limits {
	return Limits{
		MaxTextLength:  4000,
		MaxAttachments: 10,
		MaxEmojiBytes:  32,
	}
}

const maxIDLength = 64

// ValidateID checks an identifier used in topics and storage keys. Only ASCII
// letters, digits, '-', '_' and ':' are accepted so ids are safe as NATS
// subject tokens and Redis channel suffixes.
func ValidateID(field, id string) error {
	if id == "" {
		return Validationf("%s is required", field)
	}
	if len(id) > maxIDLength {
		return Validationf("%s exceeds %d characters", field, maxIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == ':':
		default:
			return Validationf("%s contains invalid character %q", field, r)
		}
	}
	return nil
}

// Validate checks and normalizes a send_message payload. An empty message type
// defaults to text.
func (p *SendMessage) Validate(l Limits) error {
	if err := ValidateID("channelId", p.ChannelID); err != nil {
		return err
	}
	if p.MessageType == "" {
		p.MessageType = MessageText
	}
	if !p.MessageType.Known() {
		return Validationf("unknown messageType %q", p.MessageType)
	}
	if strings.TrimSpace(p.MessageText) == "" && len(p.Attachments) == 0 {
		return Validationf("message needs text or at least one attachment")
	}
	if n := utf8.RuneCountInString(p.MessageText); l.MaxTextLength > 0 && n > l.MaxTextLength {
		return Validationf("messageText has %d characters, limit is %d", n, l.MaxTextLength)
	}
	if l.MaxAttachments > 0 && len(p.Attachments) > l.MaxAttachments {
		return Validationf("%d attachments, limit is %d", len(p.Attachments), l.MaxAttachments)
	}
	for i := range p.Attachments {
		if err := p.Attachments[i].Validate(); err != nil {
			return err
		}
	}
	if p.ReplyToMessageID != "" {
		if err := ValidateID("replyToMessageId", p.ReplyToMessageID); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that an attachment is a complete reference to uploaded media.
func (a Attachment) Validate() error {
	u, err := url.Parse(a.URL)
	if err != nil || a.URL == "" {
		return Validationf("attachment url %q is invalid", a.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Validationf("attachment url must be http or https")
	}
	if u.Host == "" {
		return Validationf("attachment url %q has no host", a.URL)
	}
	if !strings.Contains(a.MimeType, "/") {
		return Validationf("attachment mimeType %q is invalid", a.MimeType)
	}
	if strings.TrimSpace(a.FileName) == "" || len(a.FileName) > 255 {
		return Validationf("attachment fileName must be 1 to 255 bytes")
	}
	if a.FileSize < 0 {
		return Validationf("attachment fileSize cannot be negative")
	}
	return nil
}

// Validate checks a react payload.
func (p React) Validate(l Limits) error {
	if err := ValidateID("messageId", p.MessageID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Emoji) == "" {
		return Validationf("emoji is required")
	}
	if l.MaxEmojiBytes > 0 && len(p.Emoji) > l.MaxEmojiBytes {
		return Validationf("emoji exceeds %d bytes", l.MaxEmojiBytes)
	}
	if !utf8.ValidString(p.Emoji) {
		return Validationf("emoji is not valid UTF-8")
	}
	return nil
}

// Validate checks a mark_read payload.
func (p MarkRead) Validate() error {
	if err := ValidateID("channelId", p.ChannelID); err != nil {
		return err
	}
	if p.MessageID != "" {
		return ValidateID("messageId", p.MessageID)
	}
	return nil
}
