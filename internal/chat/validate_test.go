package chat

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSendMessageValidate(t *testing.T) {
	t.Parallel()

	image := Attachment{URL: "https://cdn.example.com/a.png", MimeType: "image/png", FileName: "a.png", FileSize: 10}
	limits := DefaultLimits()

	tests := []struct {
		name    string
		payload SendMessage
		code    Code
	}{
		{name: "text only", payload: SendMessage{ChannelID: "7", MessageText: "hi"}},
		{name: "attachment only", payload: SendMessage{ChannelID: "7", MessageType: MessageImage, Attachments: []Attachment{image}}},
		{name: "missing channel", payload: SendMessage{MessageText: "hi"}, code: CodeValidation},
		{name: "channel with dot", payload: SendMessage{ChannelID: "a.b", MessageText: "hi"}, code: CodeValidation},
		{name: "blank text no attachments", payload: SendMessage{ChannelID: "7", MessageText: "   "}, code: CodeValidation},
		{name: "unknown type", payload: SendMessage{ChannelID: "7", MessageText: "hi", MessageType: "sticker"}, code: CodeValidation},
		{name: "too long", payload: SendMessage{ChannelID: "7", MessageText: strings.Repeat("x", limits.MaxTextLength+1)}, code: CodeValidation},
		{name: "bad attachment url", payload: SendMessage{ChannelID: "7", Attachments: []Attachment{{URL: "ftp://x/y", MimeType: "a/b", FileName: "y"}}}, code: CodeValidation},
		{name: "bad reply id", payload: SendMessage{ChannelID: "7", MessageText: "hi", ReplyToMessageID: "has space"}, code: CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.payload
			err := p.Validate(limits)
			if tt.code == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				if p.MessageType == "" {
					t.Fatal("expected message type to be defaulted")
				}
				return
			}
			if got := CodeOf(err); got != tt.code {
				t.Fatalf("CodeOf(Validate()) = %q, want %q (err %v)", got, tt.code, err)
			}
		})
	}
}

func TestTextLengthCountsRunes(t *testing.T) {
	t.Parallel()

	p := SendMessage{ChannelID: "7", MessageText: strings.Repeat("é", 5)}
	if err := p.Validate(Limits{MaxTextLength: 5}); err != nil {
		t.Fatalf("five runes should fit a limit of five: %v", err)
	}
}

func TestReactValidate(t *testing.T) {
	t.Parallel()

	limits := DefaultLimits()
	if err := (React{MessageID: "m1", Emoji: "👍"}).Validate(limits); err != nil {
		t.Fatalf("valid reaction rejected: %v", err)
	}
	if CodeOf((React{MessageID: "m1"}).Validate(limits)) != CodeValidation {
		t.Fatal("empty emoji must be rejected")
	}
	if CodeOf((React{MessageID: "m1", Emoji: strings.Repeat("a", 33)}).Validate(limits)) != CodeValidation {
		t.Fatal("oversized emoji must be rejected")
	}
}

func TestTypingUpdateExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	active := TypingUpdate{IsTyping: true, ExpiresAt: now.Add(time.Second)}
	if active.Expired(now) {
		t.Fatal("indicator inside its window reported expired")
	}
	if !active.Expired(now.Add(time.Second)) {
		t.Fatal("indicator at its expiry must be expired")
	}
	if !(TypingUpdate{IsTyping: false, ExpiresAt: now.Add(time.Hour)}).Expired(now) {
		t.Fatal("a stop update is never active")
	}
}

func TestErrorCodes(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := PersistenceFailed(cause)
	if !errors.Is(err, cause) {
		t.Fatal("persistence error must unwrap to its cause")
	}
	if CodeOf(err) != CodePersistence {
		t.Fatalf("CodeOf = %q, want %q", CodeOf(err), CodePersistence)
	}
	body := Body(err)
	if strings.Contains(body.Message, "disk full") {
		t.Fatalf("error body leaked cause: %q", body.Message)
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Fatal("untyped errors map to internal_error")
	}
}
