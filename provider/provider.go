// Package provider defines the mailbox API the send path and the thread
// monitor talk to. Adapters live in subpackages and mark their errors with
// the delivery sentinels in errors so the retry policy can classify them.
package provider

import (
	"context"
	"strings"
	"time"
)

// Account is the mailbox a request runs as.
type Account struct {
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
}

// Header is one message header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered header list.
type Headers []Header

// Get returns the first value of name, matched case-insensitively.
func (h Headers) Get(name string) string {
	for _, hd := range h {
		if strings.EqualFold(hd.Name, name) {
			return hd.Value
		}
	}
	return ""
}

// Has reports whether name is present.
func (h Headers) Has(name string) bool {
	for _, hd := range h {
		if strings.EqualFold(hd.Name, name) {
			return true
		}
	}
	return false
}

// Message is a message of a thread as the monitor sees it.
type Message struct {
	ID       string    `json:"id"`
	ThreadID string    `json:"thread_id"`
	LabelIDs []string  `json:"label_ids,omitempty"`
	Headers  Headers   `json:"headers,omitempty"`
	MimeType string    `json:"mime_type,omitempty"`
	Parts    []string  `json:"parts,omitempty"` // content types of the MIME parts
	Internal time.Time `json:"internal_date"`
}

// HasLabel reports whether the message carries label.
func (m Message) HasLabel(label string) bool {
	for _, l := range m.LabelIDs {
		if l == label {
			return true
		}
	}
	return false
}

// Outgoing is a message to send.
type Outgoing struct {
	From       string
	To         string
	Subject    string
	Body       string
	InReplyTo  string
	References string
}

// SendResult identifies a sent message.
type SendResult struct {
	MessageID string
	ThreadID  string
}

// Provider is a mailbox API.
type Provider interface {
	// SendMessage sends a raw RFC 822 message, in threadID when set.
	SendMessage(ctx context.Context, acct Account, raw []byte, threadID string) (SendResult, error)
	// GetThread returns the messages of a thread, oldest first.
	GetThread(ctx context.Context, acct Account, threadID string) ([]Message, error)
	// GetMessage returns the named headers of a message, or all of them when none are named.
	GetMessage(ctx context.Context, acct Account, id string, headers ...string) (Headers, error)
}
