package monitor

import (
	"net/mail"
	"strings"

	"github.com/teranos/cadence/provider"
)

// Kind is what a thread scan found.
type Kind string

const (
	KindNone   Kind = ""
	KindBounce Kind = "bounce"
	KindReply  Kind = "reply"
)

// Detection is the first bounce or reply found in a thread.
type Detection struct {
	Kind      Kind
	MessageID string
	Reason    string
	From      string
	// Addresses named in X-Failed-Recipients, when present
	FailedRecipients string
}

var bounceSenders = []string{"mailer-daemon", "postmaster"}

// Classify scans messages in order and returns the first bounce or reply.
// A message is a bounce when it names failed recipients, carries a
// delivery-status report or comes from a mailer daemon. It is a reply when
// it sits in the inbox and was not written by owner.
func Classify(messages []provider.Message, owner string) Detection {
	ownerAddr := address(owner)
	for _, m := range messages {
		from := m.Headers.Get("From")
		if reason := bounceReason(m, from); reason != "" {
			return Detection{
				Kind:             KindBounce,
				MessageID:        m.ID,
				Reason:           reason,
				From:             from,
				FailedRecipients: m.Headers.Get("X-Failed-Recipients"),
			}
		}
		if m.HasLabel("INBOX") && address(from) != ownerAddr {
			return Detection{Kind: KindReply, MessageID: m.ID, Reason: "inbox_reply", From: from}
		}
	}
	return Detection{}
}

func bounceReason(m provider.Message, from string) string {
	if m.Headers.Has("X-Failed-Recipients") {
		return "failed_recipients_header"
	}
	if isDeliveryStatus(m.MimeType) {
		return "delivery_status"
	}
	for _, p := range m.Parts {
		if isDeliveryStatus(p) {
			return "delivery_status"
		}
	}
	sender := strings.ToLower(from)
	for _, s := range bounceSenders {
		if strings.Contains(sender, s) {
			return "mailer_daemon"
		}
	}
	return ""
}

func isDeliveryStatus(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "message/delivery-status") ||
		(strings.HasPrefix(ct, "multipart/report") && !strings.Contains(ct, "disposition-notification"))
}

// address extracts the lowercased address from a From value.
func address(v string) string {
	if a, err := mail.ParseAddress(v); err == nil {
		return strings.ToLower(a.Address)
	}
	return strings.ToLower(strings.TrimSpace(v))
}
