package provider

import (
	"bytes"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/teranos/cadence/errors"
)

// BuildRaw renders an outgoing message as RFC 822 bytes. Bodies that look
// like HTML are sent as text/html, everything else as text/plain.
func BuildRaw(out Outgoing) ([]byte, error) {
	if strings.TrimSpace(out.To) == "" {
		return nil, errors.Mark(errors.New("message has no recipient"), errors.ErrInvalidRecipient)
	}

	m := gomail.NewMessage()
	if out.From != "" {
		m.SetHeader("From", out.From)
	}
	m.SetHeader("To", out.To)
	m.SetHeader("Subject", out.Subject)
	if out.InReplyTo != "" {
		m.SetHeader("In-Reply-To", out.InReplyTo)
		refs := out.References
		if refs == "" {
			refs = out.InReplyTo
		}
		m.SetHeader("References", refs)
	}

	contentType := "text/plain"
	if looksLikeHTML(out.Body) {
		contentType = "text/html"
	}
	m.SetBody(contentType, out.Body)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "failed to render message")
	}
	return buf.Bytes(), nil
}

func looksLikeHTML(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "<html") || strings.Contains(b, "<p") ||
		strings.Contains(b, "<br") || strings.Contains(b, "<div")
}
