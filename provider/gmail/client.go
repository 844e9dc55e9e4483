// Package gmail is the Gmail adapter for provider.Provider.
//
// Each call builds a gmail.Service over an oauth2 client whose token source
// refreshes the account's access token shortly before it expires and hands
// the new token to a TokenSaver. Calls are paced by a shared rate.Limiter.
package gmail

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	"github.com/teranos/cadence/internal/httpclient"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/provider"
	"github.com/teranos/cadence/version"
)

// Scopes needed to send and read threads.
var Scopes = []string{
	gmailapi.GmailSendScope,
	gmailapi.GmailReadonlyScope,
}

// ThreadHeaders are the headers GetThread loads for each message.
var ThreadHeaders = []string{"From", "To", "Subject", "Message-ID", "X-Failed-Recipients", "Content-Type"}

// Config configures the adapter.
type Config struct {
	ClientID          string
	ClientSecret      string
	RedirectURL       string
	RefreshBuffer     time.Duration // Refresh when the token expires within this window
	RequestsPerSecond float64       // 0 disables pacing
	Burst             int
	HTTPTimeout       time.Duration

	// Overrides for tests
	OAuthEndpoint oauth2.Endpoint
	APIEndpoint   string
	AllowPrivate  bool
}

// ConfigFrom converts the [gmail] config section.
func ConfigFrom(c am.GmailConfig) Config {
	return Config{
		ClientID:          c.ClientID,
		ClientSecret:      c.ClientSecret,
		RedirectURL:       c.RedirectURL,
		RefreshBuffer:     c.RefreshBuffer,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		HTTPTimeout:       c.HTTPTimeout,
	}
}

// Client implements provider.Provider against the Gmail API.
type Client struct {
	oauth    *oauth2.Config
	buffer   time.Duration
	endpoint string
	limiter  *rate.Limiter
	http     *http.Client
	save     TokenSaver
	clock    clock.Clock
	logger   *zap.SugaredLogger
}

var _ provider.Provider = (*Client)(nil)

// New creates a Client. save may be nil.
func New(cfg Config, save TokenSaver, clk clock.Clock, log *zap.SugaredLogger) *Client {
	endpoint := cfg.OAuthEndpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	buffer := cfg.RefreshBuffer
	if buffer <= 0 {
		buffer = 5 * time.Minute
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       Scopes,
		},
		buffer:   buffer,
		endpoint: cfg.APIEndpoint,
		limiter:  limiter,
		http:     httpclient.New(httpclient.Options{Timeout: cfg.HTTPTimeout, AllowPrivate: cfg.AllowPrivate}),
		save:     save,
		clock:    clk,
		logger:   logger.AddMailSymbol(log.Named("gmail")),
	}
}

// OAuthConfig returns the oauth2 config used for refreshes and consent URLs.
func (c *Client) OAuthConfig() *oauth2.Config {
	return c.oauth
}

func (c *Client) service(ctx context.Context, acct provider.Account) (*gmailapi.Service, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "gmail rate limiter")
	}
	// Token refreshes and API calls both go through the guarded client
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	src := &refreshingSource{
		ctx:    ctx,
		conf:   c.oauth,
		userID: acct.UserID,
		buffer: c.buffer,
		clock:  c.clock,
		save:   c.save,
		logger: c.logger,
		tok: &oauth2.Token{
			AccessToken:  acct.AccessToken,
			RefreshToken: acct.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       acct.TokenExpiry,
		},
	}
	// Refresh up front so a revoked grant fails before any request is built
	if _, err := src.Token(); err != nil {
		return nil, err
	}

	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, src))}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create Gmail service")
	}
	// option.WithUserAgent is ignored alongside a custom HTTP client
	svc.UserAgent = version.Get().UserAgent()
	return svc, nil
}

// SendMessage sends raw as the account, inside threadID when set.
func (c *Client) SendMessage(ctx context.Context, acct provider.Account, raw []byte, threadID string) (provider.SendResult, error) {
	svc, err := c.service(ctx, acct)
	if err != nil {
		return provider.SendResult{}, err
	}
	msg := &gmailapi.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: threadID,
	}
	sent, err := svc.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return provider.SendResult{}, apiError(err, "send")
	}
	c.logger.Debugw("Message sent",
		logger.FieldUserID, acct.UserID,
		logger.FieldMessageID, sent.Id,
		logger.FieldThreadID, sent.ThreadId)
	return provider.SendResult{MessageID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// GetThread returns the thread's messages with ThreadHeaders and part types.
func (c *Client) GetThread(ctx context.Context, acct provider.Account, threadID string) ([]provider.Message, error) {
	svc, err := c.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	th, err := svc.Users.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, apiError(err, "get thread")
	}
	out := make([]provider.Message, 0, len(th.Messages))
	for _, m := range th.Messages {
		out = append(out, toMessage(m))
	}
	return out, nil
}

// GetMessage returns the named headers of a message.
func (c *Client) GetMessage(ctx context.Context, acct provider.Account, id string, headers ...string) (provider.Headers, error) {
	svc, err := c.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	call := svc.Users.Messages.Get("me", id).Format("metadata")
	if len(headers) > 0 {
		call = call.MetadataHeaders(headers...)
	}
	m, err := call.Context(ctx).Do()
	if err != nil {
		return nil, apiError(err, "get message")
	}
	if m.Payload == nil {
		return nil, nil
	}
	return toHeaders(m.Payload.Headers), nil
}

func toMessage(m *gmailapi.Message) provider.Message {
	msg := provider.Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		LabelIDs: m.LabelIds,
		Internal: time.UnixMilli(m.InternalDate).UTC(),
	}
	if m.Payload != nil {
		msg.MimeType = m.Payload.MimeType
		msg.Headers = filterHeaders(toHeaders(m.Payload.Headers), ThreadHeaders)
		msg.Parts = partTypes(m.Payload.Parts, nil)
	}
	return msg
}

func toHeaders(in []*gmailapi.MessagePartHeader) provider.Headers {
	out := make(provider.Headers, 0, len(in))
	for _, h := range in {
		out = append(out, provider.Header{Name: h.Name, Value: h.Value})
	}
	return out
}

func filterHeaders(in provider.Headers, keep []string) provider.Headers {
	out := in[:0]
	for _, h := range in {
		for _, k := range keep {
			if strings.EqualFold(h.Name, k) {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// partTypes flattens the MIME tree into its content types.
func partTypes(parts []*gmailapi.MessagePart, acc []string) []string {
	for _, p := range parts {
		acc = append(acc, p.MimeType)
		acc = partTypes(p.Parts, acc)
	}
	return acc
}
