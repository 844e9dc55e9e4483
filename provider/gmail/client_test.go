package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	cadencetest "github.com/teranos/cadence/internal/testing"
	"github.com/teranos/cadence/provider"
	"github.com/teranos/cadence/sequence"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeGmail serves the subset of the Gmail REST API the client uses.
type fakeGmail struct {
	mu        sync.Mutex
	srv       *httptest.Server
	auth      []string // Authorization header per API request
	agents    []string
	refreshes int
	sent      map[string]any

	refreshStatus int
	refreshBody   string
	apiStatus     int
	apiBody       string
}

func newFakeGmail(t *testing.T) *fakeGmail {
	f := &fakeGmail{}
	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.refreshes++
		status, body := f.refreshStatus, f.refreshBody
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, body)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600}`)
	})

	mux.HandleFunc("/gmail/v1/users/me/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.agents = append(f.agents, r.Header.Get("User-Agent"))
		status, errBody := f.apiStatus, f.apiBody
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, errBody)
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/")
		switch {
		case path == "messages/send" && r.Method == http.MethodPost:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.mu.Lock()
			f.sent = body
			f.mu.Unlock()
			thread, _ := body["threadId"].(string)
			if thread == "" {
				thread = "thread-new"
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "msg-1", "threadId": thread})
		case strings.HasPrefix(path, "threads/"):
			_, _ = io.WriteString(w, threadJSON)
		case strings.HasPrefix(path, "messages/"):
			assert.Equal(t, "metadata", r.URL.Query().Get("format"))
			assert.Equal(t, []string{"Message-ID"}, r.URL.Query()["metadataHeaders"])
			_, _ = io.WriteString(w, `{"id":"msg-1","payload":{"headers":[{"name":"Message-ID","value":"<abc@mail.gmail.com>"}]}}`)
		default:
			http.NotFound(w, r)
		}
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

const threadJSON = `{
  "id": "thread-1",
  "messages": [
    {
      "id": "m1", "threadId": "thread-1", "labelIds": ["SENT"], "internalDate": "1772442000000",
      "payload": {"mimeType": "text/plain", "headers": [
        {"name": "From", "value": "ada@example.com"},
        {"name": "Subject", "value": "Hello"},
        {"name": "DKIM-Signature", "value": "v=1"}
      ]}
    },
    {
      "id": "m2", "threadId": "thread-1", "labelIds": ["INBOX", "UNREAD"], "internalDate": "1772445600000",
      "payload": {"mimeType": "multipart/report", "headers": [
        {"name": "From", "value": "Mail Delivery Subsystem <mailer-daemon@googlemail.com>"},
        {"name": "X-Failed-Recipients", "value": "grace@example.com"}
      ], "parts": [
        {"mimeType": "text/plain"},
        {"mimeType": "message/delivery-status"},
        {"mimeType": "multipart/alternative", "parts": [{"mimeType": "text/html"}]}
      ]}
    }
  ]
}`

func (f *fakeGmail) client(clk clock.Clock, save TokenSaver) *Client {
	return New(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		OAuthEndpoint: oauth2.Endpoint{
			TokenURL:  f.srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		APIEndpoint:  f.srv.URL + "/",
		AllowPrivate: true,
	}, save, clk, zap.NewNop().Sugar())
}

func validAccount() provider.Account {
	return provider.Account{
		UserID:       "u-1",
		Email:        "ada@example.com",
		AccessToken:  "stored-token",
		RefreshToken: "refresh-1",
		TokenExpiry:  t0.Add(time.Hour),
	}
}

func TestSendMessageEncodesRawAndThread(t *testing.T) {
	f := newFakeGmail(t)
	c := f.client(clock.NewMock(t0), nil)

	res, err := c.SendMessage(context.Background(), validAccount(), []byte("Subject: Hi\r\n\r\nbody"), "thread-9")
	require.NoError(t, err)
	assert.Equal(t, provider.SendResult{MessageID: "msg-1", ThreadID: "thread-9"}, res)

	raw, err := base64.URLEncoding.DecodeString(f.sent["raw"].(string))
	require.NoError(t, err)
	assert.Equal(t, "Subject: Hi\r\n\r\nbody", string(raw))
	assert.Equal(t, "thread-9", f.sent["threadId"])
	assert.Equal(t, []string{"Bearer stored-token"}, f.auth)
	require.Len(t, f.agents, 1)
	assert.Contains(t, f.agents[0], "cadence/")
	assert.Zero(t, f.refreshes)
}

func TestSendMessageNewThread(t *testing.T) {
	f := newFakeGmail(t)
	c := f.client(clock.NewMock(t0), nil)

	res, err := c.SendMessage(context.Background(), validAccount(), []byte("x"), "")
	require.NoError(t, err)
	assert.Equal(t, "thread-new", res.ThreadID)
	_, hasThread := f.sent["threadId"]
	assert.False(t, hasThread)
}

func TestTokenRefreshedNearExpiry(t *testing.T) {
	f := newFakeGmail(t)

	var savedUser string
	var saved *oauth2.Token
	save := func(_ context.Context, userID string, tok *oauth2.Token) error {
		savedUser, saved = userID, tok
		return nil
	}

	// Expires inside the default 5 minute buffer
	acct := validAccount()
	acct.TokenExpiry = t0.Add(4 * time.Minute)
	c := f.client(clock.NewMock(t0), save)

	_, err := c.SendMessage(context.Background(), acct, []byte("x"), "")
	require.NoError(t, err)

	assert.Equal(t, 1, f.refreshes)
	assert.Equal(t, []string{"Bearer fresh-token"}, f.auth)
	require.NotNil(t, saved)
	assert.Equal(t, "u-1", savedUser)
	assert.Equal(t, "fresh-token", saved.AccessToken)
	assert.Equal(t, "refresh-1", saved.RefreshToken, "refresh token kept when the server omits it")
}

func TestRefreshedTokenPersistedToAccount(t *testing.T) {
	ctx := context.Background()
	f := newFakeGmail(t)
	clk := clock.NewMock(t0)
	store := sequence.NewStore(cadencetest.CreateMigratedTestDBx(t), clk)

	expired := t0.Add(-time.Minute)
	require.NoError(t, store.UpsertAccount(ctx, &sequence.MailAccount{
		UserID:       "u-1",
		Email:        "ada@example.com",
		AccessToken:  "stale-token",
		RefreshToken: "refresh-1",
		TokenExpiry:  &expired,
	}))
	acct, err := store.GetAccount(ctx, "u-1")
	require.NoError(t, err)

	c := f.client(clk, SaveTo(store))
	_, err = c.GetThread(ctx, acct.ProviderAccount(), "thread-1")
	require.NoError(t, err)

	acct, err = store.GetAccount(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", acct.AccessToken)
	assert.Equal(t, "refresh-1", acct.RefreshToken)
	require.NotNil(t, acct.TokenExpiry)
	assert.True(t, acct.TokenExpiry.After(t0))
}

func TestTokenSaveFailureDoesNotFailRequest(t *testing.T) {
	f := newFakeGmail(t)
	acct := validAccount()
	acct.AccessToken = ""
	c := f.client(clock.NewMock(t0), func(context.Context, string, *oauth2.Token) error {
		return errors.New("database is locked")
	})

	_, err := c.SendMessage(context.Background(), acct, []byte("x"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.refreshes)
}

func TestRevokedGrantIsInvalidCredentials(t *testing.T) {
	f := newFakeGmail(t)
	f.refreshStatus = http.StatusBadRequest
	f.refreshBody = `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`

	acct := validAccount()
	acct.TokenExpiry = t0.Add(-time.Minute)
	c := f.client(clock.NewMock(t0), nil)

	_, err := c.SendMessage(context.Background(), acct, []byte("x"), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidCredentials))
	assert.True(t, errors.IsPermanent(err))
	assert.Empty(t, f.auth, "no API request after a failed refresh")
}

func TestExpiredWithoutRefreshToken(t *testing.T) {
	f := newFakeGmail(t)
	acct := validAccount()
	acct.RefreshToken = ""
	acct.TokenExpiry = t0.Add(-time.Hour)
	c := f.client(clock.NewMock(t0), nil)

	_, err := c.GetThread(context.Background(), acct, "thread-1")
	assert.True(t, errors.Is(err, errors.ErrInvalidCredentials))
	assert.Zero(t, f.refreshes)
}

func TestGetThreadConvertsMessages(t *testing.T) {
	f := newFakeGmail(t)
	c := f.client(clock.NewMock(t0), nil)

	msgs, err := c.GetThread(context.Background(), validAccount(), "thread-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	first := msgs[0]
	assert.Equal(t, "m1", first.ID)
	assert.True(t, first.HasLabel("SENT"))
	assert.Equal(t, "ada@example.com", first.Headers.Get("from"))
	assert.False(t, first.Headers.Has("DKIM-Signature"), "only thread headers are kept")
	assert.Equal(t, time.UnixMilli(1772442000000).UTC(), first.Internal)

	bounce := msgs[1]
	assert.Equal(t, "multipart/report", bounce.MimeType)
	assert.Equal(t, "grace@example.com", bounce.Headers.Get("X-Failed-Recipients"))
	assert.Equal(t, []string{"text/plain", "message/delivery-status", "multipart/alternative", "text/html"}, bounce.Parts)
}

func TestGetMessageHeaders(t *testing.T) {
	f := newFakeGmail(t)
	c := f.client(clock.NewMock(t0), nil)

	h, err := c.GetMessage(context.Background(), validAccount(), "msg-1", "Message-ID")
	require.NoError(t, err)
	assert.Equal(t, "<abc@mail.gmail.com>", h.Get("Message-ID"))
}

func TestAPIErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		sentinel  error
		permanent bool
	}{
		{
			name:      "thread not found",
			status:    http.StatusNotFound,
			body:      `{"error":{"code":404,"message":"Requested entity was not found.","errors":[{"reason":"notFound"}]}}`,
			sentinel:  errors.ErrInvalidThread,
			permanent: true,
		},
		{
			name:      "quota",
			status:    http.StatusTooManyRequests,
			body:      `{"error":{"code":429,"message":"Too many concurrent requests for user","errors":[{"reason":"rateLimitExceeded"}]}}`,
			sentinel:  errors.ErrRateLimitExceeded,
			permanent: true,
		},
		{
			name:   "backend error",
			status: http.StatusInternalServerError,
			body:   `{"error":{"code":500,"message":"Backend Error","errors":[{"reason":"backendError"}]}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeGmail(t)
			f.apiStatus = tt.status
			f.apiBody = tt.body
			c := f.client(clock.NewMock(t0), nil)

			_, err := c.GetThread(context.Background(), validAccount(), "thread-1")
			require.Error(t, err)
			if tt.sentinel != nil {
				assert.True(t, errors.Is(err, tt.sentinel), "got %v", err)
			}
			assert.Equal(t, tt.permanent, errors.IsPermanent(err))
		})
	}
}
