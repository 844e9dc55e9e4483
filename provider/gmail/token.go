package gmail

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	"github.com/teranos/cadence/logger"
)

// TokenSaver persists a refreshed token for a user.
type TokenSaver func(ctx context.Context, userID string, tok *oauth2.Token) error

// TokenUpdater stores a user's tokens. *sequence.Store satisfies it.
type TokenUpdater interface {
	UpdateTokens(ctx context.Context, userID, accessToken, refreshToken string, expiry time.Time) error
}

// SaveTo returns a TokenSaver writing through u.
func SaveTo(u TokenUpdater) TokenSaver {
	return func(ctx context.Context, userID string, tok *oauth2.Token) error {
		return u.UpdateTokens(ctx, userID, tok.AccessToken, tok.RefreshToken, tok.Expiry)
	}
}

// refreshingSource hands out the account's access token and refreshes it
// once it is within buffer of expiry. A refreshed token is passed to save.
type refreshingSource struct {
	ctx    context.Context
	conf   *oauth2.Config
	userID string
	buffer time.Duration
	clock  clock.Clock
	save   TokenSaver
	logger *zap.SugaredLogger

	mu  sync.Mutex
	tok *oauth2.Token
}

func (s *refreshingSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fresh() {
		return s.tok, nil
	}
	if s.tok.RefreshToken == "" {
		return nil, errors.Mark(
			errors.Newf("access token for user %s expired and no refresh token is stored", s.userID),
			errors.ErrInvalidCredentials)
	}

	// A token carrying only the refresh token is always refreshed
	next, err := s.conf.TokenSource(s.ctx, &oauth2.Token{RefreshToken: s.tok.RefreshToken}).Token()
	if err != nil {
		return nil, tokenError(err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = s.tok.RefreshToken
	}
	s.tok = next

	s.logger.Debugw("Access token refreshed", logger.FieldUserID, s.userID, "expiry", next.Expiry)
	if s.save != nil {
		if err := s.save(s.ctx, s.userID, next); err != nil {
			s.logger.Warnw("Failed to persist refreshed token", logger.FieldUserID, s.userID, logger.FieldError, err)
		}
	}
	return next, nil
}

// fresh reports whether the current access token outlives the buffer.
// A token without expiry is trusted.
func (s *refreshingSource) fresh() bool {
	if s.tok.AccessToken == "" {
		return false
	}
	if s.tok.Expiry.IsZero() {
		return true
	}
	return s.clock.Now().Add(s.buffer).Before(s.tok.Expiry)
}

// tokenError marks a rejected refresh as revoked credentials.
func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" ||
			(re.Response != nil && (re.Response.StatusCode == 400 || re.Response.StatusCode == 401)) {
			return errors.Wrap(errors.Mark(err, errors.ErrInvalidCredentials), "token refresh rejected")
		}
	}
	return errors.Wrap(err, "token refresh failed")
}
