package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/logging"
	"github.com/dmitrijs2005/expanse/internal/server/auth"
	"github.com/dmitrijs2005/expanse/internal/server/models"
)

// IdentityLookup resolves the identity named by a session.
type IdentityLookup interface {
	Get(ctx context.Context, username string) (*models.Identity, error)
}

// PresenceRemover drops the presence entry of an identity.
type PresenceRemover interface {
	Remove(username string)
}

// Sessions issues and verifies the signed session cookie.
type Sessions struct {
	secret     []byte
	validity   time.Duration
	secure     bool
	identities IdentityLookup
	presence   PresenceRemover
	logger     logging.Logger
}

// NewSessions builds the cookie session manager. Tokens are signed with
// secretKey and stay valid for validity after their last use.
func NewSessions(secretKey string, validity time.Duration, secure bool, ids IdentityLookup, p PresenceRemover, l logging.Logger) *Sessions {
	return &Sessions{
		secret:     []byte(secretKey),
		validity:   validity,
		secure:     secure,
		identities: ids,
		presence:   p,
		logger:     l.With("module", "sessions"),
	}
}

// Issue sets a fresh session cookie for username.
func (s *Sessions) Issue(w http.ResponseWriter, username string) error {
	token, err := auth.GenerateToken(username, s.secret, s.validity)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     common.SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.validity / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear expires the session cookie.
func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     common.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// username verifies the cookie signature only.
func (s *Sessions) username(r *http.Request) (string, bool) {
	c, err := r.Cookie(common.SessionCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	username, err := auth.GetUsernameFromToken(c.Value, s.secret)
	if err != nil {
		return "", false
	}
	return username, true
}

// Resolve returns the identity of an authenticated request and rolls the
// cookie forward. A valid token naming an identity that no longer exists
// clears the cookie and the stale presence entry.
func (s *Sessions) Resolve(w http.ResponseWriter, r *http.Request) (*models.Identity, bool) {
	if _, err := r.Cookie(common.SessionCookieName); err != nil {
		return nil, false
	}

	username, ok := s.username(r)
	if !ok {
		s.Clear(w)
		return nil, false
	}

	identity, err := s.identities.Get(r.Context(), username)
	if errors.Is(err, common.ErrorNotFound) {
		s.logger.Info(r.Context(), "session names unknown identity", "username", username)
		s.presence.Remove(username)
		s.Clear(w)
		return nil, false
	}
	if err != nil {
		s.logger.Error(r.Context(), "session lookup failed", "username", username, "error", err)
		return nil, false
	}

	if err := s.Issue(w, identity.Username); err != nil {
		s.logger.Error(r.Context(), "session renew failed", "username", username, "error", err)
	}
	return identity, true
}

// Authenticate reports the username of a websocket upgrade request.
func (s *Sessions) Authenticate(r *http.Request) (string, bool) {
	username, ok := s.username(r)
	if !ok {
		return "", false
	}
	if _, err := s.identities.Get(r.Context(), username); err != nil {
		return "", false
	}
	return username, true
}
