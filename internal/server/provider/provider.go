// Package provider talks to the external account provider: the OAuth2
// authorization flow that yields a long-lived refresh token, and the REST
// listings, lookups and deletions done on behalf of an identity.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/expanse/internal/server/models"
	"golang.org/x/oauth2"
)

const (
	defaultAuthURL    = "https://www.reddit.com/api/v1/authorize"
	defaultTokenURL   = "https://www.reddit.com/api/v1/access_token"
	defaultAPIBaseURL = "https://oauth.reddit.com"
	defaultWebBaseURL = "https://www.reddit.com"
)

// Scopes requested at authorization time.
var Scopes = []string{"identity", "history", "read", "save", "edit", "vote", "report"}

// Provider is the authorization side of the external account provider.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*models.Grant, error)
	Account(ctx context.Context, refreshToken string, save TokenSaver) (Account, error)
}

// TokenSaver persists a refresh token the provider rotated during a refresh
// grant. The old token stops working once the provider issues a new one.
type TokenSaver func(ctx context.Context, refreshToken string) error

// Account is an authorized handle on one identity's upstream account.
type Account interface {
	FetchCategory(ctx context.Context, username, category string) ([]*models.Item, error)
	FetchComment(ctx context.Context, id string) (string, error)
	FetchInfo(ctx context.Context, fullnames []string) ([]*models.Item, error)
	DeleteItem(ctx context.Context, id, category, itemType string) error
}

type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	UserAgent    string

	AuthURL    string
	TokenURL   string
	APIBaseURL string
	WebBaseURL string

	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Reddit implements Provider against the reddit OAuth2 API.
type Reddit struct {
	conf       *oauth2.Config
	httpClient *http.Client
	apiBaseURL string
	webBaseURL string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func orDefault(v, def string) string {
	v = strings.TrimRight(strings.TrimSpace(v), "/")
	if v == "" {
		return def
	}
	return v
}

// NewReddit builds a provider client. Empty URLs fall back to the public
// reddit endpoints.
func NewReddit(opts Options) *Reddit {
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 20 * time.Second}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client := &http.Client{
		Timeout:   base.Timeout,
		Transport: &userAgentTransport{base: transport, userAgent: opts.UserAgent},
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}

	return &Reddit{
		conf: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   orDefault(opts.AuthURL, defaultAuthURL),
				TokenURL:  orDefault(opts.TokenURL, defaultTokenURL),
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: client,
		apiBaseURL: orDefault(opts.APIBaseURL, defaultAPIBaseURL),
		webBaseURL: orDefault(opts.WebBaseURL, defaultWebBaseURL),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// AuthCodeURL returns the authorize URL for a permanent (refreshable) grant.
func (r *Reddit) AuthCodeURL(state string) string {
	return r.conf.AuthCodeURL(state, oauth2.SetAuthURLParam("duration", "permanent"))
}

func (r *Reddit) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
}

// Exchange trades an authorization code for a Grant naming the account.
func (r *Reddit) Exchange(ctx context.Context, code string) (*models.Grant, error) {
	ctx = r.clientContext(ctx)
	token, err := r.conf.Exchange(ctx, code)
	if err != nil {
		return nil, upstreamError("token exchange", err)
	}
	if token.RefreshToken == "" {
		return nil, upstreamError("token exchange", errMissingRefreshToken)
	}

	acc := r.newAccount(ctx, token, nil)
	username, err := acc.me(ctx)
	if err != nil {
		return nil, err
	}

	return &models.Grant{Username: username, RefreshToken: token.RefreshToken}, nil
}

// Account re-authorizes with a stored refresh token. The access token is
// obtained lazily on the first request. A non-nil save is called whenever the
// provider hands back a different refresh token.
func (r *Reddit) Account(ctx context.Context, refreshToken string, save TokenSaver) (Account, error) {
	if refreshToken == "" {
		return nil, upstreamError("authorize", errMissingRefreshToken)
	}
	return r.newAccount(r.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}, save), nil
}

func (r *Reddit) newAccount(ctx context.Context, token *oauth2.Token, save TokenSaver) *RedditAccount {
	source := r.conf.TokenSource(ctx, token)
	if save != nil {
		source = &rotatingTokenSource{
			ctx:     context.WithoutCancel(ctx),
			base:    source,
			current: token.RefreshToken,
			save:    save,
		}
	}
	return &RedditAccount{
		client:     oauth2.NewClient(ctx, source),
		apiBaseURL: r.apiBaseURL,
		webBaseURL: r.webBaseURL,
		maxRetries: r.maxRetries,
		baseDelay:  r.baseDelay,
		maxDelay:   r.maxDelay,
	}
}

// rotatingTokenSource reports refresh token rotation to save. The token is
// only considered current once it has been saved.
type rotatingTokenSource struct {
	ctx  context.Context
	base oauth2.TokenSource
	save TokenSaver

	mu      sync.Mutex
	current string
}

func (s *rotatingTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.RefreshToken == "" || t.RefreshToken == s.current {
		return t, nil
	}
	if err := s.save(s.ctx, t.RefreshToken); err != nil {
		return nil, fmt.Errorf("save rotated refresh token: %w", err)
	}
	s.current = t.RefreshToken
	return t, nil
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent == "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(clone)
}
