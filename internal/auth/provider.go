// Package auth manages the OAuth2 token of the device: consent redirects,
// authorization code exchange and refresh.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"change/internal/core"
)

// Flow selects how consent is obtained.
type Flow string

const (
	// FlowOnline is the implicit grant: the token arrives in the callback
	// URL fragment and cannot be refreshed.
	FlowOnline Flow = "online"
	// FlowOffline is the authorization code grant with a refresh token.
	FlowOffline Flow = "offline"
)

const (
	DefaultState = "change-application-nonce"
	DriveScope   = "https://www.googleapis.com/auth/drive"
)

// ErrStateMismatch is returned when a callback carries a foreign state value.
var ErrStateMismatch = errors.New("oauth state mismatch")

// State is the observable position of the token lifecycle.
type State int

const (
	StateNeedsConsent State = iota
	StateExchangingCode
	StateValid
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNeedsConsent:
		return "needs_consent"
	case StateExchangingCode:
		return "exchanging_code"
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Redirector performs the side effect of sending the user to the consent page.
type Redirector interface {
	Redirect(ctx context.Context, consentURL string) error
}

// RedirectFunc adapts a function to Redirector.
type RedirectFunc func(ctx context.Context, consentURL string) error

func (f RedirectFunc) Redirect(ctx context.Context, consentURL string) error { return f(ctx, consentURL) }

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	State        string
	Flow         Flow
	// AuthStyle is passed to the oauth2 endpoint; zero autodetects.
	AuthStyle oauth2.AuthStyle
}

func (c Config) withDefaults() Config {
	if c.AuthURL == "" {
		c.AuthURL = google.Endpoint.AuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = google.Endpoint.TokenURL
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{DriveScope}
	}
	if c.State == "" {
		c.State = DefaultState
	}
	if c.Flow == "" {
		c.Flow = FlowOffline
	}
	return c
}

// Provider owns the token lifecycle.
type Provider struct {
	cfg      Config
	oauth    *oauth2.Config
	store    TokenStore
	redirect Redirector
	logger   *slog.Logger
	now      func() time.Time
	client   *http.Client

	refresh singleflight.Group

	mu         sync.Mutex
	exchanging bool
}

type Option func(*Provider)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func NewProvider(cfg Config, store TokenStore, redirect Redirector, logger *slog.Logger, opts ...Option) *Provider {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: cfg.AuthStyle,
			},
		},
		store:    store,
		redirect: redirect,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ctx(ctx context.Context) context.Context {
	if p.client != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}
	return ctx
}

// AuthCodeURL builds the consent page URL for the configured flow.
func (p *Provider) AuthCodeURL() string {
	if p.cfg.Flow == FlowOnline {
		return p.oauth.AuthCodeURL(p.cfg.State, oauth2.SetAuthURLParam("response_type", "token"))
	}
	return p.oauth.AuthCodeURL(p.cfg.State, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// SignIn requests a consent redirect. It always returns an error wrapping
// core.ErrAuthRequired, since no token is available until the callback.
func (p *Provider) SignIn(ctx context.Context) error {
	consent := p.AuthCodeURL()
	p.logger.InfoContext(ctx, "Consent required", "flow", p.cfg.Flow)
	if p.redirect != nil {
		if err := p.redirect.Redirect(ctx, consent); err != nil {
			return fmt.Errorf("%w: redirect to consent: %w", core.ErrAuthRequired, err)
		}
	}
	return fmt.Errorf("%w: consent requested", core.ErrAuthRequired)
}

// SignOut forgets the stored token.
func (p *Provider) SignOut(ctx context.Context) error {
	return p.store.Clear(ctx)
}

// State reports where the token lifecycle currently is.
func (p *Provider) State(ctx context.Context) State {
	p.mu.Lock()
	exchanging := p.exchanging
	p.mu.Unlock()
	if exchanging {
		return StateExchangingCode
	}

	tok, err := p.store.Load(ctx)
	if err != nil {
		return StateNeedsConsent
	}
	if tok.Expired(p.now()) {
		return StateExpired
	}
	return StateValid
}

// Init handles the URL the consent page redirected back to. A URL without
// authorization parameters and no stored token triggers SignIn.
func (p *Provider) Init(ctx context.Context, callbackURL string) error {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return fmt.Errorf("parse callback url: %w", err)
	}

	if p.cfg.Flow == FlowOnline {
		params, err := url.ParseQuery(u.Fragment)
		if err != nil {
			return fmt.Errorf("parse callback fragment: %w", err)
		}
		return p.initOnline(ctx, params)
	}
	return p.initOffline(ctx, u.Query())
}

func (p *Provider) hasToken(ctx context.Context) (Token, bool, error) {
	tok, err := p.store.Load(ctx)
	if errors.Is(err, core.ErrNotFound) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}
	return tok, true, nil
}

func (p *Provider) checkCallback(params url.Values) error {
	if e := params.Get("error"); e != "" {
		return fmt.Errorf("%w: consent denied: %s", core.ErrAuthRequired, e)
	}
	if params.Get("state") != p.cfg.State {
		return ErrStateMismatch
	}
	return nil
}

func (p *Provider) initOnline(ctx context.Context, params url.Values) error {
	if len(params) == 0 {
		if _, ok, err := p.hasToken(ctx); err != nil || ok {
			return err
		}
		return p.SignIn(ctx)
	}
	if err := p.checkCallback(params); err != nil {
		return err
	}

	access := params.Get("access_token")
	if access == "" {
		return fmt.Errorf("%w: callback without access token", core.ErrAuthRequired)
	}
	secs, _ := strconv.ParseInt(params.Get("expires_in"), 10, 64)
	tok := newToken(access, "", params.Get("token_type"), time.Duration(secs)*time.Second, p.now())
	if err := p.store.Save(ctx, tok); err != nil {
		return fmt.Errorf("save token: %w", err)
	}

	p.logger.InfoContext(ctx, "Stored access token", "expires_at", tok.ExpiresAt)
	return nil
}

func (p *Provider) initOffline(ctx context.Context, params url.Values) error {
	if params.Get("code") == "" && params.Get("state") == "" && params.Get("error") == "" {
		if _, ok, err := p.hasToken(ctx); err != nil || ok {
			return err
		}
		return p.SignIn(ctx)
	}
	if err := p.checkCallback(params); err != nil {
		return err
	}
	code := params.Get("code")
	if code == "" {
		return fmt.Errorf("%w: callback without code", core.ErrAuthRequired)
	}

	stored, ok, err := p.hasToken(ctx)
	if err != nil {
		return err
	}
	if ok && stored.RefreshToken != "" {
		p.logger.DebugContext(ctx, "Refresh token present, skipping code exchange")
		return nil
	}

	p.mu.Lock()
	p.exchanging = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.exchanging = false
		p.mu.Unlock()
	}()

	resp, err := p.oauth.Exchange(p.ctx(ctx), code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	tok := fromOAuth2(resp, p.now())
	if err := p.store.Save(ctx, tok); err != nil {
		return fmt.Errorf("save token: %w", err)
	}

	p.logger.InfoContext(ctx, "Exchanged authorization code",
		"has_refresh_token", tok.RefreshToken != "",
		"expires_at", tok.ExpiresAt)
	return nil
}

// AccessToken returns a usable access token. An expired token is refreshed
// once when a refresh token exists; otherwise a consent redirect is requested
// and the error wraps core.ErrAuthRequired.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	tok, ok, err := p.hasToken(ctx)
	if err != nil {
		return "", err
	}
	if ok && !tok.Expired(p.now()) {
		return tok.AccessToken, nil
	}

	if ok && p.cfg.Flow == FlowOffline && tok.RefreshToken != "" {
		v, err, shared := p.refresh.Do("refresh", func() (any, error) {
			return p.refreshToken(ctx)
		})
		if err == nil {
			return v.(Token).AccessToken, nil
		}
		p.logger.WarnContext(ctx, "Token refresh failed", "error", err, "shared", shared)
	}

	return "", p.SignIn(ctx)
}

func (p *Provider) refreshToken(ctx context.Context) (Token, error) {
	// Another caller may have refreshed while we waited.
	tok, err := p.store.Load(ctx)
	if err != nil {
		return Token{}, err
	}
	if !tok.Expired(p.now()) {
		return tok, nil
	}

	src := p.oauth.TokenSource(p.ctx(ctx), &oauth2.Token{RefreshToken: tok.RefreshToken})
	resp, err := src.Token()
	if err != nil {
		return Token{}, fmt.Errorf("refresh token: %w", err)
	}

	fresh := fromOAuth2(resp, p.now())
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := p.store.Save(ctx, fresh); err != nil {
		return Token{}, fmt.Errorf("save token: %w", err)
	}

	p.logger.InfoContext(ctx, "Refreshed access token", "expires_at", fresh.ExpiresAt)
	return fresh, nil
}

// TokenSource adapts the provider for oauth2 HTTP transports.
func (p *Provider) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &providerSource{ctx: ctx, p: p}
}

type providerSource struct {
	ctx context.Context
	p   *Provider
}

func (s *providerSource) Token() (*oauth2.Token, error) {
	access, err := s.p.AccessToken(s.ctx)
	if err != nil {
		return nil, err
	}
	tok, err := s.p.store.Load(s.ctx)
	if err != nil || tok.AccessToken != access {
		return &oauth2.Token{AccessToken: access, TokenType: "Bearer"}, nil
	}
	return tok.oauth2(), nil
}
