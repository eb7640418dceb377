package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// Scopes requested at consent time: per-file Drive access plus the identity
// shown in the session endpoint.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/drive.file",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Provider performs the OAuth exchanges against the identity provider.
type Provider interface {
	AuthCodeURL(state, redirectURL string) string
	Exchange(ctx context.Context, code, redirectURL string) (*Credential, error)
	Refresh(ctx context.Context, refreshToken string) (*Credential, error)
}

// OAuthConfig is the client registration used to build a Provider.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// GoogleProvider implements Provider with Google's OAuth 2.0 endpoints.
type GoogleProvider struct {
	cfg OAuthConfig
}

// NewGoogleProvider creates a provider for the given client registration.
func NewGoogleProvider(cfg OAuthConfig) *GoogleProvider {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	return &GoogleProvider{cfg: cfg}
}

// oauthConfig builds a fresh oauth2.Config per call so no redirect URL is
// shared between requests.
func (p *GoogleProvider) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       p.cfg.Scopes,
	}
}

// AuthCodeURL requests offline access and forces the consent screen so a
// refresh token is issued on every authorization.
func (p *GoogleProvider) AuthCodeURL(state, redirectURL string) string {
	return p.oauthConfig(redirectURL).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

func (p *GoogleProvider) Exchange(ctx context.Context, code, redirectURL string) (*Credential, error) {
	tok, err := p.oauthConfig(redirectURL).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	return FromOAuth2Token(tok), nil
}

func (p *GoogleProvider) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	src := p.oauthConfig("").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	return FromOAuth2Token(tok), nil
}

// Identity is the display identity of the connected account.
type Identity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Image string `json:"image"`
}

// IdentityFetcher resolves the account behind a token source.
type IdentityFetcher interface {
	Identity(ctx context.Context, ts oauth2.TokenSource) (*Identity, error)
}

// GoogleIdentity reads the userinfo endpoint.
type GoogleIdentity struct{}

func (GoogleIdentity) Identity(ctx context.Context, ts oauth2.TokenSource) (*Identity, error) {
	svc, err := oauth2api.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo client: %w", err)
	}

	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	return &Identity{
		Name:  info.Name,
		Email: info.Email,
		Image: info.Picture,
	}, nil
}
