package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Credential store errors.
var (
	ErrNoCredential        = errors.New("no stored credential")
	ErrMalformedCredential = errors.New("malformed stored credential")
)

// Credential is the OAuth access/refresh token pair and its expiry.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Valid reports whether the record carries an access token.
func (c *Credential) Valid() bool {
	return c != nil && c.AccessToken != ""
}

// ExpiresWithin reports whether the access token expires before now+window.
// A zero expiry is treated as non-expiring.
func (c *Credential) ExpiresWithin(window time.Duration, now time.Time) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !c.Expiry.After(now.Add(window))
}

// Expired reports whether the access token is already past its expiry.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresWithin(0, now)
}

// Merge overlays a refreshed credential on c. Providers do not always reissue
// a refresh token, so the existing one is kept when the refresh omits it.
func (c *Credential) Merge(refreshed *Credential) *Credential {
	out := *refreshed
	if out.RefreshToken == "" {
		out.RefreshToken = c.RefreshToken
	}
	if out.TokenType == "" {
		out.TokenType = c.TokenType
	}
	return &out
}

// OAuth2Token converts the record for use with oauth2-aware clients.
func (c *Credential) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// FromOAuth2Token converts an oauth2 token into a Credential.
func FromOAuth2Token(tok *oauth2.Token) *Credential {
	return &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

// CredentialStore persists a single credential record.
type CredentialStore interface {
	// Get returns ErrNoCredential when nothing is stored and
	// ErrMalformedCredential when the stored value cannot be decoded.
	Get(ctx context.Context) (*Credential, error)
	Set(ctx context.Context, cred *Credential) error
	Clear(ctx context.Context) error
}

// MemoryStore is a CredentialStore held in process memory. It backs work that
// outlives the request which supplied the credential.
type MemoryStore struct {
	mu   sync.Mutex
	cred *Credential
}

// NewMemoryStore returns a store seeded with cred, which may be nil.
func NewMemoryStore(cred *Credential) *MemoryStore {
	s := &MemoryStore{}
	if cred != nil {
		c := *cred
		s.cred = &c
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, ErrNoCredential
	}
	c := *s.cred
	return &c, nil
}

func (s *MemoryStore) Set(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cred
	s.cred = &c
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}
