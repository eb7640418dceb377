package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/securecookie"
)

// CookieName is the single cookie holding the credential record.
const CookieName = "google-tokens"

// CookieOptions controls the attributes of the credential cookie.
type CookieOptions struct {
	MaxAge time.Duration
	Secure bool
}

// NewCookieCodec returns a codec that signs, and when blockKey is set
// encrypts, the JSON-serialized credential record.
func NewCookieCodec(hashKey, blockKey []byte, maxAge time.Duration) *securecookie.SecureCookie {
	if len(blockKey) == 0 {
		blockKey = nil
	}
	return securecookie.New(hashKey, blockKey).
		SetSerializer(securecookie.JSONEncoder{}).
		MaxAge(int(maxAge.Seconds()))
}

// CookieStore is a request-scoped CredentialStore reading the credential
// cookie from the request and writing updates to the response. Values set
// during the request are visible to later reads in the same request.
type CookieStore struct {
	w     http.ResponseWriter
	r     *http.Request
	codec *securecookie.SecureCookie
	opts  CookieOptions

	mu      sync.Mutex
	pending *Credential
	cleared bool
}

// NewCookieStore binds a store to one request/response pair.
func NewCookieStore(w http.ResponseWriter, r *http.Request, codec *securecookie.SecureCookie, opts CookieOptions) *CookieStore {
	return &CookieStore{
		w:     w,
		r:     r,
		codec: codec,
		opts:  opts,
	}
}

func (s *CookieStore) Get(ctx context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleared {
		return nil, ErrNoCredential
	}
	if s.pending != nil {
		c := *s.pending
		return &c, nil
	}

	cookie, err := s.r.Cookie(CookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	var cred Credential
	if err := s.codec.Decode(CookieName, cookie.Value, &cred); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	if !cred.Valid() {
		return nil, fmt.Errorf("%w: missing access token", ErrMalformedCredential)
	}

	return &cred, nil
}

func (s *CookieStore) Set(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := s.codec.Encode(CookieName, cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential cookie: %w", err)
	}

	http.SetCookie(s.w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.opts.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	c := *cred
	s.pending = &c
	s.cleared = false
	return nil
}

func (s *CookieStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	http.SetCookie(s.w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   s.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	s.pending = nil
	s.cleared = true
	return nil
}
