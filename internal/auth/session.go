package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/amillerrr/revspot-vision/internal/metrics"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

var tracer = otel.Tracer("revspot-auth")

// DefaultRefreshWindow is how close to expiry a token is refreshed.
const DefaultRefreshWindow = 5 * time.Minute

// refreshTimeout bounds one shared refresh call, independent of any caller.
const refreshTimeout = 30 * time.Second

var errEmptyRefresh = errors.New("refresh returned no access token")

// SessionState is the state of a stored credential.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateValid
	// StateRefreshing means the next authenticated call will refresh first.
	StateRefreshing
)

func (s SessionState) String() string {
	switch s {
	case StateValid:
		return "authenticated-valid"
	case StateRefreshing:
		return "authenticated-refreshing"
	default:
		return "unauthenticated"
	}
}

// SessionManager keeps the stored credential usable. Every authenticated
// operation goes through Credential, which refreshes a token that is about to
// expire and deletes the record when it can no longer be refreshed.
type SessionManager struct {
	provider Provider
	identity IdentityFetcher
	window   time.Duration
	now      func() time.Time
	log      *slog.Logger
	group    singleflight.Group
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) { m.now = now }
}

// WithRefreshWindow overrides how early tokens are refreshed.
func WithRefreshWindow(d time.Duration) SessionOption {
	return func(m *SessionManager) { m.window = d }
}

// WithIdentityFetcher overrides how the connected identity is resolved.
func WithIdentityFetcher(f IdentityFetcher) SessionOption {
	return func(m *SessionManager) { m.identity = f }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) SessionOption {
	return func(m *SessionManager) { m.log = log }
}

// NewSessionManager creates a SessionManager backed by provider.
func NewSessionManager(provider Provider, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		provider: provider,
		identity: GoogleIdentity{},
		window:   DefaultRefreshWindow,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AuthURL returns the consent URL for the given state and redirect URL.
func (m *SessionManager) AuthURL(state, redirectURL string) string {
	return m.provider.AuthCodeURL(state, redirectURL)
}

// Exchange trades an authorization code for a credential and stores it.
func (m *SessionManager) Exchange(ctx context.Context, store CredentialStore, code, redirectURL string) error {
	ctx, span := tracer.Start(ctx, "oauth-exchange")
	defer span.End()

	cred, err := m.provider.Exchange(ctx, code, redirectURL)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !cred.Valid() {
		return errors.New("code exchange returned no access token")
	}

	if err := store.Set(ctx, cred); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Bool("credential.has_refresh_token", cred.RefreshToken != ""))
	return nil
}

// Credential returns a usable credential, refreshing it first when it expires
// within the refresh window. Missing, malformed and rejected records all yield
// models.ErrNotAuthenticated; the latter two are deleted from store. A refresh
// that fails for any other reason leaves the record in place.
func (m *SessionManager) Credential(ctx context.Context, store CredentialStore) (*Credential, error) {
	cred, err := store.Get(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoCredential):
			return nil, models.ErrNotAuthenticated
		case errors.Is(err, ErrMalformedCredential):
			m.log.WarnContext(ctx, "Discarding malformed credential", "error", err)
			m.clear(ctx, store)
			return nil, models.ErrNotAuthenticated
		default:
			return nil, err
		}
	}

	now := m.now()
	if !cred.ExpiresWithin(m.window, now) {
		return cred, nil
	}

	if cred.RefreshToken == "" {
		if cred.Expired(now) {
			m.log.InfoContext(ctx, "Credential expired without a refresh token")
			m.clear(ctx, store)
			return nil, models.ErrNotAuthenticated
		}
		return cred, nil
	}

	refreshed, err := m.refresh(ctx, cred)
	if err != nil {
		if isRejected(err) {
			m.log.WarnContext(ctx, "Refresh token rejected, clearing credential", "error", err)
			m.clear(ctx, store)
			return nil, fmt.Errorf("%w: %v", models.ErrNotAuthenticated, err)
		}
		if !cred.Expired(now) {
			m.log.WarnContext(ctx, "Token refresh failed, using current credential", "error", err)
			return cred, nil
		}
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	if err := store.Set(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed credential: %w", err)
	}
	return refreshed, nil
}

// refresh exchanges the refresh token once per token even when several
// callers observe the same expiring credential concurrently. The shared call
// does not inherit the cancellation of whichever caller started it.
func (m *SessionManager) refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	ctx, span := tracer.Start(ctx, "oauth-refresh")
	defer span.End()

	flightCtx := context.WithoutCancel(ctx)
	v, err, shared := m.group.Do(cred.RefreshToken, func() (any, error) {
		callCtx, cancel := context.WithTimeout(flightCtx, refreshTimeout)
		defer cancel()

		fresh, err := m.provider.Refresh(callCtx, cred.RefreshToken)
		metrics.RecordRefresh(err == nil)
		if err != nil {
			return nil, err
		}
		if !fresh.Valid() {
			return nil, errEmptyRefresh
		}
		return fresh, nil
	})
	span.SetAttributes(attribute.Bool("refresh.shared", shared))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return cred.Merge(v.(*Credential)), nil
}

// isRejected reports whether the provider refused the refresh token itself.
func isRejected(err error) bool {
	if errors.Is(err, errEmptyRefresh) {
		return true
	}
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	if retrieveErr.ErrorCode != "" {
		return true
	}
	return retrieveErr.Response != nil &&
		retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500
}

func (m *SessionManager) clear(ctx context.Context, store CredentialStore) {
	if err := store.Clear(ctx); err != nil {
		m.log.ErrorContext(ctx, "Failed to clear credential", "error", err)
	}
}

// Peek reports the state of the stored credential without refreshing it.
func (m *SessionManager) Peek(ctx context.Context, store CredentialStore) SessionState {
	cred, err := store.Get(ctx)
	if err != nil {
		return StateUnauthenticated
	}
	if cred.ExpiresWithin(m.window, m.now()) {
		if cred.RefreshToken == "" && cred.Expired(m.now()) {
			return StateUnauthenticated
		}
		return StateRefreshing
	}
	return StateValid
}

// IsConnected reports whether a usable credential is available.
func (m *SessionManager) IsConnected(ctx context.Context, store CredentialStore) bool {
	_, err := m.Credential(ctx, store)
	return err == nil
}

// Session is the display identity of a connected account and its token expiry.
type Session struct {
	User    Identity  `json:"user"`
	Expires time.Time `json:"expires"`
}

// Session validates the stored credential by fetching the account identity.
// A credential the provider rejects is cleared.
func (m *SessionManager) Session(ctx context.Context, store CredentialStore) (*Session, error) {
	cred, err := m.Credential(ctx, store)
	if err != nil {
		return nil, err
	}

	id, err := m.identity.Identity(ctx, m.TokenSource(ctx, store))
	if err != nil {
		m.clear(ctx, store)
		return nil, fmt.Errorf("%w: %v", models.ErrNotAuthenticated, err)
	}

	return &Session{User: *id, Expires: cred.Expiry}, nil
}

// SignOut deletes the stored credential.
func (m *SessionManager) SignOut(ctx context.Context, store CredentialStore) error {
	return store.Clear(ctx)
}

// TokenSource adapts the store for oauth2-aware clients. Each Token call runs
// the same check-and-maybe-refresh sequence as Credential.
func (m *SessionManager) TokenSource(ctx context.Context, store CredentialStore) oauth2.TokenSource {
	return &storeTokenSource{ctx: ctx, m: m, store: store}
}

type storeTokenSource struct {
	ctx   context.Context
	m     *SessionManager
	store CredentialStore
}

func (s *storeTokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.m.Credential(s.ctx, s.store)
	if err != nil {
		return nil, err
	}
	return cred.OAuth2Token(), nil
}
