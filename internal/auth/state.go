package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// State token errors.
var (
	ErrMissingSecret = errors.New("state signing secret is required")
	ErrInvalidState  = errors.New("invalid oauth state")
)

const (
	stateIssuer     = "revspot-vision"
	DefaultStateTTL = 10 * time.Minute
)

// StateClaims are carried in the OAuth state parameter.
type StateClaims struct {
	jwt.RegisteredClaims
}

// StateSigner issues and verifies the OAuth state parameter as a short-lived
// HS256 JWT, so the callback can be checked without a second cookie.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateSigner creates a signer using secret.
func NewStateSigner(secret []byte) (*StateSigner, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	return &StateSigner{
		secret: secret,
		ttl:    DefaultStateTTL,
		now:    time.Now,
	}, nil
}

// Issue returns a new signed state value.
func (s *StateSigner) Issue() (string, error) {
	now := s.now()
	claims := &StateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return signed, nil
}

// Validate checks the signature, issuer and expiry of a state value.
func (s *StateSigner) Validate(state string) error {
	if state == "" {
		return fmt.Errorf("%w: empty", ErrInvalidState)
	}

	claims := &StateClaims{}
	token, err := jwt.ParseWithClaims(state, claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if !token.Valid {
		return ErrInvalidState
	}
	return nil
}
