package client

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultRefreshThreshold is the remaining lifetime below which a token is
// refreshed ahead of expiry.
const DefaultRefreshThreshold = 300 * time.Second

// TokenState is the perceived validity of an access token.
type TokenState int

const (
	StateUnknown TokenState = iota
	StateMissing
	StateMalformed
	StateExpired
	StateNearExpiry
	StateValid
)

func (s TokenState) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateMalformed:
		return "malformed"
	case StateExpired:
		return "expired"
	case StateNearExpiry:
		return "near_expiry"
	case StateValid:
		return "valid"
	default:
		return "unknown"
	}
}

var errNoExpiry = errors.New("token has no exp claim")

// InspectToken classifies token at now and returns its remaining lifetime.
// The signature is not checked; that is the server's job.
func InspectToken(token string, now time.Time, threshold time.Duration) (TokenState, time.Duration) {
	if token == "" {
		return StateMissing, 0
	}

	exp, err := tokenExpiry(token)
	if err != nil {
		return StateMalformed, 0
	}

	remaining := exp.Sub(now)
	switch {
	case remaining <= 0:
		return StateExpired, remaining
	case remaining <= threshold:
		return StateNearExpiry, remaining
	default:
		return StateValid, remaining
	}
}

func tokenExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}
