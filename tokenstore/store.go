// Package tokenstore persists the credentials an authenticated client needs:
// the access token, the refresh token and the device identifier.
package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Credential names accepted by Store.Get.
const (
	AccessToken  = "access_token"
	RefreshToken = "refresh_token"
	DeviceID     = "device_id"
)

// ErrUnknownName is returned by Get for a name that is not one of the
// credential names above.
var ErrUnknownName = errors.New("unknown credential name")

// Pair is the full credential set written on login and on every refresh.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id"`
}

// Store reads and writes credentials.
//
// Get returns an empty string and a nil error when the value is absent.
// Set replaces all three values in one step: readers observe either the old
// pair or the new one, never a mix. Clear removes all three values.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, pair Pair) error
	Clear(ctx context.Context) error
}

// Locker is implemented by stores that several processes can share. The
// holder of the lock is the only one exchanging the stored refresh token, so
// a rotated token is never presented twice.
type Locker interface {
	// Lock blocks until the lock is held or ctx ends. The returned function
	// releases it.
	Lock(ctx context.Context) (unlock func(), err error)
}

// field returns the value of the named credential in p.
func (p Pair) field(name string) (string, error) {
	switch name {
	case AccessToken:
		return p.AccessToken, nil
	case RefreshToken:
		return p.RefreshToken, nil
	case DeviceID:
		return p.DeviceID, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
}

// EnsureDeviceID returns the stored device id, generating and persisting a new
// one if none exists yet. Stored tokens are kept as they are.
func EnsureDeviceID(ctx context.Context, s Store) (string, error) {
	id, err := s.Get(ctx, DeviceID)
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	if id != "" {
		return id, nil
	}

	access, err := s.Get(ctx, AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to read access token: %w", err)
	}
	refresh, err := s.Get(ctx, RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to read refresh token: %w", err)
	}

	id = uuid.NewString()
	if err := s.Set(ctx, Pair{AccessToken: access, RefreshToken: refresh, DeviceID: id}); err != nil {
		return "", fmt.Errorf("failed to save device id: %w", err)
	}
	return id, nil
}
