package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// makeJWT signs a token expiring at exp. The key is irrelevant to the client.
func makeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

// fakeEndpoint counts refresh calls and answers with fn.
type fakeEndpoint struct {
	calls atomic.Int32
	delay time.Duration
	fn    func(refreshToken, deviceID string) (Tokens, error)
}

func (f *fakeEndpoint) Refresh(ctx context.Context, refreshToken, deviceID string) (Tokens, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Tokens{}, ctx.Err()
		}
	}
	return f.fn(refreshToken, deviceID)
}

func issue(access, refresh string) func(string, string) (Tokens, error) {
	return func(string, string) (Tokens, error) {
		return Tokens{AccessToken: access, RefreshToken: refresh}, nil
	}
}

func fail(err error) func(string, string) (Tokens, error) {
	return func(string, string) (Tokens, error) {
		return Tokens{}, err
	}
}

// redirectRecorder counts login redirects.
type redirectRecorder struct {
	calls atomic.Int32
}

func (r *redirectRecorder) RedirectToLogin(context.Context) { r.calls.Add(1) }
