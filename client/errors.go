package client

import "errors"

var (
	// ErrUnauthorized is terminal: no refresh credentials were stored, or the
	// refresh endpoint rejected them. Stored tokens have been cleared and the
	// login redirect has been invoked by the time a caller sees it.
	ErrUnauthorized = errors.New("unauthorized: login required")

	// ErrRefreshTokenExpired is returned by a RefreshEndpoint when the server
	// answers 401, meaning the refresh token itself is no longer accepted.
	ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")

	// ErrRefreshFailed marks a refresh that failed for any other reason
	// (unreachable endpoint, unexpected status, malformed body). Stored tokens
	// are left as they were and no logout happens.
	ErrRefreshFailed = errors.New("token refresh failed")
)
