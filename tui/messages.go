package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgStoreReady signals which token store is in use.
type MsgStoreReady struct {
	Kind     string
	Location string
	Profile  string
}

// MsgTokensFound signals that stored tokens exist for the profile.
type MsgTokensFound struct{ DeviceID string }

// MsgTokensNotFound signals that no tokens are stored (requests go out anonymous).
type MsgTokensNotFound struct{ DeviceID string }

// MsgTokenState reports the decoded state of the stored access token.
type MsgTokenState struct {
	State     string
	Remaining time.Duration
}

// MsgRefreshing signals that a refresh call was sent.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token pair was replaced.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that the refresh call failed.
type MsgRefreshFailed struct{ Err error }

// MsgRequesting signals that the API request is being sent.
type MsgRequesting struct {
	Method string
	URL    string
}

// MsgAccessTokenRejected signals that the access token was rejected (401).
type MsgAccessTokenRejected struct{}

// MsgTokenRefreshedRetrying signals that the token was refreshed and the request is re-sent.
type MsgTokenRefreshedRetrying struct{}

// MsgLoggedOut signals that the stored tokens were cleared, and why.
type MsgLoggedOut struct{ Err error }

// MsgLoginRequired signals that tokens were cleared and the user must log in again.
type MsgLoginRequired struct{ LoginURL string }

// MsgResponse signals that the API answered.
type MsgResponse struct {
	Status  int
	Bytes   int
	Elapsed time.Duration
}

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
