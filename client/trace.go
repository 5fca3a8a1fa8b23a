package client

import (
	"context"
	"net/http"
)

// Trace receives progress events from a Client. Any field may be nil.
// RefreshStart and RefreshDone fire once per refresh call actually sent,
// not once per waiting request.
type Trace struct {
	Unauthorized func(req *http.Request)
	RefreshStart func()
	RefreshDone  func(err error)
	Retry        func(req *http.Request)
	Logout       func(cause error)
}

func (t *Trace) unauthorized(req *http.Request) {
	if t != nil && t.Unauthorized != nil {
		t.Unauthorized(req)
	}
}

func (t *Trace) refreshStart() {
	if t != nil && t.RefreshStart != nil {
		t.RefreshStart()
	}
}

func (t *Trace) refreshDone(err error) {
	if t != nil && t.RefreshDone != nil {
		t.RefreshDone(err)
	}
}

func (t *Trace) retry(req *http.Request) {
	if t != nil && t.Retry != nil {
		t.Retry(req)
	}
}

func (t *Trace) logout(cause error) {
	if t != nil && t.Logout != nil {
		t.Logout(cause)
	}
}

// LoginRedirect sends the application back to its unauthenticated entry
// point. It is only called after stored tokens have been cleared.
type LoginRedirect interface {
	RedirectToLogin(ctx context.Context)
}

// RedirectFunc adapts a function to LoginRedirect.
type RedirectFunc func(ctx context.Context)

func (f RedirectFunc) RedirectToLogin(ctx context.Context) { f(ctx) }
