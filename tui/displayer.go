package tui

import (
	"fmt"
	"io"
	"net/http"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all progress output of an authenticated request.
type Displayer interface {
	Banner()
	StoreReady(kind, location, profile string)
	TokensFound(deviceID string)
	TokensNotFound(deviceID string)
	TokenState(state string, remaining time.Duration)
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	Requesting(method, url string)
	AccessTokenRejected()
	TokenRefreshedRetrying()
	LoggedOut(cause error)
	LoginRequired(loginURL string)
	Response(status, bytes int, elapsed time.Duration)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Back-office API client (auto refresh) ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) StoreReady(kind, location, profile string) {
	fmt.Fprintf(p.w, "Token store: %s (%s), profile %q\n", kind, location, profile)
}

func (p *PlainDisplayer) TokensFound(deviceID string) {
	fmt.Fprintf(p.w, "Found stored tokens for device %s\n", deviceID)
}

func (p *PlainDisplayer) TokensNotFound(deviceID string) {
	fmt.Fprintf(p.w, "No stored tokens for device %s, sending request without credentials\n", deviceID)
}

func (p *PlainDisplayer) TokenState(state string, remaining time.Duration) {
	if remaining > 0 {
		fmt.Fprintf(p.w, "Access token %s, expires in %s\n", state, remaining.Round(time.Second))
		return
	}
	fmt.Fprintf(p.w, "Access token %s\n", state)
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) Requesting(method, url string) {
	fmt.Fprintf(p.w, "%s %s\n", method, url)
}

func (p *PlainDisplayer) AccessTokenRejected() {
	fmt.Fprintln(p.w, "Access token rejected (401), refreshing...")
}

func (p *PlainDisplayer) TokenRefreshedRetrying() {
	fmt.Fprintln(p.w, "Token refreshed, retrying request...")
}

func (p *PlainDisplayer) LoggedOut(cause error) {
	fmt.Fprintf(p.w, "Logged out: %v\n", cause)
}

func (p *PlainDisplayer) LoginRequired(loginURL string) {
	fmt.Fprintln(p.w, "Session expired, stored tokens cleared.")
	fmt.Fprintf(p.w, "Please log in again: %s\n", loginURL)
}

func (p *PlainDisplayer) Response(status, bytes int, elapsed time.Duration) {
	fmt.Fprintf(p.w, "HTTP %d %s (%d bytes in %s)\n",
		status, http.StatusText(status), bytes, elapsed.Round(time.Millisecond))
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                              {}
func (NoopDisplayer) StoreReady(_, _, _ string)            {}
func (NoopDisplayer) TokensFound(_ string)                 {}
func (NoopDisplayer) TokensNotFound(_ string)              {}
func (NoopDisplayer) TokenState(_ string, _ time.Duration) {}
func (NoopDisplayer) Refreshing()                          {}
func (NoopDisplayer) RefreshOK()                           {}
func (NoopDisplayer) RefreshFailed(_ error)                {}
func (NoopDisplayer) Requesting(_, _ string)               {}
func (NoopDisplayer) AccessTokenRejected()                 {}
func (NoopDisplayer) TokenRefreshedRetrying()              {}
func (NoopDisplayer) LoggedOut(_ error)                    {}
func (NoopDisplayer) LoginRequired(_ string)               {}
func (NoopDisplayer) Response(_, _ int, _ time.Duration)   {}
func (NoopDisplayer) Fatal(_ error)                        {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) StoreReady(kind, location, profile string) {
	t.p.Send(MsgStoreReady{Kind: kind, Location: location, Profile: profile})
}

func (t *ProgramDisplayer) TokensFound(deviceID string) {
	t.p.Send(MsgTokensFound{DeviceID: deviceID})
}

func (t *ProgramDisplayer) TokensNotFound(deviceID string) {
	t.p.Send(MsgTokensNotFound{DeviceID: deviceID})
}

func (t *ProgramDisplayer) TokenState(state string, remaining time.Duration) {
	t.p.Send(MsgTokenState{State: state, Remaining: remaining})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) Requesting(method, url string) {
	t.p.Send(MsgRequesting{Method: method, URL: url})
}

func (t *ProgramDisplayer) AccessTokenRejected() {
	t.p.Send(MsgAccessTokenRejected{})
}

func (t *ProgramDisplayer) TokenRefreshedRetrying() {
	t.p.Send(MsgTokenRefreshedRetrying{})
}

func (t *ProgramDisplayer) LoggedOut(cause error) {
	t.p.Send(MsgLoggedOut{Err: cause})
}

func (t *ProgramDisplayer) LoginRequired(loginURL string) {
	t.p.Send(MsgLoginRequired{LoginURL: loginURL})
}

func (t *ProgramDisplayer) Response(status, bytes int, elapsed time.Duration) {
	t.p.Send(MsgResponse{Status: status, Bytes: bytes, Elapsed: elapsed})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
