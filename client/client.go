// Package client wraps an HTTP client with bearer-token authentication,
// transparent token refresh on 401 and a forced logout when the session
// cannot be recovered.
//
// Every request carries the stored access token. When the server answers 401
// the client asks its Coordinator for a refresh; concurrent requests hitting
// 401 at the same time share one refresh call. After a successful refresh the
// original request is sent once more with the new token. If no refresh
// credentials exist or the refresh token is rejected, the stored tokens are
// cleared, the LoginRedirect is invoked and the request fails with
// ErrUnauthorized.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/go-authgate/authfetch/tokenstore"
)

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is safe for concurrent use.
type Client struct {
	doer        Doer
	store       tokenstore.Store
	coordinator *Coordinator
	redirect    LoginRedirect
	logger      *slog.Logger
	metrics     *Metrics
	trace       *Trace

	proactive bool
	threshold time.Duration
}

type config struct {
	doer           Doer
	redirect       LoginRedirect
	logger         *slog.Logger
	metrics        *Metrics
	trace          *Trace
	hold           time.Duration
	refreshTimeout time.Duration
	proactive      bool
	threshold      time.Duration
}

// Option configures a Client.
type Option func(*config)

// WithDoer sets the transport for API requests (default http.DefaultClient).
func WithDoer(d Doer) Option { return func(c *config) { c.doer = d } }

// WithLoginRedirect sets what happens after a forced logout.
func WithLoginRedirect(r LoginRedirect) Option { return func(c *config) { c.redirect = r } }

// WithLogger sets the structured logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithMetrics records refresh activity in m.
func WithMetrics(m *Metrics) Option { return func(c *config) { c.metrics = m } }

// WithTrace reports progress events to t.
func WithTrace(t *Trace) Option { return func(c *config) { c.trace = t } }

// WithRefreshHold sets how long a settled refresh outcome is reused
// (default DefaultRefreshHold).
func WithRefreshHold(d time.Duration) Option { return func(c *config) { c.hold = d } }

// WithRefreshTimeout bounds a single refresh call.
func WithRefreshTimeout(d time.Duration) Option { return func(c *config) { c.refreshTimeout = d } }

// WithProactiveRefresh runs EnsureValidToken before every request, refreshing
// tokens whose remaining lifetime is at most threshold.
func WithProactiveRefresh(threshold time.Duration) Option {
	return func(c *config) {
		c.proactive = true
		c.threshold = threshold
	}
}

// New returns a Client reading credentials from store and refreshing them
// through endpoint.
func New(store tokenstore.Store, endpoint RefreshEndpoint, opts ...Option) *Client {
	cfg := config{
		doer:      http.DefaultClient,
		redirect:  RedirectFunc(func(context.Context) {}),
		logger:    slog.Default(),
		threshold: DefaultRefreshThreshold,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.threshold <= 0 {
		cfg.threshold = DefaultRefreshThreshold
	}

	coord := NewCoordinator(store, endpoint, cfg.hold, cfg.refreshTimeout)
	coord.logger = cfg.logger
	coord.metrics = cfg.metrics
	coord.trace = cfg.trace

	return &Client{
		doer:        cfg.doer,
		store:       store,
		coordinator: coord,
		redirect:    cfg.redirect,
		logger:      cfg.logger,
		metrics:     cfg.metrics,
		trace:       cfg.trace,
		proactive:   cfg.proactive,
		threshold:   cfg.threshold,
	}
}

// Request builds a request for method and url and sends it with Do.
func (c *Client) Request(
	ctx context.Context,
	method, url string,
	body io.Reader,
	header http.Header,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.Do(req)
}

// Do sends req with the stored access token attached.
//
// Any response other than 401 is returned as is, and so is a 401 on the
// retried request. Transport errors are returned unchanged and never retried.
// A failed refresh yields an error matching ErrUnauthorized (tokens cleared,
// login redirect invoked) or ErrRefreshFailed (tokens kept).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := bufferBody(req); err != nil {
		return nil, err
	}
	if c.proactive {
		c.EnsureValidToken(req.Context())
	}
	return c.do(req, false)
}

func (c *Client) do(req *http.Request, retried bool) (*http.Response, error) {
	const op = "client.Client.do"
	ctx := req.Context()

	out, err := c.authorize(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.doer.Do(out)
	if err != nil {
		c.logger.Error("request_failed",
			slog.String("op", op),
			slog.String("method", req.Method),
			slog.String("url", req.URL.Redacted()),
			slog.String("err", err.Error()),
		)
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || retried {
		return resp, nil
	}

	drain(resp)
	c.trace.unauthorized(req)

	refreshToken, err := c.store.Get(ctx, tokenstore.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh token: %w", err)
	}
	deviceID, err := c.store.Get(ctx, tokenstore.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read device id: %w", err)
	}
	if refreshToken == "" || deviceID == "" {
		cause := fmt.Errorf("%w: no refresh token or device id stored", ErrUnauthorized)
		c.logout(ctx, cause)
		return nil, cause
	}

	if err := c.coordinator.Refresh(ctx); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			c.logout(ctx, err)
		}
		return nil, err
	}

	c.metrics.retry()
	c.trace.retry(req)
	return c.do(req, true)
}

// authorize returns a copy of req with a fresh body and the current bearer
// token. Without a stored token the request goes out as it came in.
func (c *Client) authorize(req *http.Request) (*http.Request, error) {
	token, err := c.store.Get(req.Context(), tokenstore.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to read access token: %w", err)
	}

	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		out.Body = body
	}

	if token != "" {
		(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(out)
	}
	return out, nil
}

// logout clears the stored tokens and sends the user to login.
func (c *Client) logout(ctx context.Context, cause error) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("token_clear_failed", slog.String("err", err.Error()))
	}
	c.metrics.logout()
	c.trace.logout(cause)
	c.logger.Warn("login_required", slog.String("cause", cause.Error()))
	c.redirect.RedirectToLogin(ctx)
}

// Refresh forces a coordinated refresh of the stored tokens.
func (c *Client) Refresh(ctx context.Context) error {
	return c.coordinator.Refresh(ctx)
}

// EnsureValidToken refreshes the access token ahead of expiry.
//
// A token with more than the threshold left is used as is. A token within the
// threshold triggers a refresh but stays usable whatever its outcome. A
// missing, malformed or expired token is only usable if the refresh succeeds.
func (c *Client) EnsureValidToken(ctx context.Context) bool {
	token, err := c.store.Get(ctx, tokenstore.AccessToken)
	if err != nil {
		c.logger.Warn("access_token_unreadable", slog.String("err", err.Error()))
		token = ""
	}

	state, remaining := InspectToken(token, time.Now(), c.threshold)
	switch state {
	case StateValid:
		return true
	case StateNearExpiry:
		if err := c.coordinator.Refresh(ctx); err != nil {
			c.logger.Info("early_refresh_failed",
				slog.Duration("remaining", remaining),
				slog.String("err", err.Error()),
			)
		}
		return true
	default:
		return c.coordinator.Refresh(ctx) == nil
	}
}

// TokenSource exposes the stored tokens as an oauth2.TokenSource. Each Token
// call runs EnsureValidToken first.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &storeTokenSource{ctx: ctx, c: c}
}

type storeTokenSource struct {
	ctx context.Context
	c   *Client
}

func (s *storeTokenSource) Token() (*oauth2.Token, error) {
	if !s.c.EnsureValidToken(s.ctx) {
		return nil, fmt.Errorf("%w: no usable access token", ErrUnauthorized)
	}

	access, err := s.c.store.Get(s.ctx, tokenstore.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to read access token: %w", err)
	}
	refresh, err := s.c.store.Get(s.ctx, tokenstore.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh token: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
	}
	if exp, err := tokenExpiry(access); err == nil {
		tok.Expiry = exp
	}
	return tok, nil
}

// bufferBody makes a body without GetBody replayable for the retry.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}

	req.ContentLength = int64(len(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
