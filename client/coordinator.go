package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/authfetch/tokenstore"
)

const (
	refreshFlightKey = "refresh"

	// DefaultRefreshHold is how long a settled refresh outcome keeps being
	// handed out before a new refresh call may start.
	DefaultRefreshHold = time.Second

	defaultRefreshTimeout = 10 * time.Second
)

// Coordinator makes sure at most one refresh call is outstanding and fans its
// outcome out to every caller that asked for a refresh in the meantime.
type Coordinator struct {
	store    tokenstore.Store
	endpoint RefreshEndpoint
	hold     time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	trace    *Trace

	group singleflight.Group

	mu      sync.Mutex
	settled *outcome
}

// outcome is the result of one finished refresh call.
type outcome struct {
	err error
}

// NewCoordinator returns a Coordinator refreshing the tokens in store through
// endpoint. Zero hold or timeout values select the defaults; a negative hold
// lets the next refresh start as soon as the previous one settled.
func NewCoordinator(store tokenstore.Store, endpoint RefreshEndpoint, hold, timeout time.Duration) *Coordinator {
	if hold == 0 {
		hold = DefaultRefreshHold
	}
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	return &Coordinator{
		store:    store,
		endpoint: endpoint,
		hold:     hold,
		timeout:  timeout,
		logger:   slog.Default(),
	}
}

// Refresh returns nil when the stored pair was replaced with a fresh one.
// Otherwise the error matches ErrUnauthorized (refresh token rejected, tokens
// cleared, or no refresh credentials stored) or ErrRefreshFailed (tokens
// untouched).
//
// Concurrent callers share a single refresh call and its outcome, and so do
// callers arriving within the hold window after it settled. The call itself
// is not bound to ctx: a caller whose ctx ends stops waiting, the refresh
// carries on for the others.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if o := c.lastOutcome(); o != nil {
		return o.err
	}

	ch := c.group.DoChan(refreshFlightKey, func() (any, error) {
		// The previous flight may have settled between the check above and
		// this flight starting.
		if o := c.lastOutcome(); o != nil {
			return nil, o.err
		}
		exchanged, err := c.refresh(context.WithoutCancel(ctx))
		if exchanged {
			c.settle(err)
		}
		return nil, err
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) lastOutcome() *outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled
}

// settle publishes err for the hold window, then forgets it.
func (c *Coordinator) settle(err error) {
	if c.hold <= 0 {
		return
	}

	o := &outcome{err: err}
	c.mu.Lock()
	c.settled = o
	c.mu.Unlock()

	time.AfterFunc(c.hold, func() {
		c.mu.Lock()
		if c.settled == o {
			c.settled = nil
		}
		c.mu.Unlock()
	})
}

// refresh reports whether the endpoint was called. Only such outcomes are held:
// a pair stored right after a "no credentials" answer must be usable at once.
func (c *Coordinator) refresh(ctx context.Context) (bool, error) {
	const op = "client.Coordinator.refresh"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Another process sharing the store may be rotating the same refresh
	// token. Credentials are read under its lock so the loser sees the winner's
	// pair instead of replaying a spent token.
	if l, ok := c.store.(tokenstore.Locker); ok {
		unlock, err := l.Lock(ctx)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}
		defer unlock()
	}

	refreshToken, err := c.store.Get(ctx, tokenstore.RefreshToken)
	if err != nil {
		return false, fmt.Errorf("%w: read refresh token: %w", ErrRefreshFailed, err)
	}
	deviceID, err := c.store.Get(ctx, tokenstore.DeviceID)
	if err != nil {
		return false, fmt.Errorf("%w: read device id: %w", ErrRefreshFailed, err)
	}
	if refreshToken == "" || deviceID == "" {
		return false, fmt.Errorf("%w: no refresh token or device id stored", ErrUnauthorized)
	}

	c.trace.refreshStart()
	err = c.exchange(ctx, refreshToken, deviceID)
	c.trace.refreshDone(err)

	switch {
	case err == nil:
		c.metrics.refresh(outcomeSuccess)
		c.logger.Debug("token_refreshed", slog.String("op", op))
	case errors.Is(err, ErrUnauthorized):
		c.metrics.refresh(outcomeRejected)
		c.logger.Warn("refresh_token_rejected",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
	default:
		c.metrics.refresh(outcomeFailed)
		c.logger.Error("token_refresh_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
	}
	return true, err
}

// exchange calls the endpoint and stores the result. The stored pair is only
// replaced when both new tokens arrived.
func (c *Coordinator) exchange(ctx context.Context, refreshToken, deviceID string) error {
	tokens, err := c.endpoint.Refresh(ctx, refreshToken, deviceID)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenExpired) {
			if clearErr := c.store.Clear(ctx); clearErr != nil {
				c.logger.Error("token_clear_failed", slog.String("err", clearErr.Error()))
			}
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return fmt.Errorf("%w: endpoint returned an incomplete token pair", ErrRefreshFailed)
	}

	pair := tokenstore.Pair{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		DeviceID:     deviceID,
	}
	if err := c.store.Set(ctx, pair); err != nil {
		return fmt.Errorf("%w: save tokens: %w", ErrRefreshFailed, err)
	}
	return nil
}
