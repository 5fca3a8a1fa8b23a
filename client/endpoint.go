package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Tokens is a freshly issued access/refresh token pair.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// RefreshEndpoint exchanges a refresh token and device id for a new pair.
// It returns ErrRefreshTokenExpired when the server rejects the refresh token.
type RefreshEndpoint interface {
	Refresh(ctx context.Context, refreshToken, deviceID string) (Tokens, error)
}

// RefreshEndpointFunc adapts a function to RefreshEndpoint.
type RefreshEndpointFunc func(ctx context.Context, refreshToken, deviceID string) (Tokens, error)

func (f RefreshEndpointFunc) Refresh(ctx context.Context, refreshToken, deviceID string) (Tokens, error) {
	return f(ctx, refreshToken, deviceID)
}

// Requester sends a request honoring ctx. *retry.Client from go-httpretry
// satisfies it.
type Requester interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// DeviceIDHeader carries the device id on refresh requests.
const DeviceIDHeader = "x-device-id"

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	DeviceID     string `json:"deviceId"`
}

type refreshResponse struct {
	Status int     `json:"status"`
	Data   *Tokens `json:"data"`
}

// HTTPEndpoint is a RefreshEndpoint talking JSON over HTTP.
type HTTPEndpoint struct {
	url       string
	requester Requester
}

// NewHTTPEndpoint returns an endpoint posting to refreshURL through r.
func NewHTTPEndpoint(refreshURL string, r Requester) *HTTPEndpoint {
	return &HTTPEndpoint{url: refreshURL, requester: r}
}

func (e *HTTPEndpoint) Refresh(ctx context.Context, refreshToken, deviceID string) (Tokens, error) {
	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken, DeviceID: deviceID})
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeviceIDHeader, deviceID)

	resp, err := e.requester.DoWithContext(ctx, req)
	if err != nil {
		return Tokens{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return Tokens{}, ErrRefreshTokenExpired
	}
	if resp.StatusCode != http.StatusOK {
		return Tokens{}, fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var out refreshResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Tokens{}, fmt.Errorf("failed to parse refresh response: %w", err)
	}

	if err := validateRefreshResponse(out); err != nil {
		return Tokens{}, fmt.Errorf("invalid refresh response: %w", err)
	}

	return *out.Data, nil
}

// validateRefreshResponse checks the envelope and that both tokens came back,
// so a refresh never stores half a pair.
func validateRefreshResponse(r refreshResponse) error {
	if r.Status != http.StatusOK {
		return fmt.Errorf("status must be 200, got: %d", r.Status)
	}
	if r.Data == nil {
		return errors.New("data is missing")
	}
	if r.Data.AccessToken == "" {
		return errors.New("accessToken is empty")
	}
	if r.Data.RefreshToken == "" {
		return errors.New("refreshToken is empty")
	}
	return nil
}
