package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/go-authgate/authfetch/client"
	"github.com/go-authgate/authfetch/tokenstore"
	"github.com/go-authgate/authfetch/tui"
)

// recordingDisplayer keeps the displayer calls relevant to the refresh flow.
type recordingDisplayer struct {
	tui.NoopDisplayer
	mu     sync.Mutex
	events []string
	cause  error
}

func (r *recordingDisplayer) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingDisplayer) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingDisplayer) TokensFound(string)      { r.add("found") }
func (r *recordingDisplayer) TokensNotFound(string)   { r.add("not_found") }
func (r *recordingDisplayer) AccessTokenRejected()    { r.add("rejected") }
func (r *recordingDisplayer) Refreshing()             { r.add("refreshing") }
func (r *recordingDisplayer) RefreshOK()              { r.add("refresh_ok") }
func (r *recordingDisplayer) RefreshFailed(error)     { r.add("refresh_failed") }
func (r *recordingDisplayer) TokenRefreshedRetrying() { r.add("retrying") }
func (r *recordingDisplayer) Fatal(error)             { r.add("fatal") }

func (r *recordingDisplayer) LoggedOut(cause error) {
	r.mu.Lock()
	r.cause = cause
	r.mu.Unlock()
	r.add("logout")
}

func (r *recordingDisplayer) LoginRequired(loginURL string) {
	r.add("login:" + loginURL)
}

func (r *recordingDisplayer) Response(status, _ int, _ time.Duration) {
	r.add(fmt.Sprintf("response:%d", status))
}

func makeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

// backOffice is a fake API that accepts only currentToken and rotates it on
// refresh when validRefresh is presented.
type backOffice struct {
	mu           sync.Mutex
	currentToken string
	validRefresh string
	rotated      tokenstore.Pair
	refreshCalls atomic.Int32
}

func (b *backOffice) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		b.refreshCalls.Add(1)
		var req struct {
			RefreshToken string `json:"refreshToken"`
			DeviceID     string `json:"deviceId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
			req.RefreshToken != b.validRefresh ||
			r.Header.Get(client.DeviceIDHeader) != req.DeviceID {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b.mu.Lock()
		b.currentToken = b.rotated.AccessToken
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"status": http.StatusOK,
			"data": map[string]string{
				"accessToken":  b.rotated.AccessToken,
				"refreshToken": b.rotated.RefreshToken,
			},
		})
	})
	mux.HandleFunc("GET /cars", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		want := "Bearer " + b.currentToken
		b.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"id":1,"plate":"AB-123"}]`))
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

func testConfig(t *testing.T, apiURL string) *Config {
	t.Helper()
	dir := t.TempDir()
	return &Config{
		APIURL:           apiURL,
		RefreshURL:       apiURL + "/auth/refresh",
		LoginURL:         apiURL + "/login",
		TokenStore:       storeFile,
		TokenFile:        filepath.Join(dir, "tokens.json"),
		Profile:          tokenstore.DefaultProfile,
		RefreshThreshold: client.DefaultRefreshThreshold,
		RefreshHold:      client.DefaultRefreshHold,
		RefreshTimeout:   5 * time.Second,
		RequestTimeout:   5 * time.Second,
		MetricsFile:      filepath.Join(dir, "authfetch.prom"),
	}
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func readStore(t *testing.T, s tokenstore.Store) tokenstore.Pair {
	t.Helper()
	var p tokenstore.Pair
	for name, dst := range map[string]*string{
		tokenstore.AccessToken:  &p.AccessToken,
		tokenstore.RefreshToken: &p.RefreshToken,
		tokenstore.DeviceID:     &p.DeviceID,
	} {
		v, err := s.Get(context.Background(), name)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", name, err)
		}
		*dst = v
	}
	return p
}

func equalEvents(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRun_RefreshesRejectedTokenAndRetries(t *testing.T) {
	api := &backOffice{
		currentToken: "server-side-only",
		validRefresh: "r1",
		rotated: tokenstore.Pair{
			AccessToken:  makeJWT(t, time.Now().Add(2*time.Hour)),
			RefreshToken: "r2",
		},
	}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	store := tokenstore.NewFile(cfg.TokenFile, cfg.Profile, nil)
	// Not near expiry, so only the server's 401 triggers the refresh.
	if err := store.Set(context.Background(), tokenstore.Pair{
		AccessToken:  makeJWT(t, time.Now().Add(time.Hour)),
		RefreshToken: "r1",
		DeviceID:     "d1",
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	d := &recordingDisplayer{}
	var out bytes.Buffer
	call := apiCall{Method: http.MethodGet, Path: "/cars", Header: http.Header{}}
	if err := run(context.Background(), cfg, d, discardLogger(), call, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if out.String() != `[{"id":1,"plate":"AB-123"}]` {
		t.Errorf("unexpected body %q", out.String())
	}
	if got := api.refreshCalls.Load(); got != 1 {
		t.Errorf("Expected 1 refresh call, got %d", got)
	}

	want := []string{"found", "rejected", "refreshing", "refresh_ok", "retrying", "response:200"}
	if got := d.Events(); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	got := readStore(t, store)
	if got.AccessToken != api.rotated.AccessToken || got.RefreshToken != "r2" || got.DeviceID != "d1" {
		t.Errorf("store not rotated: %+v", got)
	}

	metrics, err := os.ReadFile(cfg.MetricsFile)
	if err != nil {
		t.Fatalf("metrics file missing: %v", err)
	}
	for _, line := range []string{
		`authfetch_refresh_total{outcome="success"} 1`,
		"authfetch_retries_total 1",
		"authfetch_logouts_total 0",
	} {
		if !strings.Contains(string(metrics), line) {
			t.Errorf("metrics missing %q:\n%s", line, metrics)
		}
	}
}

func TestRun_ExpiredTokenRefreshedBeforeRequest(t *testing.T) {
	api := &backOffice{
		validRefresh: "r1",
		rotated: tokenstore.Pair{
			AccessToken:  makeJWT(t, time.Now().Add(time.Hour)),
			RefreshToken: "r2",
		},
	}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	store := tokenstore.NewFile(cfg.TokenFile, cfg.Profile, nil)
	if err := store.Set(context.Background(), tokenstore.Pair{
		AccessToken:  makeJWT(t, time.Now().Add(-time.Minute)),
		RefreshToken: "r1",
		DeviceID:     "d1",
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	d := &recordingDisplayer{}
	call := apiCall{Method: http.MethodGet, Path: "cars", Header: http.Header{}}
	if err := run(context.Background(), cfg, d, discardLogger(), call, &bytes.Buffer{}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// The proactive check refreshes, so the API never sees the expired token.
	want := []string{"found", "refreshing", "refresh_ok", "response:200"}
	if got := d.Events(); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if got := api.refreshCalls.Load(); got != 1 {
		t.Errorf("Expected 1 refresh call, got %d", got)
	}
}

func TestRun_RejectedRefreshTokenLogsOut(t *testing.T) {
	api := &backOffice{currentToken: "server-side-only", validRefresh: "r-current"}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	store := tokenstore.NewFile(cfg.TokenFile, cfg.Profile, nil)
	if err := store.Set(context.Background(), tokenstore.Pair{
		AccessToken:  makeJWT(t, time.Now().Add(time.Hour)),
		RefreshToken: "r-revoked",
		DeviceID:     "d1",
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	d := &recordingDisplayer{}
	call := apiCall{Method: http.MethodGet, Path: "/cars", Header: http.Header{}}
	err := run(context.Background(), cfg, d, discardLogger(), call, &bytes.Buffer{})
	if !errors.Is(err, client.ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
	if !errors.Is(err, client.ErrRefreshTokenExpired) {
		t.Errorf("Expected ErrRefreshTokenExpired in chain, got %v", err)
	}

	want := []string{"found", "rejected", "refreshing", "refresh_failed", "logout", "login:" + cfg.LoginURL}
	if got := d.Events(); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if !errors.Is(d.cause, client.ErrRefreshTokenExpired) {
		t.Errorf("Expected logout cause to carry ErrRefreshTokenExpired, got %v", d.cause)
	}
	if got := readStore(t, store); got != (tokenstore.Pair{}) {
		t.Errorf("Expected cleared store, got %+v", got)
	}

	metrics, err := os.ReadFile(cfg.MetricsFile)
	if err != nil {
		t.Fatalf("metrics file missing: %v", err)
	}
	if !strings.Contains(string(metrics), "authfetch_logouts_total 1") {
		t.Errorf("logout not counted:\n%s", metrics)
	}
}

func TestRun_AnonymousRequest(t *testing.T) {
	api := &backOffice{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	d := &recordingDisplayer{}
	var out bytes.Buffer
	call := apiCall{Method: http.MethodGet, Path: "/health", Header: http.Header{}}
	if err := run(context.Background(), cfg, d, discardLogger(), call, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if out.String() != "ok" {
		t.Errorf("unexpected body %q", out.String())
	}
	events := d.Events()
	if events[0] != "not_found" || events[len(events)-1] != "response:200" {
		t.Errorf("unexpected events %v", events)
	}
	if api.refreshCalls.Load() != 0 {
		t.Error("refresh endpoint must not be called without credentials")
	}

	// A device id is minted on first use and kept.
	store := tokenstore.NewFile(cfg.TokenFile, cfg.Profile, nil)
	if got := readStore(t, store); got.DeviceID == "" {
		t.Error("Expected a persisted device id")
	}
}

func TestRun_CorruptTokenFile(t *testing.T) {
	api := &backOffice{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	if err := os.WriteFile(cfg.TokenFile, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	d := &recordingDisplayer{}
	var out bytes.Buffer
	call := apiCall{Method: http.MethodGet, Path: "/health", Header: http.Header{}}
	if err := run(context.Background(), cfg, d, discardLogger(), call, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if out.String() != "ok" {
		t.Errorf("unexpected body %q", out.String())
	}
	events := d.Events()
	if events[0] != "not_found" || events[len(events)-1] != "response:200" {
		t.Errorf("unexpected events %v", events)
	}

	data, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		t.Fatalf("token file missing: %v", err)
	}
	if !json.Valid(data) {
		t.Errorf("token file still corrupt: %q", data)
	}
	store := tokenstore.NewFile(cfg.TokenFile, cfg.Profile, nil)
	if got := readStore(t, store); got.DeviceID == "" {
		t.Error("Expected a device id written over the corrupt file")
	}
}

func TestRun_ErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := &recordingDisplayer{}
	call := apiCall{Method: http.MethodGet, Path: "/nope", Header: http.Header{}}
	err := run(context.Background(), testConfig(t, srv.URL), d, discardLogger(), call, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("Expected status error, got %v", err)
	}
	events := d.Events()
	if events[len(events)-1] != "response:404" {
		t.Errorf("unexpected events %v", events)
	}
}

func TestRun_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	api := &backOffice{
		currentToken: "server-side-only",
		validRefresh: "r1",
		rotated:      tokenstore.Pair{AccessToken: makeJWT(t, time.Now().Add(time.Hour)), RefreshToken: "r2"},
	}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.TokenStore = storeRedis
	cfg.Redis.Addr = mr.Addr()
	cfg.Profile = "ops"

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := tokenstore.NewRedis(rdb, "ops")
	if err := store.Set(context.Background(), tokenstore.Pair{
		AccessToken:  makeJWT(t, time.Now().Add(time.Hour)),
		RefreshToken: "r1",
		DeviceID:     "d-redis",
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	call := apiCall{Method: http.MethodGet, Path: "/cars", Header: http.Header{}}
	if err := run(context.Background(), cfg, &recordingDisplayer{}, discardLogger(), call, &bytes.Buffer{}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got := readStore(t, store)
	if got.RefreshToken != "r2" || got.DeviceID != "d-redis" {
		t.Errorf("redis store not rotated: %+v", got)
	}
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		data       string
		headers    []string
		wantMethod string
		wantPath   string
		wantCT     string
		wantErr    bool
	}{
		{name: "path only", args: []string{"/cars"}, wantMethod: "GET", wantPath: "/cars"},
		{name: "method and path", args: []string{"delete", "/cars/1"}, wantMethod: "DELETE", wantPath: "/cars/1"},
		{
			name:       "data implies POST and JSON",
			args:       []string{"/cars"},
			data:       `{"plate":"X"}`,
			wantMethod: "POST",
			wantPath:   "/cars",
			wantCT:     "application/json",
		},
		{
			name:       "explicit content type kept",
			args:       []string{"PUT", "/cars/1"},
			data:       "plate=X",
			headers:    []string{"Content-Type: application/x-www-form-urlencoded"},
			wantMethod: "PUT",
			wantPath:   "/cars/1",
			wantCT:     "application/x-www-form-urlencoded",
		},
		{name: "no args", wantErr: true},
		{name: "too many args", args: []string{"GET", "/a", "/b"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := parseArgs(tt.args, tt.data, tt.headers)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if call.Method != tt.wantMethod || call.Path != tt.wantPath {
				t.Errorf("got %s %s, want %s %s", call.Method, call.Path, tt.wantMethod, tt.wantPath)
			}
			if got := call.Header.Get("Content-Type"); got != tt.wantCT {
				t.Errorf("Content-Type = %q, want %q", got, tt.wantCT)
			}
		})
	}
}

func TestHeaderFlags(t *testing.T) {
	var h headerFlags
	if err := h.Set("X-Request-Id: abc"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := h.Set("no-colon"); err == nil {
		t.Error("Expected error for header without colon")
	}
	if h.String() != "X-Request-Id: abc" {
		t.Errorf("unexpected String() %q", h.String())
	}
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		base, path, want string
	}{
		{"https://api.example.com", "/cars", "https://api.example.com/cars"},
		{"https://api.example.com/", "cars", "https://api.example.com/cars"},
		{"https://api.example.com/v1", "/cars?page=2", "https://api.example.com/v1/cars?page=2"},
		{"https://api.example.com", "https://other.example.com/x", "https://other.example.com/x"},
	}
	for _, tt := range tests {
		if got := resolveURL(tt.base, tt.path); got != tt.want {
			t.Errorf("resolveURL(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://api.example.com", false},
		{"http://localhost:8080", false},
		{"", true},
		{"ftp://api.example.com", true},
		{"https://", true},
		{"://bad", true},
	}
	for _, tt := range tests {
		err := validateServerURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateServerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("API_URL", "https://api.example.com/")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.RefreshURL != "https://api.example.com/auth/refresh" {
		t.Errorf("RefreshURL = %q", cfg.RefreshURL)
	}
	if cfg.LoginURL != "https://api.example.com/login" {
		t.Errorf("LoginURL = %q", cfg.LoginURL)
	}
	if cfg.TokenStore != storeFile || cfg.Profile != "default" {
		t.Errorf("unexpected store settings %s/%s", cfg.TokenStore, cfg.Profile)
	}
	if cfg.RefreshThreshold != 5*time.Minute || cfg.RefreshHold != time.Second {
		t.Errorf("unexpected refresh settings %v/%v", cfg.RefreshThreshold, cfg.RefreshHold)
	}
	if cfg.plaintext() {
		t.Error("https config reported as plaintext")
	}
}

func TestLoadConfig_FlagOverridesEnv(t *testing.T) {
	t.Setenv("API_URL", "http://localhost:8080")
	t.Setenv("PROFILE", "from-env")

	old := *flagProfile
	*flagProfile = "from-flag"
	t.Cleanup(func() { *flagProfile = old })

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Profile != "from-flag" {
		t.Errorf("Profile = %q, want from-flag", cfg.Profile)
	}
	if !cfg.plaintext() {
		t.Error("http config should be reported as plaintext")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad api url", env: map[string]string{"API_URL": "ftp://api.example.com"}},
		{name: "bad refresh url", env: map[string]string{"REFRESH_URL": "not a url"}},
		{name: "unknown store", env: map[string]string{"TOKEN_STORE": "memcached"}},
		{name: "bad duration", env: map[string]string{"REFRESH_HOLD": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := loadConfig(); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}
