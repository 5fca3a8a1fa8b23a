package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/authfetch/client"
	"github.com/go-authgate/authfetch/tokenstore"
	"github.com/go-authgate/authfetch/tui"
)

var flagVerbose = flag.Bool("v", false, "Write debug logs to stderr (plain output only)")

// apiCall is the request described on the command line.
type apiCall struct {
	Method string
	Path   string
	Body   string
	Header http.Header
}

// parseArgs turns "[METHOD] PATH" plus -data and -H into an apiCall.
func parseArgs(args []string, data string, headers []string) (apiCall, error) {
	call := apiCall{Method: http.MethodGet, Body: data, Header: http.Header{}}
	if data != "" {
		call.Method = http.MethodPost
	}

	switch len(args) {
	case 1:
		call.Path = args[0]
	case 2:
		call.Method = strings.ToUpper(args[0])
		call.Path = args[1]
	default:
		return apiCall{}, errors.New("usage: authfetch [flags] [METHOD] PATH")
	}

	for _, h := range headers {
		k, v, _ := strings.Cut(h, ":")
		call.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	if call.Body != "" && call.Header.Get("Content-Type") == "" {
		call.Header.Set("Content-Type", "application/json")
	}
	return call, nil
}

// resolveURL joins path onto base unless path is already absolute.
func resolveURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// newHTTPClient returns the base transport shared by API and refresh calls.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.plaintext() {
		warnPlaintext()
	}

	call, err := parseArgs(flag.Args(), *flagData, flagHeaders)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	var runErr error
	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		// Logs would tear the TUI apart.
		runErr = run(ctx, cfg, d, slog.New(slog.DiscardHandler), call, os.Stdout)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		runErr = run(ctx, cfg, d, newLogger(os.Stderr, *flagVerbose), call, os.Stdout)
	}

	stop()
	if runErr != nil {
		os.Exit(1)
	}
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// run sends call through an auto-refreshing client and writes the response
// body to out.
func run(
	ctx context.Context,
	cfg *Config,
	d tui.Displayer,
	logger *slog.Logger,
	call apiCall,
	out io.Writer,
) error {
	store, closeStore, err := openStore(ctx, cfg, d, logger)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("token_store_close_failed", slog.String("err", err.Error()))
		}
	}()

	deviceID, err := tokenstore.EnsureDeviceID(ctx, store)
	if err != nil {
		d.Fatal(err)
		return err
	}
	if err := reportTokens(ctx, store, deviceID, cfg.RefreshThreshold, d); err != nil {
		d.Fatal(err)
		return err
	}

	base := newHTTPClient()
	refresher, err := retry.NewBackgroundClient(retry.WithHTTPClient(base))
	if err != nil {
		err = fmt.Errorf("failed to create retry client: %w", err)
		d.Fatal(err)
		return err
	}

	reg := prometheus.NewRegistry()
	if cfg.MetricsFile != "" {
		defer func() {
			if err := prometheus.WriteToTextfile(cfg.MetricsFile, reg); err != nil {
				logger.Warn("metrics_write_failed",
					slog.String("path", cfg.MetricsFile),
					slog.String("err", err.Error()),
				)
			}
		}()
	}

	c := client.New(store, client.NewHTTPEndpoint(cfg.RefreshURL, refresher),
		client.WithDoer(base),
		client.WithLogger(logger),
		client.WithMetrics(client.NewMetrics(reg)),
		client.WithTrace(displayTrace(d)),
		client.WithLoginRedirect(client.RedirectFunc(func(context.Context) {
			d.LoginRequired(cfg.LoginURL)
		})),
		client.WithRefreshHold(cfg.RefreshHold),
		client.WithRefreshTimeout(cfg.RefreshTimeout),
		client.WithProactiveRefresh(cfg.RefreshThreshold),
	)

	reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	target := resolveURL(cfg.APIURL, call.Path)
	var body io.Reader
	if call.Body != "" {
		body = strings.NewReader(call.Body)
	}

	d.Requesting(call.Method, target)
	start := time.Now()
	resp, err := c.Request(reqCtx, call.Method, target, body, call.Header)
	if err != nil {
		// A logout was already shown along with its cause.
		if !errors.Is(err, client.ErrUnauthorized) {
			d.Fatal(err)
		}
		return err
	}
	defer resp.Body.Close()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		err = fmt.Errorf("failed to read response: %w", err)
		d.Fatal(err)
		return err
	}
	d.Response(resp.StatusCode, int(n), time.Since(start))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// openStore opens the configured token store and returns a function that
// releases it.
func openStore(
	ctx context.Context,
	cfg *Config,
	d tui.Displayer,
	logger *slog.Logger,
) (tokenstore.Store, func() error, error) {
	switch cfg.TokenStore {
	case storeRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		d.StoreReady(storeRedis, cfg.Redis.Addr, cfg.Profile)
		return tokenstore.NewRedis(rdb, cfg.Profile), rdb.Close, nil

	default:
		f := tokenstore.NewFile(cfg.TokenFile, cfg.Profile, logger)
		d.StoreReady(storeFile, f.Path(), cfg.Profile)
		return f, func() error { return nil }, nil
	}
}

// reportTokens tells the user what the store holds before the request goes out.
func reportTokens(
	ctx context.Context,
	store tokenstore.Store,
	deviceID string,
	threshold time.Duration,
	d tui.Displayer,
) error {
	access, err := store.Get(ctx, tokenstore.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to read access token: %w", err)
	}
	if access == "" {
		d.TokensNotFound(deviceID)
		return nil
	}

	d.TokensFound(deviceID)
	state, remaining := client.InspectToken(access, time.Now(), threshold)
	d.TokenState(state.String(), remaining)
	return nil
}

// displayTrace forwards client progress to the displayer.
func displayTrace(d tui.Displayer) *client.Trace {
	return &client.Trace{
		Unauthorized: func(*http.Request) { d.AccessTokenRejected() },
		RefreshStart: d.Refreshing,
		RefreshDone: func(err error) {
			if err != nil {
				d.RefreshFailed(err)
				return
			}
			d.RefreshOK()
		},
		Retry:  func(*http.Request) { d.TokenRefreshedRetrying() },
		Logout: d.LoggedOut,
	}
}
