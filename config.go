package main

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds the CLI settings.
// Sources by priority: command line flag, environment (.env included), default.
type Config struct {
	APIURL     string `env:"API_URL"     env-default:"http://localhost:8080"`
	RefreshURL string `env:"REFRESH_URL"`
	LoginURL   string `env:"LOGIN_URL"`

	TokenStore string `env:"TOKEN_STORE" env-default:"file"`
	TokenFile  string `env:"TOKEN_FILE"  env-default:".authfetch-tokens.json"`
	Profile    string `env:"PROFILE"     env-default:"default"`

	Redis RedisConfig

	RefreshThreshold time.Duration `env:"REFRESH_THRESHOLD" env-default:"5m"`
	RefreshHold      time.Duration `env:"REFRESH_HOLD"      env-default:"1s"`
	RefreshTimeout   time.Duration `env:"REFRESH_TIMEOUT"   env-default:"10s"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT"   env-default:"30s"`

	MetricsFile string `env:"METRICS_FILE"`
}

// RedisConfig configures the shared token store.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"     env-default:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       env-default:"0"`
}

// Token store kinds.
const (
	storeFile  = "file"
	storeRedis = "redis"
)

var (
	flagAPIURL     *string
	flagRefreshURL *string
	flagLoginURL   *string
	flagTokenStore *string
	flagTokenFile  *string
	flagProfile    *string
	flagData       *string
	flagHeaders    headerFlags
)

// headerFlags collects repeated -H "Key: Value" flags.
type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q must look like \"Key: Value\"", v)
	}
	*h = append(*h, v)
	return nil
}

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagAPIURL = flag.String("api-url", "", "API base URL (default: http://localhost:8080 or API_URL env)")
	flagRefreshURL = flag.String("refresh-url", "", "Refresh endpoint (default: <api-url>/auth/refresh or REFRESH_URL env)")
	flagLoginURL = flag.String("login-url", "", "Login page shown after logout (default: <api-url>/login or LOGIN_URL env)")
	flagTokenStore = flag.String("token-store", "", "Token store: file or redis (default: file or TOKEN_STORE env)")
	flagTokenFile = flag.String("token-file", "", "Token storage file (default: .authfetch-tokens.json or TOKEN_FILE env)")
	flagProfile = flag.String("profile", "", "Token profile (default: default or PROFILE env)")
	flagData = flag.String("data", "", "Request body")
	flag.Var(&flagHeaders, "H", "Extra request header, repeatable (\"Key: Value\")")
}

// loadConfig reads the environment into a Config and applies flag overrides.
func loadConfig() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}

	cfg.APIURL = getConfig(*flagAPIURL, cfg.APIURL)
	cfg.RefreshURL = getConfig(*flagRefreshURL, cfg.RefreshURL)
	cfg.LoginURL = getConfig(*flagLoginURL, cfg.LoginURL)
	cfg.TokenStore = getConfig(*flagTokenStore, cfg.TokenStore)
	cfg.TokenFile = getConfig(*flagTokenFile, cfg.TokenFile)
	cfg.Profile = getConfig(*flagProfile, cfg.Profile)

	base := strings.TrimRight(cfg.APIURL, "/")
	cfg.RefreshURL = getConfig(cfg.RefreshURL, base+"/auth/refresh")
	cfg.LoginURL = getConfig(cfg.LoginURL, base+"/login")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if err := validateServerURL(c.APIURL); err != nil {
		return fmt.Errorf("invalid API_URL: %w", err)
	}
	if err := validateServerURL(c.RefreshURL); err != nil {
		return fmt.Errorf("invalid REFRESH_URL: %w", err)
	}
	if err := validateServerURL(c.LoginURL); err != nil {
		return fmt.Errorf("invalid LOGIN_URL: %w", err)
	}
	switch c.TokenStore {
	case storeFile:
		if c.TokenFile == "" {
			return errors.New("TOKEN_FILE cannot be empty")
		}
	case storeRedis:
		if c.Redis.Addr == "" {
			return errors.New("REDIS_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("TOKEN_STORE must be file or redis, got: %s", c.TokenStore)
	}
	if c.Profile == "" {
		return errors.New("PROFILE cannot be empty")
	}
	return nil
}

// plaintext reports whether tokens would travel over plain HTTP.
func (c *Config) plaintext() bool {
	for _, u := range []string{c.APIURL, c.RefreshURL} {
		if strings.HasPrefix(strings.ToLower(u), "http://") {
			return true
		}
	}
	return false
}

func warnPlaintext() {
	fmt.Fprintln(
		os.Stderr,
		"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
	)
	fmt.Fprintln(
		os.Stderr,
		"⚠️  This is only safe for local development. Use HTTPS in production.",
	)
	fmt.Fprintln(os.Stderr)
}

// getConfig returns value with priority: flag > fallback
func getConfig(flagValue, fallback string) string {
	if flagValue != "" {
		return flagValue
	}
	return fallback
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
