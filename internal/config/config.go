package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIURL            string
	WSURL             string
	SessionID         string
	CSRFToken         string
	UserID            int64
	Username          string
	DBFile            string
	NotificationsPath string
	RequestTimeout    time.Duration
	CacheTTL          time.Duration
	HistoryLimit      int
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment variables
// take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	requestTimeout, err := time.ParseDuration(getEnv("FITCHAT_REQUEST_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("FITCHAT_REQUEST_TIMEOUT: %w", err)
	}

	cacheTTL, err := time.ParseDuration(getEnv("FITCHAT_CACHE_TTL", "5m"))
	if err != nil {
		return nil, fmt.Errorf("FITCHAT_CACHE_TTL: %w", err)
	}

	historyLimit, err := strconv.Atoi(getEnv("FITCHAT_HISTORY_LIMIT", "200"))
	if err != nil {
		return nil, fmt.Errorf("FITCHAT_HISTORY_LIMIT: %w", err)
	}

	var userID int64
	if v := os.Getenv("FITCHAT_USER_ID"); v != "" {
		userID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("FITCHAT_USER_ID: %w", err)
		}
	}

	cfg := &Config{
		APIURL:            strings.TrimSuffix(getEnv("FITCHAT_API_URL", "http://localhost:8000"), "/"),
		WSURL:             strings.TrimSuffix(os.Getenv("FITCHAT_WS_URL"), "/"),
		SessionID:         os.Getenv("FITCHAT_SESSION_ID"),
		CSRFToken:         os.Getenv("FITCHAT_CSRF_TOKEN"),
		UserID:            userID,
		Username:          os.Getenv("FITCHAT_USERNAME"),
		DBFile:            getEnv("FITCHAT_DB", "fitchat.db"),
		NotificationsPath: getEnv("FITCHAT_NOTIFICATIONS_PATH", "/api/notifications/"),
		RequestTimeout:    requestTimeout,
		CacheTTL:          cacheTTL,
		HistoryLimit:      historyLimit,
	}

	if cfg.WSURL == "" {
		cfg.WSURL, err = DeriveWSURL(cfg.APIURL)
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("FITCHAT_API_URL is not a valid URL: %q", c.APIURL)
	}

	if c.UserID == 0 && c.Username == "" {
		return fmt.Errorf("FITCHAT_USER_ID or FITCHAT_USERNAME is required")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("FITCHAT_REQUEST_TIMEOUT must be greater than 0")
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("FITCHAT_CACHE_TTL must be greater than 0")
	}

	if c.HistoryLimit <= 0 {
		return fmt.Errorf("FITCHAT_HISTORY_LIMIT must be greater than 0")
	}

	return nil
}

// DeriveWSURL maps an http(s) API base URL to the matching ws(s) URL.
func DeriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid API URL %q: %w", apiURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
