package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	TelegramToken string

	APIBaseURL  string
	ShareOrigin string

	// SessionCookie seeds the cookie jar of a single-account client such as
	// poemwiz. It carries one backend identity and its premium status, so
	// multi-user entry points drop it with PerUserSessions.
	SessionCookie string
	UpgradeURL    string

	LogLevel string
	Debug    bool

	PreferIPv4 bool

	MaxConcurrent      int
	RequestTimeout     time.Duration
	HTTPTimeout        time.Duration
	MediaGroupDebounce time.Duration
	SessionIdle        time.Duration

	MaxUploadBytes     int64
	OptimizeAboveBytes int64
	MaxEmphasis        int
	VisibleEmphasis    int
}

func Load() (Config, error) {
	cfg := Config{
		APIBaseURL:         strings.TrimRight(strings.TrimSpace(os.Getenv("POEM_API_BASE_URL")), "/"),
		ShareOrigin:        strings.TrimRight(strings.TrimSpace(os.Getenv("POEM_SHARE_ORIGIN")), "/"),
		SessionCookie:      strings.TrimSpace(os.Getenv("POEM_SESSION_COOKIE")),
		UpgradeURL:         strings.TrimSpace(os.Getenv("POEM_UPGRADE_URL")),
		LogLevel:           strings.ToLower(strings.TrimSpace(getEnv("LOG_LEVEL", "info"))),
		Debug:              getEnvBool("DEBUG", false),
		PreferIPv4:         getEnvBool("PREFER_IPV4", true),
		MaxConcurrent:      getEnvInt("MAX_CONCURRENT", 4),
		RequestTimeout:     time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 180)) * time.Second,
		HTTPTimeout:        time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 180)) * time.Second,
		MediaGroupDebounce: time.Duration(getEnvInt("MEDIA_GROUP_DEBOUNCE_MS", 1200)) * time.Millisecond,
		SessionIdle:        time.Duration(getEnvInt("SESSION_IDLE_MINUTES", 120)) * time.Minute,
		MaxUploadBytes:     int64(getEnvInt("MAX_UPLOAD_MB", 5)) << 20,
		OptimizeAboveBytes: int64(getEnvInt("OPTIMIZE_ABOVE_KB", 2048)) << 10,
		MaxEmphasis:        getEnvInt("MAX_EMPHASIS", 3),
		VisibleEmphasis:    getEnvInt("VISIBLE_EMPHASIS", 4),
	}

	cfg.TelegramToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))

	if cfg.APIBaseURL == "" {
		return Config{}, errors.New("POEM_API_BASE_URL is required")
	}
	u, err := url.Parse(cfg.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Config{}, errors.New("POEM_API_BASE_URL must be an absolute URL")
	}

	if cfg.ShareOrigin == "" {
		cfg.ShareOrigin = u.Scheme + "://" + u.Host
	}
	if cfg.UpgradeURL == "" {
		cfg.UpgradeURL = cfg.ShareOrigin + "/upgrade"
	}

	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 180 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 180 * time.Second
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = 2 * time.Hour
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 5 << 20
	}
	if cfg.OptimizeAboveBytes <= 0 || cfg.OptimizeAboveBytes > cfg.MaxUploadBytes {
		cfg.OptimizeAboveBytes = cfg.MaxUploadBytes
	}
	if cfg.MaxEmphasis < 1 {
		cfg.MaxEmphasis = 1
	}
	if cfg.VisibleEmphasis < 1 {
		cfg.VisibleEmphasis = 4
	}

	return cfg, nil
}

// RequireTelegram reports the missing token for entry points that run the bot.
func (c Config) RequireTelegram() error {
	if c.TelegramToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	return nil
}

// PerUserSessions returns c without the operator session cookie.
func (c Config) PerUserSessions() Config {
	c.SessionCookie = ""
	return c
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
