package app

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"store-api/internal/auth"
)

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

func (g GoogleConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != "" && g.RedirectURL != ""
}

// Config is every setting the server reads from the environment.
type Config struct {
	Environment string
	Port        string
	SentryDSN   string
	Release     string

	Database DatabaseConfig
	Auth     auth.Config

	CookieSecure       bool
	LoginRateLimitMax  int
	LoginRateLimitWait time.Duration
	RedisURL           string
	TrustedProxies     []netip.Prefix

	CloudinaryURL string
	Google        GoogleConfig

	CronSecret       string
	CleanupBatchSize int

	AdminEmail    string
	AdminName     string
	AdminPassword string
}

type env func(string) string

// LoadConfig reads the full server configuration; getenv is usually os.Getenv.
func LoadConfig(getenv func(string) string) (Config, error) {
	e := env(getenv)

	database, err := LoadDatabaseConfig(getenv)
	if err != nil {
		return Config{}, err
	}
	authConfig, err := LoadAuthConfig(getenv)
	if err != nil {
		return Config{}, err
	}
	cloudinaryURL, err := e.required("CLOUDINARY_URL")
	if err != nil {
		return Config{}, err
	}

	trustedProxies, err := parseTrustedProxies(e.or("TRUSTED_PROXIES", ""))
	if err != nil {
		return Config{}, err
	}

	environment := e.or("APP_ENV", "development")

	return Config{
		Environment: environment,
		Port:        e.or("PORT", "8080"),
		SentryDSN:   e.or("SENTRY_DSN", ""),
		Release:     e.or("APP_RELEASE", ""),

		Database: database,
		Auth:     authConfig,

		CookieSecure:       e.boolOr("COOKIE_SECURE", environment == "production"),
		LoginRateLimitMax:  e.intOr("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWait: e.secondsOr("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		RedisURL:           e.or("REDIS_URL", ""),
		TrustedProxies:     trustedProxies,

		CloudinaryURL: cloudinaryURL,
		Google: GoogleConfig{
			ClientID:     e.or("GOOGLE_CLIENT_ID", ""),
			ClientSecret: e.or("GOOGLE_CLIENT_SECRET", ""),
			RedirectURL:  e.or("GOOGLE_REDIRECT_URL", ""),
		},

		CronSecret:       e.or("CRON_SECRET", ""),
		CleanupBatchSize: e.intOr("AUTH_CLEANUP_BATCH_SIZE", 500),

		AdminEmail:    e.or("ADMIN_EMAIL", ""),
		AdminName:     e.or("ADMIN_NAME", ""),
		AdminPassword: e.or("ADMIN_PASSWORD", ""),
	}, nil
}

// parseTrustedProxies reads a comma-separated list of CIDRs or bare addresses.
func parseTrustedProxies(value string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if addr, err := netip.ParseAddr(item); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(item)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", item, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

func LoadDatabaseConfig(getenv func(string) string) (DatabaseConfig, error) {
	e := env(getenv)

	url, err := e.required("DATABASE_URL")
	if err != nil {
		return DatabaseConfig{}, err
	}

	return DatabaseConfig{
		URL:             url,
		MaxOpenConns:    e.intOr("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    e.intOr("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: e.minutesOr("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		ConnMaxIdleTime: e.minutesOr("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
	}, nil
}

// LoadAuthConfig requires the cipher, access and refresh secrets to be distinct.
func LoadAuthConfig(getenv func(string) string) (auth.Config, error) {
	e := env(getenv)

	cipherSecret, err := e.required("PAYLOAD_CIPHER_SECRET")
	if err != nil {
		return auth.Config{}, err
	}
	accessSecret, err := e.required("ACCESS_TOKEN_SECRET")
	if err != nil {
		return auth.Config{}, err
	}
	refreshSecret, err := e.required("REFRESH_TOKEN_SECRET")
	if err != nil {
		return auth.Config{}, err
	}
	if accessSecret == refreshSecret || accessSecret == cipherSecret || refreshSecret == cipherSecret {
		return auth.Config{}, fmt.Errorf("PAYLOAD_CIPHER_SECRET, ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}

	return auth.Config{
		CipherSecret:       cipherSecret,
		AccessTokenSecret:  accessSecret,
		RefreshTokenSecret: refreshSecret,
		AccessTokenTTL:     e.minutesOr("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTL:    e.hoursOr("REFRESH_TOKEN_TTL_HOURS", 168),
		LockoutThreshold:   e.intOr("LOGIN_LOCK_THRESHOLD", 3),
		LockoutDuration:    e.hoursOr("LOGIN_LOCK_HOURS", 24),
		AdminRoleID:        int64(e.intOr("ADMIN_ROLE_ID", 1)),
		DefaultRoleID:      int64(e.intOr("DEFAULT_ROLE_ID", 2)),
	}.WithDefaults(), nil
}

func (e env) required(name string) (string, error) {
	value := strings.TrimSpace(e(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func (e env) or(name, fallback string) string {
	value := strings.TrimSpace(e(name))
	if value == "" {
		return fallback
	}
	return value
}

func (e env) intOr(name string, fallback int) int {
	value := strings.TrimSpace(e(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func (e env) boolOr(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(e(name)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (e env) secondsOr(name string, fallback int) time.Duration {
	return time.Duration(e.intOr(name, fallback)) * time.Second
}

func (e env) minutesOr(name string, fallback int) time.Duration {
	return time.Duration(e.intOr(name, fallback)) * time.Minute
}

func (e env) hoursOr(name string, fallback int) time.Duration {
	return time.Duration(e.intOr(name, fallback)) * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	return env(os.Getenv).boolOr(name, fallback)
}
