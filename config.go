package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// RateLimitConfig bounds how many frames one connection may send. Typing
// frames arrive once per keystroke and draw on their own bucket.
type RateLimitConfig struct {
	Burst           int
	PerSecond       float64
	TypingBurst     int
	TypingPerSecond float64
}

// Config holds every runtime setting. Values come from the environment,
// optionally seeded from .env.local and .env.
type Config struct {
	Port            string
	StoreDriver     string
	SQLitePath      string
	DatabaseURL     string
	DatabaseSSLMode string

	JWTSecret          []byte
	JWTSecretGenerated bool
	TokenTTL           time.Duration

	RetentionCap    int
	HistoryLimit    int
	MaxMessageSize  int64
	ProfileImageMax int
	RateLimit       RateLimitConfig
	AllowedOrigins  []string

	PublicDir string
	LogLevel  string
	LogFormat string
}

func defaultConfig() Config {
	return Config{
		Port:            ":8080",
		StoreDriver:     driverSQLite,
		SQLitePath:      "data/chat.db",
		DatabaseSSLMode: "require",
		TokenTTL:        7 * 24 * time.Hour,
		RetentionCap:    50,
		HistoryLimit:    50,
		MaxMessageSize:  50 << 20,
		ProfileImageMax: 2 << 20,
		RateLimit: RateLimitConfig{
			Burst:           20,
			PerSecond:       10,
			TypingBurst:     30,
			TypingPerSecond: 15,
		},
		AllowedOrigins: []string{"*"},
		PublicDir:      "Public",
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// loadEnvFiles reads .env.local then .env. Variables already set in the
// process environment win, and missing files are fine.
func loadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func loadConfig() (Config, error) {
	if err := loadEnvFiles(".env.local", ".env"); err != nil {
		return Config{}, err
	}
	return configFromEnv(os.Getenv)
}

// configFromEnv builds a Config from getenv. Unparseable numbers fall back to
// their defaults; an unknown store driver is an error.
func configFromEnv(getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	if v := getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := getenv("STORE_DRIVER"); v != "" {
		cfg.StoreDriver = strings.ToLower(strings.TrimSpace(v))
	}
	if v := getenv("SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	cfg.DatabaseURL = getenv("DATABASE_URL")
	if v := getenv("DATABASE_SSLMODE"); v != "" {
		cfg.DatabaseSSLMode = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = []byte(v)
	}
	if v := getenv("TOKEN_TTL"); v != "" {
		cfg.TokenTTL = parseDuration(v, cfg.TokenTTL)
	}
	if v := getenv("RETENTION_CAP"); v != "" {
		cfg.RetentionCap = parseNonNegative(v, cfg.RetentionCap)
	}
	if v := getenv("HISTORY_LIMIT"); v != "" {
		cfg.HistoryLimit = parsePositive(v, cfg.HistoryLimit)
	}
	if v := getenv("MAX_MESSAGE_SIZE"); v != "" {
		cfg.MaxMessageSize = int64(parsePositive(v, int(cfg.MaxMessageSize)))
	}
	if v := getenv("PROFILE_IMAGE_MAX"); v != "" {
		cfg.ProfileImageMax = parsePositive(v, cfg.ProfileImageMax)
	}
	if v := getenv("RATE_LIMIT_BURST"); v != "" {
		cfg.RateLimit.Burst = parsePositive(v, cfg.RateLimit.Burst)
	}
	if v := getenv("RATE_LIMIT_PER_SECOND"); v != "" {
		cfg.RateLimit.PerSecond = parsePositiveFloat(v, cfg.RateLimit.PerSecond)
	}
	if v := getenv("TYPING_RATE_LIMIT_BURST"); v != "" {
		cfg.RateLimit.TypingBurst = parsePositive(v, cfg.RateLimit.TypingBurst)
	}
	if v := getenv("TYPING_RATE_LIMIT_PER_SECOND"); v != "" {
		cfg.RateLimit.TypingPerSecond = parsePositiveFloat(v, cfg.RateLimit.TypingPerSecond)
	}
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = parseList(v)
	}
	if v := getenv("PUBLIC_DIR"); v != "" {
		cfg.PublicDir = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return sanitizeConfig(cfg)
}

func sanitizeConfig(cfg Config) (Config, error) {
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	switch cfg.StoreDriver {
	case driverSQLite:
	case driverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q (want %s or %s)", cfg.StoreDriver, driverSQLite, driverPostgres)
	}
	if len(cfg.JWTSecret) == 0 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return Config{}, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.JWTSecret = secret
		cfg.JWTSecretGenerated = true
	}
	return cfg, nil
}

// PostgresDSN returns DatabaseURL with the configured sslmode added unless the
// URL already names one. Both URL and key=value forms are handled.
func (c Config) PostgresDSN() string {
	dsn := c.DatabaseURL
	if c.DatabaseSSLMode == "" || strings.Contains(dsn, "sslmode=") {
		return dsn
	}
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "sslmode=" + c.DatabaseSSLMode
	}
	return strings.TrimSpace(dsn) + " sslmode=" + c.DatabaseSSLMode
}

func parseList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parsePositive(v string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
		return n
	}
	return def
}

func parsePositiveFloat(v string, def float64) float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
		return f
	}
	return def
}

func parseNonNegative(v string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
		return n
	}
	return def
}

func parseDuration(v string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
		return d
	}
	return def
}
