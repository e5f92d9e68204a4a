package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	AppName  string `yaml:"app_name"`
	Env      string `yaml:"env"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	DBDriver    string `yaml:"db_driver"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`

	JWTSecret          string `yaml:"jwt_secret"`
	AccessTokenMinutes int    `yaml:"access_token_minutes"`
	EncryptKey         string `yaml:"encryption_key"`

	CORSOrigins []string `yaml:"cors_origins"`

	// MaxContentSize accepts human sizes ("16KB", "1 MiB").
	MaxContentSize    string  `yaml:"max_content_size"`
	MaxContentBytes   int     `yaml:"-"`
	SendRatePerSecond float64 `yaml:"send_rate_per_second"`
	SendBurst         int     `yaml:"send_burst"`
	EventBuffer       int     `yaml:"event_buffer"`
	MessagePageLimit  int     `yaml:"message_page_limit"`

	// UnreadCacheTTL caps how stale an unread count may be. Set 0 when
	// several processes share one database.
	UnreadCacheTTL time.Duration `yaml:"unread_cache_ttl"`
}

// Load reads .env (if present), then CONFIG_FILE (if set), then the
// process environment. Later sources win.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if cfg.DatabaseURL == "" && cfg.DBDriver == DriverPostgres {
		cfg.DatabaseURL = postgresURLFromEnv()
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		AppName:            "Support Chat API",
		Env:                "development",
		Host:               "0.0.0.0",
		Port:               8000,
		LogLevel:           "info",
		DBDriver:           DriverPostgres,
		SQLitePath:         "supportchat.db",
		AccessTokenMinutes: 60 * 24,
		CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
		MaxContentSize:     "16KB",
		SendRatePerSecond:  5,
		SendBurst:          10,
		EventBuffer:        64,
		MessagePageLimit:   500,
		UnreadCacheTTL:     5 * time.Second,
	}
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.AppName = getEnv("APP_NAME", cfg.AppName)
	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.Host = getEnv("HTTP_HOST", cfg.Host)
	cfg.Port = getEnvAsInt("HTTP_PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.DBDriver = strings.ToLower(getEnv("DB_DRIVER", cfg.DBDriver))
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.AccessTokenMinutes = getEnvAsInt("ACCESS_TOKEN_EXPIRE_MINUTES", cfg.AccessTokenMinutes)
	cfg.EncryptKey = getEnv("ENCRYPTION_KEY", cfg.EncryptKey)

	if cors := getEnv("CORS_ORIGINS", ""); cors != "" {
		parts := strings.Split(cors, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.CORSOrigins = parts
	}

	cfg.MaxContentSize = getEnv("MAX_CONTENT_SIZE", cfg.MaxContentSize)
	cfg.SendRatePerSecond = getEnvAsFloat("SEND_RATE_PER_SECOND", cfg.SendRatePerSecond)
	cfg.SendBurst = getEnvAsInt("SEND_BURST", cfg.SendBurst)
	cfg.EventBuffer = getEnvAsInt("EVENT_BUFFER", cfg.EventBuffer)
	cfg.MessagePageLimit = getEnvAsInt("MESSAGE_PAGE_LIMIT", cfg.MessagePageLimit)
	cfg.UnreadCacheTTL = getEnvAsDuration("UNREAD_CACHE_TTL", cfg.UnreadCacheTTL)
}

func postgresURLFromEnv() string {
	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPass := getEnv("POSTGRES_PASSWORD", "postgres")
	dbName := getEnv("POSTGRES_DB", "supportchat")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(dbUser, dbPass),
		Host:     fmt.Sprintf("%s:%s", dbHost, dbPort),
		Path:     dbName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func (c *Config) finalize() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.EncryptKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	switch c.DBDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}

	size, err := humanize.ParseBytes(c.MaxContentSize)
	if err != nil {
		return fmt.Errorf("invalid MAX_CONTENT_SIZE %q: %w", c.MaxContentSize, err)
	}
	if size == 0 {
		return fmt.Errorf("MAX_CONTENT_SIZE must be positive")
	}
	c.MaxContentBytes = int(size)

	if c.UnreadCacheTTL < 0 {
		c.UnreadCacheTTL = 0
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction reports whether the service runs with production defaults
// (JSON logs, no debug output).
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
