package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store kinds accepted in CHAT_STORE.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string `env:"CHAT_HTTP_ADDR" envDefault:"0.0.0.0:8080"`

	LogLevel  string `env:"CHAT_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"CHAT_LOG_FORMAT" envDefault:"json"`
	LogColor  bool   `env:"CHAT_LOG_COLOR"  envDefault:"false"`

	ReadHeaderTimeout time.Duration `env:"CHAT_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"CHAT_HTTP_READ_TIMEOUT"        envDefault:"15s"`
	WriteTimeout      time.Duration `env:"CHAT_HTTP_WRITE_TIMEOUT"       envDefault:"15s"`
	IdleTimeout       time.Duration `env:"CHAT_HTTP_IDLE_TIMEOUT"        envDefault:"60s"`
	MaxHeaderBytes    int           `env:"CHAT_HTTP_MAX_HEADER_BYTES"    envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"CHAT_SHUTDOWN_TIMEOUT"         envDefault:"10s"`

	CORSAllowedOrigins []string `env:"CHAT_CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSMaxAgeSeconds  int      `env:"CHAT_CORS_MAX_AGE"         envDefault:"600"`

	// Store is memory, sqlite or postgres. Empty picks postgres when a
	// database url is set and memory otherwise.
	Store       string `env:"CHAT_STORE"`
	DatabaseURL string `env:"CHAT_DATABASE_URL"`
	DBSchema    string `env:"CHAT_DB_SCHEMA"    envDefault:"chat"`
	DBMaxConns  int32  `env:"CHAT_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"CHAT_DB_MIN_CONNS" envDefault:"0"`
	DBMigrate   bool   `env:"CHAT_DB_MIGRATE"   envDefault:"true"`
	SQLiteDSN   string `env:"CHAT_SQLITE_DSN"   envDefault:"file:chatsync.db"`

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool `env:"CHAT_READINESS_REQUIRE_DB" envDefault:"false"`

	// RedisURL selects the Redis bus; empty runs the in-process bus.
	RedisURL  string `env:"CHAT_REDIS_URL"`
	BusBuffer int    `env:"CHAT_BUS_BUFFER" envDefault:"256"`

	OpTimeout       time.Duration `env:"CHAT_OP_TIMEOUT"       envDefault:"5s"`
	TrackerCapacity int           `env:"CHAT_TRACKER_CAPACITY" envDefault:"10000"`

	ArchiveRetention time.Duration `env:"CHAT_ARCHIVE_RETENTION" envDefault:"0s"`
	JanitorInterval  time.Duration `env:"CHAT_JANITOR_INTERVAL"  envDefault:"1h"`

	NotifyWebhookURL string        `env:"CHAT_NOTIFY_WEBHOOK_URL"`
	NotifyTimeout    time.Duration `env:"CHAT_NOTIFY_TIMEOUT" envDefault:"5s"`
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("app: parse env: %w", err)
	}
	return cfg.validate()
}

func (c Config) validate() (Config, error) {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	if c.Store == "" {
		c.Store = StoreMemory
		if c.DatabaseURL != "" {
			c.Store = StorePostgres
		}
	}

	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.SQLiteDSN) == "" {
			return Config{}, errors.New("app: CHAT_STORE=sqlite requires CHAT_SQLITE_DSN")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return Config{}, errors.New("app: CHAT_STORE=postgres requires CHAT_DATABASE_URL")
		}
	default:
		return Config{}, fmt.Errorf("app: unknown CHAT_STORE %q", c.Store)
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json":
		c.LogFormat = "json"
	case "text", "pretty":
		c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	default:
		return Config{}, fmt.Errorf("app: unknown CHAT_LOG_FORMAT %q", c.LogFormat)
	}

	if c.ArchiveRetention < 0 {
		return Config{}, errors.New("app: CHAT_ARCHIVE_RETENTION must not be negative")
	}
	return c, nil
}
