package realtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// GatewayConfig holds websocket gateway settings loaded from CHAT_WS_* variables.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept origin verification. Dev only.
	DevInsecure    bool     `env:"CHAT_WS_DEV_INSECURE"    envDefault:"false"`
	OriginRequired bool     `env:"CHAT_WS_ORIGIN_REQUIRED" envDefault:"true"`
	AllowedOrigins []string `env:"CHAT_WS_ALLOWED_ORIGINS" envDefault:"http://localhost,http://127.0.0.1" envSeparator:","`

	WriteTimeout    time.Duration `env:"CHAT_WS_WRITE_TIMEOUT"     envDefault:"5s"`
	ReadIdleTimeout time.Duration `env:"CHAT_WS_READ_IDLE_TIMEOUT" envDefault:"2m"`
	SendQueue       int           `env:"CHAT_WS_SEND_QUEUE"        envDefault:"256"`

	HeartbeatInterval time.Duration `env:"CHAT_WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"CHAT_WS_HEARTBEAT_TIMEOUT"  envDefault:"5s"`

	RateEvents int           `env:"CHAT_WS_RATE_EVENTS" envDefault:"120"`
	RateWindow time.Duration `env:"CHAT_WS_RATE_WINDOW" envDefault:"10s"`
}

// LoadGatewayConfig parses the process environment.
func LoadGatewayConfig() (GatewayConfig, error) {
	var cfg GatewayConfig
	if err := env.Parse(&cfg); err != nil {
		return GatewayConfig{}, fmt.Errorf("realtime: parse env: %w", err)
	}
	return cfg.sanitize(), nil
}

// DefaultGatewayConfig returns the defaults without reading the environment.
func DefaultGatewayConfig() GatewayConfig {
	var cfg GatewayConfig
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg.sanitize()
}

func (c GatewayConfig) sanitize() GatewayConfig {
	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = 2 * time.Minute
	}
	if c.SendQueue < wsMinSendQueueSize {
		c.SendQueue = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}
