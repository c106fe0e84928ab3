package app

import (
	"time"

	"relay/cmd/internal/relay"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	// Relay listener (raw TCP, optionally TLS).
	TCPAddr        string
	MaxHeaderBytes int
	MaxFileBytes   int64
	WriteTimeout   time.Duration
	ReadIdle       time.Duration
	MaxConns       int
	AcceptRate     float64
	AcceptBurst    int
	RateEvents     int
	RateWindow     time.Duration

	// TLS for the relay listener. Both files or neither.
	TLSCertFile string
	TLSKeyFile  string
	RequireTLS  bool

	// Admin HTTP (health, metrics, users, /ws). Empty disables it.
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	WSEnabled        bool
	WSOriginRequired bool
	WSAllowedOrigins []string
	WSDevInsecure    bool

	LogLevel  string
	LogFormat string

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	ShutdownTimeout time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		TCPAddr:        EnvString("RELAY_TCP_ADDR", "0.0.0.0:9000"),
		MaxHeaderBytes: EnvInt("RELAY_MAX_HEADER_BYTES", 64<<10),
		MaxFileBytes:   EnvInt64("RELAY_MAX_FILE_BYTES", 512<<20),
		WriteTimeout:   EnvDuration("RELAY_WRITE_TIMEOUT", 15*time.Second),
		ReadIdle:       EnvDuration("RELAY_READ_IDLE_TIMEOUT", 0),
		MaxConns:       EnvInt("RELAY_MAX_CONNS", 0),
		AcceptRate:     EnvFloat("RELAY_ACCEPT_RATE", 0),
		AcceptBurst:    EnvInt("RELAY_ACCEPT_BURST", 0),
		RateEvents:     EnvInt("RELAY_RATE_EVENTS", 120),
		RateWindow:     EnvDuration("RELAY_RATE_WINDOW", 10*time.Second),

		TLSCertFile: EnvString("RELAY_TLS_CERT_FILE", ""),
		TLSKeyFile:  EnvString("RELAY_TLS_KEY_FILE", ""),
		RequireTLS:  EnvBool("RELAY_REQUIRE_TLS", false),

		HTTPAddr:          EnvString("RELAY_HTTP_ADDR", "127.0.0.1:9090"),
		ReadHeaderTimeout: EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSEnabled:        EnvBool("RELAY_WS_ENABLED", true),
		WSOriginRequired: EnvBool("RELAY_WS_ORIGIN_REQUIRED", relay.WSDefaultOriginRequired),
		WSAllowedOrigins: EnvCSV("RELAY_WS_ALLOWED_ORIGINS", relay.WSDefaultAllowedOrigins),
		WSDevInsecure:    EnvBool("RELAY_WS_DEV_INSECURE", false),

		LogLevel:  EnvString("RELAY_LOG_LEVEL", "info"),
		LogFormat: EnvString("RELAY_LOG_FORMAT", "json"),

		DatabaseURL: EnvString("RELAY_DATABASE_URL", ""),
		DBSchema:    EnvString("RELAY_DB_SCHEMA", "relay"),
		DBMaxConns:  EnvInt32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("RELAY_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("RELAY_READINESS_REQUIRE_DB", false),

		ShutdownTimeout: EnvDuration("RELAY_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// ServerConfig maps Config onto the relay server settings.
func (c Config) ServerConfig() relay.ServerConfig {
	return relay.ServerConfig{
		Addr:         c.TCPAddr,
		MaxConns:     c.MaxConns,
		AcceptRate:   c.AcceptRate,
		AcceptBurst:  c.AcceptBurst,
		WriteTimeout: c.WriteTimeout,
		MaxFileBytes: c.MaxFileBytes,
		Session: relay.SessionConfig{
			MaxHeaderBytes:  c.MaxHeaderBytes,
			ReadIdleTimeout: c.ReadIdle,
			RateEvents:      c.RateEvents,
			RateWindow:      c.RateWindow,
		},
	}
}

// WSConfig maps Config onto the WebSocket gateway settings.
func (c Config) WSConfig() relay.WSConfig {
	return relay.WSConfig{
		OriginRequired:     c.WSOriginRequired,
		AllowedOrigins:     c.WSAllowedOrigins,
		InsecureSkipVerify: c.WSDevInsecure,
	}
}
