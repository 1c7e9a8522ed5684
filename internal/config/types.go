// Package config loads, validates and hot-reloads gatekeeper configuration
// from YAML files and GATEKEEPER_* environment variables.
package config

import "time"

// Config is the full service configuration tree.
type Config struct {
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`
	// NodeID labels node-scoped rate limit keys and event payloads.
	NodeID string `mapstructure:"node_id"`

	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Session   SessionConfig   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// MaxBodyBytes caps request bodies before any handler reads them.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"gt=0"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type SessionConfig struct {
	TTL                 time.Duration `mapstructure:"ttl" validate:"gt=0"`
	RotateAfter         time.Duration `mapstructure:"rotate_after" validate:"gt=0"`
	RotateAfterRequests int64         `mapstructure:"rotate_after_requests" validate:"gt=0"`
	CookieName          string        `mapstructure:"cookie_name"`
	CookieDomain        string        `mapstructure:"cookie_domain"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
}

type RateLimitConfig struct {
	FailMode     string        `mapstructure:"fail_mode" validate:"oneof=open closed"`
	StoreTimeout time.Duration `mapstructure:"store_timeout" validate:"gt=0"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" validate:"gt=0"`
	// SweepInterval paces the janitor for the in-process store fallback.
	SweepInterval time.Duration  `mapstructure:"sweep_interval"`
	Policies      []PolicyConfig `mapstructure:"policies" validate:"dive"`
}

// PolicyConfig mirrors one rate limit policy. Entries override the built-in
// table by name.
type PolicyConfig struct {
	Name     string        `mapstructure:"name" validate:"required"`
	Requests int64         `mapstructure:"requests" validate:"gt=0"`
	Period   time.Duration `mapstructure:"period" validate:"gt=0"`
	Scope    string        `mapstructure:"scope" validate:"oneof=ip user api_key session node"`
	Burst    int64         `mapstructure:"burst" validate:"gte=0"`
	Sliding  bool          `mapstructure:"sliding"`
	BlockFor time.Duration `mapstructure:"block_for" validate:"gte=0"`
}

type RealtimeConfig struct {
	// TokenSecret signs the HS256 tokens presented on the authenticate
	// event. Production refuses to start on the development default.
	TokenSecret     string        `mapstructure:"token_secret"`
	AuthTimeout     time.Duration `mapstructure:"auth_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	RoomCapacity    int           `mapstructure:"room_capacity"`
	// FloodRate and FloodBurst feed the per-connection token bucket that
	// sits in front of the per-user event quotas.
	FloodRate     float64       `mapstructure:"flood_rate"`
	FloodBurst    int           `mapstructure:"flood_burst"`
	EventPolicy   string        `mapstructure:"event_policy"`
	IPMaxFailures int           `mapstructure:"ip_max_failures"`
	IPBlockFor    time.Duration `mapstructure:"ip_block_for"`
}

type EventsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Compression  string        `mapstructure:"compression"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Async        bool          `mapstructure:"async"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}
