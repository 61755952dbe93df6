package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker" validate:"required"`
	Session  SessionConfig  `mapstructure:"session" validate:"required"`
	Browser  BrowserConfig  `mapstructure:"browser" validate:"required"`
	Portal   PortalConfig   `mapstructure:"portal" validate:"required"`
	Lock     LockConfig     `mapstructure:"lock" validate:"required"`
	Sync     SyncConfig     `mapstructure:"sync" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	// RateLimitPerMinute bounds /api requests per client IP. Zero uses the API
	// default; a negative value disables limiting.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL          string `mapstructure:"url" validate:"required,url"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gt=0"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"gte=0"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"gt=0"`
	BcryptCost           int    `mapstructure:"bcrypt_cost" validate:"gte=4,lte=31"`
}

// RedisConfig holds the connection settings of the single coordination store
// shared by locks, session cookies and the job queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// QueueConfig controls the durable job queue.
type QueueConfig struct {
	// Backend selects "redis" (streams, durable) or "memory" (single process).
	Backend           string        `mapstructure:"backend" validate:"required,oneof=redis memory"`
	Stream            string        `mapstructure:"stream" validate:"required"`
	Group             string        `mapstructure:"group" validate:"required"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
	MaxDeliveries     int           `mapstructure:"max_deliveries" validate:"gt=0"`
	BlockTimeout      time.Duration `mapstructure:"block_timeout" validate:"gt=0"`
	MemorySize        int           `mapstructure:"memory_size" validate:"gt=0"`
}

// WorkerConfig controls the worker loop.
type WorkerConfig struct {
	WorkerCount            int           `mapstructure:"worker_count" validate:"gt=0"`
	JobTimeout             time.Duration `mapstructure:"job_timeout" validate:"gt=0"`
	StuckTaskAge           time.Duration `mapstructure:"stuck_task_age" validate:"gt=0"`
	StuckTaskCheckInterval time.Duration `mapstructure:"stuck_task_check_interval" validate:"gt=0"`
	CancelPollInterval     time.Duration `mapstructure:"cancel_poll_interval" validate:"gt=0"`
	ScreenshotDir          string        `mapstructure:"screenshot_dir" validate:"required"`
}

// SessionConfig controls the per-user browser session cache.
type SessionConfig struct {
	MaxSessions         int           `mapstructure:"max_sessions" validate:"gt=0"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	StatusCacheTTL      time.Duration `mapstructure:"status_cache_ttl" validate:"gt=0"`
	StatusCheckInterval time.Duration `mapstructure:"status_check_interval" validate:"gt=0"`
}

// BrowserConfig controls the headless browser engine.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" validate:"gt=0"`
	IdleWait          time.Duration `mapstructure:"idle_wait" validate:"gte=0"`
}

// PortalConfig holds the fixed entry points of the third-party portal.
type PortalConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
}

// LockConfig controls admission locking.
type LockConfig struct {
	AdmissionTTL time.Duration `mapstructure:"admission_ttl" validate:"gt=0"`
}

// SyncConfig tunes the discipline walk.
type SyncConfig struct {
	// MaxRelogins caps in-place re-logins during one run before it is aborted.
	MaxRelogins int `mapstructure:"max_relogins" validate:"gte=0"`
	// StatsSampleSize is how many recent completed syncs feed the duration estimate.
	StatsSampleSize int `mapstructure:"stats_sample_size" validate:"gt=0"`
}
