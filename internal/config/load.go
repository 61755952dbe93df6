package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "STUDUS"

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile behaves like Load but reads the given config file when path is non-empty.
// An empty path searches for config.yaml in the working directory; a missing file
// is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	validate.RegisterStructValidation(validateTimeouts, Config{})
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validateTimeouts rejects timeouts that would let a running task lose its
// queue delivery or its browser session before the job timeout fires.
func validateTimeouts(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	job := cfg.Worker.JobTimeout
	if cfg.Queue.Backend == "redis" && cfg.Queue.VisibilityTimeout <= job {
		sl.ReportError(cfg.Queue.VisibilityTimeout, "Queue.VisibilityTimeout", "visibility_timeout",
			"gt_job_timeout", job.String())
	}
	if cfg.Session.IdleTimeout <= job {
		sl.ReportError(cfg.Session.IdleTimeout, "Session.IdleTimeout", "idle_timeout",
			"gt_job_timeout", job.String())
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.rate_limit_per_minute", 120)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("auth.token_lifetime_minutes", 60*24)
	v.SetDefault("auth.bcrypt_cost", 10)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.backend", "redis")
	v.SetDefault("queue.stream", "studus-tasks")
	v.SetDefault("queue.group", "studus-workers")
	v.SetDefault("queue.visibility_timeout", 30*time.Minute)
	v.SetDefault("queue.max_deliveries", 3)
	v.SetDefault("queue.block_timeout", 5*time.Second)
	v.SetDefault("queue.memory_size", 100)

	v.SetDefault("worker.worker_count", 1)
	v.SetDefault("worker.job_timeout", 20*time.Minute)
	v.SetDefault("worker.stuck_task_age", 30*time.Minute)
	v.SetDefault("worker.stuck_task_check_interval", 5*time.Minute)
	v.SetDefault("worker.cancel_poll_interval", 3*time.Second)
	v.SetDefault("worker.screenshot_dir", "screenshots")

	v.SetDefault("session.max_sessions", 10)
	v.SetDefault("session.idle_timeout", 30*time.Minute)
	v.SetDefault("session.sweep_interval", 5*time.Minute)
	v.SetDefault("session.status_cache_ttl", 15*time.Minute)
	v.SetDefault("session.status_check_interval", 5*time.Minute)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.navigation_timeout", 60*time.Second)
	v.SetDefault("browser.idle_wait", 2*time.Second)

	v.SetDefault("portal.base_url", "https://www.studus.com.br/StudusFIP")

	v.SetDefault("lock.admission_ttl", 5*time.Second)

	v.SetDefault("sync.max_relogins", 3)
	v.SetDefault("sync.stats_sample_size", 10)
}

// bindEnvs makes AutomaticEnv aware of keys that have no default, so that
// Unmarshal picks them up from the environment.
func bindEnvs(v *viper.Viper) {
	for _, key := range []string{
		"database.url",
		"auth.jwt_secret",
		"redis.password",
		"browser.exec_path",
	} {
		_ = v.BindEnv(key)
	}
}
