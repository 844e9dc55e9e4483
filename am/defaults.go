package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "cadence.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", "127.0.0.1:8787")
	v.SetDefault("server.allowed_origins", []string{"http://localhost", "https://localhost", "http://127.0.0.1"})
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("pulse.queue_prefix", "cadence")
	v.SetDefault("pulse.poll_interval", "1s")
	v.SetDefault("pulse.lock_duration", "5m")
	v.SetDefault("pulse.maintenance_interval", "30s")
	v.SetDefault("pulse.max_stalled", 2)
	v.SetDefault("pulse.retain_completed", "24h")
	v.SetDefault("pulse.keep_completed", 1000)
	v.SetDefault("pulse.retain_failed", "168h")
	v.SetDefault("pulse.keep_failed", 5000)
	v.SetDefault("pulse.queues", map[string]interface{}{
		"sequence-intake":  map[string]interface{}{"workers": 1},
		"sequence-due":     map[string]interface{}{"workers": 1},
		"sequence-process": map[string]interface{}{"workers": 2},
		// Provider-facing pools are gated to protect the mailbox API from bursts
		"email-send":   map[string]interface{}{"workers": 4, "start_limit": 60, "start_window": "1m"},
		"thread-check": map[string]interface{}{"workers": 2, "start_limit": 120, "start_window": "1m"},
	})

	v.SetDefault("schedulers.tick_interval", "1s")
	v.SetDefault("schedulers.intake_interval", "1m")
	v.SetDefault("schedulers.due_interval", "1m")
	v.SetDefault("schedulers.batch_size", 100)

	v.SetDefault("limits.per_minute", 10)
	v.SetDefault("limits.per_hour", 100)
	v.SetDefault("limits.per_day", 500)
	v.SetDefault("limits.per_contact", 3)
	v.SetDefault("limits.per_sequence", 200)
	v.SetDefault("limits.bounce_cooldown", "1h")
	v.SetDefault("limits.error_cooldown", "15m")
	v.SetDefault("limits.fail_open", true)
	v.SetDefault("limits.retry_delay", "15m")

	v.SetDefault("monitor.recent_age", "24h")
	v.SetDefault("monitor.recent_every", "10m")
	v.SetDefault("monitor.medium_age", "168h")
	v.SetDefault("monitor.medium_every", "1h")
	v.SetDefault("monitor.old_every", "24h")
	v.SetDefault("monitor.max_age", "720h")
	v.SetDefault("monitor.stop_on_reply", true)

	v.SetDefault("retry.attempts", 5)
	v.SetDefault("retry.base_delay", "1m")
	v.SetDefault("retry.max_delay", "1h")

	v.SetDefault("gmail.redirect_url", "http://localhost:8787/oauth/callback")
	v.SetDefault("gmail.refresh_buffer", "5m")
	v.SetDefault("gmail.requests_per_second", 5.0)
	v.SetDefault("gmail.burst", 10)
	v.SetDefault("gmail.http_timeout", "30s")

	v.SetDefault("alerts.environment", "development")
}

// BindSensitiveEnvVars explicitly binds secrets to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "CADENCE_DATABASE_PATH")
	v.BindEnv("redis.addr", "CADENCE_REDIS_ADDR", "REDIS_ADDR")
	v.BindEnv("redis.password", "CADENCE_REDIS_PASSWORD", "REDIS_PASSWORD")
	v.BindEnv("gmail.client_id", "CADENCE_GMAIL_CLIENT_ID", "GOOGLE_CLIENT_ID")
	v.BindEnv("gmail.client_secret", "CADENCE_GMAIL_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET")
	v.BindEnv("server.api_token", "CADENCE_API_TOKEN")
	v.BindEnv("alerts.sentry_dsn", "CADENCE_SENTRY_DSN", "SENTRY_DSN")
}

// String returns a short representation of the config without secrets
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Redis: %v, Server: %s, Queues: %d}",
		c.Database.Path, c.Redis.Enabled, c.Server.Addr, len(c.Pulse.Queues))
}
