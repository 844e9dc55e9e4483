// Package am loads cadence configuration from TOML files, a .env file and
// CADENCE_* environment variables.
package am

import "time"

// Config represents the complete cadence configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" toml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" toml:"redis"`
	Server     ServerConfig     `mapstructure:"server" toml:"server"`
	Log        LogConfig        `mapstructure:"log" toml:"log"`
	Pulse      PulseConfig      `mapstructure:"pulse" toml:"pulse"`
	Schedulers SchedulersConfig `mapstructure:"schedulers" toml:"schedulers"`
	Limits     LimitsConfig     `mapstructure:"limits" toml:"limits"`
	Monitor    MonitorConfig    `mapstructure:"monitor" toml:"monitor"`
	Retry      RetryConfig      `mapstructure:"retry" toml:"retry"`
	Gmail      GmailConfig      `mapstructure:"gmail" toml:"gmail"`
	Alerts     AlertsConfig     `mapstructure:"alerts" toml:"alerts"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// RedisConfig configures the rate-limit and cooldown store.
// With Enabled=false an in-process store is used (single node only).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" toml:"enabled"`
	Addr     string `mapstructure:"addr" toml:"addr"`
	Password string `mapstructure:"password" toml:"password"`
	DB       int    `mapstructure:"db" toml:"db"`
}

// ServerConfig configures the HTTP control surface
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Addr    string `mapstructure:"addr" toml:"addr"`
	// Origin prefixes accepted for CORS and the job stream websocket
	AllowedOrigins  []string      `mapstructure:"allowed_origins" toml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" toml:"shutdown_timeout"`
	// Bearer token required on /api routes; empty leaves them open
	APIToken string `mapstructure:"api_token" toml:"api_token"`
}

// LogConfig configures logger output
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`
	Level string `mapstructure:"level" toml:"level"`
}

// PulseConfig configures the job queue orchestrator
type PulseConfig struct {
	QueuePrefix  string        `mapstructure:"queue_prefix" toml:"queue_prefix"`
	PollInterval time.Duration `mapstructure:"poll_interval" toml:"poll_interval"`

	// Lease held by a worker on a running job. A job whose lease expires
	// is considered stalled and is requeued by the maintenance loop.
	LockDuration        time.Duration `mapstructure:"lock_duration" toml:"lock_duration"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" toml:"maintenance_interval"`
	MaxStalled          int           `mapstructure:"max_stalled" toml:"max_stalled"`

	// Retention of finished jobs
	RetainCompleted time.Duration `mapstructure:"retain_completed" toml:"retain_completed"`
	KeepCompleted   int           `mapstructure:"keep_completed" toml:"keep_completed"`
	RetainFailed    time.Duration `mapstructure:"retain_failed" toml:"retain_failed"`
	KeepFailed      int           `mapstructure:"keep_failed" toml:"keep_failed"`

	// Per-queue pool settings keyed by unprefixed queue name (e.g. "email-send")
	Queues map[string]QueueConfig `mapstructure:"queues" toml:"queues"`
}

// QueueConfig configures one worker pool.
// StartLimit job starts per StartWindow; StartLimit 0 disables the gate.
type QueueConfig struct {
	Workers     int           `mapstructure:"workers" toml:"workers"`
	StartLimit  int           `mapstructure:"start_limit" toml:"start_limit"`
	StartWindow time.Duration `mapstructure:"start_window" toml:"start_window"`
}

// SchedulersConfig configures the periodic ticks driving the dispatcher
type SchedulersConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval" toml:"tick_interval"`
	IntakeInterval time.Duration `mapstructure:"intake_interval" toml:"intake_interval"`
	DueInterval    time.Duration `mapstructure:"due_interval" toml:"due_interval"`
	BatchSize      int           `mapstructure:"batch_size" toml:"batch_size"`
}

// LimitsConfig holds default send ceilings and cooldowns.
// A ceiling of 0 disables that check.
type LimitsConfig struct {
	PerMinute      int           `mapstructure:"per_minute" toml:"per_minute"`
	PerHour        int           `mapstructure:"per_hour" toml:"per_hour"`
	PerDay         int           `mapstructure:"per_day" toml:"per_day"`
	PerContact     int           `mapstructure:"per_contact" toml:"per_contact"`
	PerSequence    int           `mapstructure:"per_sequence" toml:"per_sequence"`
	BounceCooldown time.Duration `mapstructure:"bounce_cooldown" toml:"bounce_cooldown"`
	ErrorCooldown  time.Duration `mapstructure:"error_cooldown" toml:"error_cooldown"`
	FailOpen       bool          `mapstructure:"fail_open" toml:"fail_open"`
	// Delay applied to a due contact that was refused by the limiter
	RetryDelay time.Duration `mapstructure:"retry_delay" toml:"retry_delay"`
}

// MonitorConfig configures thread polling
type MonitorConfig struct {
	RecentAge   time.Duration `mapstructure:"recent_age" toml:"recent_age"`
	RecentEvery time.Duration `mapstructure:"recent_every" toml:"recent_every"`
	MediumAge   time.Duration `mapstructure:"medium_age" toml:"medium_age"`
	MediumEvery time.Duration `mapstructure:"medium_every" toml:"medium_every"`
	OldEvery    time.Duration `mapstructure:"old_every" toml:"old_every"`
	MaxAge      time.Duration `mapstructure:"max_age" toml:"max_age"`
	StopOnReply bool          `mapstructure:"stop_on_reply" toml:"stop_on_reply"`
}

// RetryConfig configures job retry backoff
type RetryConfig struct {
	Attempts  int           `mapstructure:"attempts" toml:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay" toml:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay" toml:"max_delay"`
}

// GmailConfig configures the Gmail provider
type GmailConfig struct {
	ClientID          string        `mapstructure:"client_id" toml:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret" toml:"client_secret"`
	RedirectURL       string        `mapstructure:"redirect_url" toml:"redirect_url"`
	RefreshBuffer     time.Duration `mapstructure:"refresh_buffer" toml:"refresh_buffer"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" toml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" toml:"burst"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout" toml:"http_timeout"`
}

// AlertsConfig configures final-failure notification
type AlertsConfig struct {
	SentryDSN   string `mapstructure:"sentry_dsn" toml:"sentry_dsn"`
	Environment string `mapstructure:"environment" toml:"environment"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// Queue returns the pool settings for name, falling back to one worker and
// no start gate.
func (p PulseConfig) Queue(name string) QueueConfig {
	if q, ok := p.Queues[name]; ok {
		if q.Workers <= 0 {
			q.Workers = 1
		}
		return q
	}
	return QueueConfig{Workers: 1}
}

// QueueName returns name with the configured prefix applied.
func (p PulseConfig) QueueName(name string) string {
	if p.QueuePrefix == "" {
		return name
	}
	return p.QueuePrefix + ":" + name
}
