package config

// Config is the process configuration.
//
// It is loaded from a YAML file and then overridden by LEAFCHECK_* environment
// variables (see Load). All duration fields accept Go duration strings
// (e.g. "30s", "70m").
//
// Runtime-tunable check-in settings (daily time, retry budget, jitter bounds)
// and notification channel settings live in the store, not here, so they can
// be edited through the API without a restart.
type Config struct {
	// Listen is the HTTP API bind address.
	Listen string `yaml:"listen" envconfig:"LISTEN"`

	// Timezone drives all calendar-day decisions (default Asia/Shanghai).
	Timezone string `yaml:"timezone" envconfig:"TIMEZONE"`

	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
	Remote  RemoteConfig  `yaml:"remote"`
	Checkin CheckinConfig `yaml:"checkin"`
	Batch   BatchConfig   `yaml:"batch"`
	Notify  NotifyConfig  `yaml:"notify"`
}

type AuthConfig struct {
	AdminUsername string `yaml:"admin_username" envconfig:"ADMIN_USERNAME"`
	AdminPassword string `yaml:"admin_password" envconfig:"ADMIN_PASSWORD"`
	// JWTSecret signs API tokens. Generated at startup when empty
	// (sessions then do not survive a restart).
	JWTSecret string   `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	TokenTTL  Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
}

type LoggingConfig struct {
	Level   string      `yaml:"level" envconfig:"LOG_LEVEL"`
	Console bool        `yaml:"console" envconfig:"LOG_CONSOLE"`
	File    LoggingFile `yaml:"file"`
}

type LoggingFile struct {
	Enabled bool   `yaml:"enabled" envconfig:"LOG_FILE_ENABLED"`
	Path    string `yaml:"path" envconfig:"LOG_FILE_PATH"`
}

// StorageConfig selects the store engine.
//
// Driver values:
//   - "sqlite": local database file at Path
//   - "postgres": server reached via DSN
type StorageConfig struct {
	Driver      string   `yaml:"driver" envconfig:"STORAGE_DRIVER"`
	Path        string   `yaml:"path" envconfig:"STORAGE_PATH"`
	DSN         string   `yaml:"dsn" envconfig:"STORAGE_DSN"`
	BusyTimeout Duration `yaml:"busy_timeout" envconfig:"STORAGE_BUSY_TIMEOUT"` // sqlite only
}

// RemoteConfig points the action executor at the remote service.
type RemoteConfig struct {
	BaseURL    string   `yaml:"base_url" envconfig:"REMOTE_BASE_URL"`
	CheckinURL string   `yaml:"checkin_url" envconfig:"REMOTE_CHECKIN_URL"`
	Timeout    Duration `yaml:"timeout" envconfig:"REMOTE_TIMEOUT"`
	UserAgent  string   `yaml:"user_agent" envconfig:"REMOTE_USER_AGENT"`
}

// CheckinConfig controls the check-in scheduler cadence.
type CheckinConfig struct {
	Tick       Duration `yaml:"tick" envconfig:"CHECKIN_TICK"`
	RetryPause Duration `yaml:"retry_pause" envconfig:"CHECKIN_RETRY_PAUSE"`
	// BalanceCron triggers the periodic balance-refresh pass
	// (5 or 6 field cron spec).
	BalanceCron string `yaml:"balance_cron" envconfig:"CHECKIN_BALANCE_CRON"`
}

// BatchConfig controls the batch redeem engine cadence.
type BatchConfig struct {
	Tick Duration `yaml:"tick" envconfig:"BATCH_TICK"`
	// SuccessInterval spaces the next code after a successful redeem
	// (the remote service enforces a per-action cooldown).
	SuccessInterval Duration `yaml:"success_interval" envconfig:"BATCH_SUCCESS_INTERVAL"`
	// FailInterval retries a likely-transient failure quickly.
	FailInterval Duration `yaml:"fail_interval" envconfig:"BATCH_FAIL_INTERVAL"`
}

type NotifyConfig struct {
	Workers    int `yaml:"workers" envconfig:"NOTIFY_WORKERS"`
	QueueSize  int `yaml:"queue_size" envconfig:"NOTIFY_QUEUE_SIZE"`
	RatePerSec int `yaml:"rate_per_sec" envconfig:"NOTIFY_RATE_PER_SEC"`
}
