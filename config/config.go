package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Mail     MailConfig     `mapstructure:"mail"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"` // plain key or bcrypt hash
	// AdminWhitelist restricts admin routes to these client IPs. Empty allows all.
	AdminWhitelist []string `mapstructure:"admin_whitelist"`
	// InstanceID identifies this process on the shared pub/sub bus.
	// A random UUID is used when empty.
	InstanceID string `mapstructure:"instance_id"`
}

type DatabaseConfig struct {
	Mode        string `mapstructure:"mode"` // sqlite | mysql | postgres
	SQLitePath  string `mapstructure:"sqlite_path"`
	MySQLDSN    string `mapstructure:"mysql_dsn"`
	PostgresDSN string `mapstructure:"postgres_dsn"`

	MaxOpen int           `mapstructure:"max_open"`
	MaxIdle int           `mapstructure:"max_idle"`
	MaxLife time.Duration `mapstructure:"max_life"`
	// AcquireTimeout bounds how long a store operation may wait for a pooled
	// connection (and run) before failing with store unavailable.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	// SlowThreshold logs queries slower than this at warn level. Zero disables.
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AllowedOrigins lists the WebSocket origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MailConfig holds the mailbox rules and background job settings.
type MailConfig struct {
	ExpirationDays int   `mapstructure:"expiration_days"` // 0 = never expires
	MaxMailboxSize int   `mapstructure:"max_mailbox_size"`
	MaxAttachments int   `mapstructure:"max_attachments"`
	MaxTitleLength int   `mapstructure:"max_title_length"`
	MaxBodyLength  int   `mapstructure:"max_body_length"`
	DailySendLimit int   `mapstructure:"daily_send_limit"` // 0 = unlimited
	PostageFee     int64 `mapstructure:"postage_fee"`
	AttachmentFee  int64 `mapstructure:"attachment_fee"` // per item stack
	// AdminMailboxID receives returned attachments whose sender no longer exists.
	AdminMailboxID int64 `mapstructure:"admin_mailbox_id"`
	// ServerName fills the {server} placeholder of mail templates.
	ServerName string `mapstructure:"server_name"`

	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepBatch    int           `mapstructure:"sweep_batch"`

	RetentionDays int           `mapstructure:"retention_days"` // 0 = keep forever
	PurgeInterval time.Duration `mapstructure:"purge_interval"`

	DeadLetterInterval time.Duration `mapstructure:"dead_letter_interval"`
	DeadLetterAttempts int           `mapstructure:"dead_letter_attempts"`
	DeadLetterBackoff  time.Duration `mapstructure:"dead_letter_backoff"`

	ReminderInterval time.Duration `mapstructure:"reminder_interval"`

	// Collaborator retry policy (economy / inventory calls).
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryInitial  time.Duration `mapstructure:"retry_initial"`
	RetryMax      time.Duration `mapstructure:"retry_max"`
}

// DeliveryConfig sizes the per-recipient coordinator.
type DeliveryConfig struct {
	Workers     int `mapstructure:"workers"`
	MaxPending  int `mapstructure:"max_pending"`
	WarnPending int `mapstructure:"warn_pending"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/mail.db")
	v.SetDefault("database.max_open", 20)
	v.SetDefault("database.max_idle", 5)
	v.SetDefault("database.max_life", "1h")
	v.SetDefault("database.acquire_timeout", "5s")
	v.SetDefault("database.slow_threshold", "200ms")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("mail.expiration_days", 30)
	v.SetDefault("mail.max_mailbox_size", 100)
	v.SetDefault("mail.max_attachments", 5)
	v.SetDefault("mail.max_title_length", 32)
	v.SetDefault("mail.max_body_length", 500)
	v.SetDefault("mail.daily_send_limit", 0)
	v.SetDefault("mail.postage_fee", 0)
	v.SetDefault("mail.attachment_fee", 0)
	v.SetDefault("mail.server_name", "")
	v.SetDefault("mail.sweep_interval", "1m")
	v.SetDefault("mail.sweep_batch", 200)
	v.SetDefault("mail.retention_days", 90)
	v.SetDefault("mail.purge_interval", "6h")
	v.SetDefault("mail.dead_letter_interval", "30s")
	v.SetDefault("mail.dead_letter_attempts", 10)
	v.SetDefault("mail.dead_letter_backoff", "30s")
	v.SetDefault("mail.reminder_interval", "5m")
	v.SetDefault("mail.retry_attempts", 3)
	v.SetDefault("mail.retry_initial", "50ms")
	v.SetDefault("mail.retry_max", "1s")
	v.SetDefault("delivery.workers", 8)
	v.SetDefault("delivery.max_pending", 10000)
	v.SetDefault("delivery.warn_pending", 1000)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAIL")
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with every default applied and no file read.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}
