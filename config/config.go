package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	WebApp     WebAppConfig     `mapstructure:"webapp"`
	AdminCache AdminCacheConfig `mapstructure:"admin_cache"`
	Health     HealthConfig     `mapstructure:"health"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// NodeID distinguishes replicas in generated event ids.
	NodeID          int64         `mapstructure:"node_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error, fatal
	Format   string `mapstructure:"format"` // json, text
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
}

type JWTConfig struct {
	Secret       string `mapstructure:"secret"`
	ExpireHours  int    `mapstructure:"expire_hours"`
	RefreshHours int    `mapstructure:"refresh_hours"`
}

type RateLimitConfig struct {
	AuthPerMinute    int `mapstructure:"auth_per_minute"`
	WebhookPerMinute int `mapstructure:"webhook_per_minute"`
	APIPerMinute     int `mapstructure:"api_per_minute"`
}

type WorkerPoolConfig struct {
	Size      int `mapstructure:"size"`
	QueueSize int `mapstructure:"queue_size"`
}

type KafkaConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	Brokers       []string       `mapstructure:"brokers"`
	ConsumerGroup string         `mapstructure:"consumer_group"`
	Topics        TopicsConfig   `mapstructure:"topics"`
	Producer      ProducerConfig `mapstructure:"producer"`
	Consumer      ConsumerConfig `mapstructure:"consumer"`
}

type TopicsConfig struct {
	AdminEvents string `mapstructure:"admin_events"`
	DLQ         string `mapstructure:"dlq"`
}

type ProducerConfig struct {
	MaxRetries     int `mapstructure:"max_retries"`
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
}

type ConsumerConfig struct {
	MaxRetries     int `mapstructure:"max_retries"`
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
}

// BotConfig is one bot identity. The order of Telegram.Bots is the order in
// which launch payload signatures are tried.
type BotConfig struct {
	Name  string `mapstructure:"name"`
	Token string `mapstructure:"token"`
}

type TelegramConfig struct {
	Bots           []BotConfig   `mapstructure:"bots"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	WebhookBaseURL string        `mapstructure:"webhook_base_url"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type WebAppConfig struct {
	MaxAuthAge time.Duration `mapstructure:"max_auth_age"`
}

type AdminCacheConfig struct {
	Backend        string        `mapstructure:"backend"` // redis, memory
	TTL            time.Duration `mapstructure:"ttl"`
	MemoryCapacity int           `mapstructure:"memory_capacity"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
}

type HealthConfig struct {
	RecentWindow     time.Duration `mapstructure:"recent_window"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureLookback  time.Duration `mapstructure:"failure_lookback"`
}

type JobsConfig struct {
	AdminPollInterval    time.Duration `mapstructure:"admin_poll_interval"`
	ConnectivityInterval time.Duration `mapstructure:"connectivity_interval"`
	HealthReportInterval time.Duration `mapstructure:"health_report_interval"`
	BatchTimeout         time.Duration `mapstructure:"batch_timeout"`
	ItemTimeout          time.Duration `mapstructure:"item_timeout"`
	// Replicas lists every instance running the jobs; chats are split
	// between them. Empty means this instance handles every chat.
	Replicas    []string `mapstructure:"replicas"`
	ReplicaName string   `mapstructure:"replica_name"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("ORBO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("postgres.max_idle_conns", 10)
	v.SetDefault("postgres.max_open_conns", 50)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("jwt.expire_hours", 24)
	v.SetDefault("jwt.refresh_hours", 168)

	v.SetDefault("ratelimit.auth_per_minute", 30)
	v.SetDefault("ratelimit.webhook_per_minute", 600)
	v.SetDefault("ratelimit.api_per_minute", 120)

	v.SetDefault("worker_pool.size", 16)
	v.SetDefault("worker_pool.queue_size", 1024)

	v.SetDefault("kafka.consumer_group", "orbo-admin-events")
	v.SetDefault("kafka.topics.admin_events", "orbo.telegram.admin_events")
	v.SetDefault("kafka.topics.dlq", "orbo.telegram.admin_events.dlq")
	v.SetDefault("kafka.producer.max_retries", 3)
	v.SetDefault("kafka.producer.retry_backoff_ms", 100)
	v.SetDefault("kafka.consumer.max_retries", 2)
	v.SetDefault("kafka.consumer.retry_backoff_ms", 200)

	v.SetDefault("telegram.api_base_url", "https://api.telegram.org")
	v.SetDefault("telegram.request_timeout", 10*time.Second)

	v.SetDefault("webapp.max_auth_age", 24*time.Hour)

	v.SetDefault("admin_cache.backend", "redis")
	v.SetDefault("admin_cache.ttl", 6*time.Hour)
	v.SetDefault("admin_cache.memory_capacity", 100000)
	v.SetDefault("admin_cache.key_prefix", "orbo:admin_rights")

	v.SetDefault("health.recent_window", 2*time.Hour)
	v.SetDefault("health.failure_threshold", 5)
	v.SetDefault("health.failure_lookback", 24*time.Hour)

	v.SetDefault("jobs.admin_poll_interval", 30*time.Minute)
	v.SetDefault("jobs.connectivity_interval", 10*time.Minute)
	v.SetDefault("jobs.health_report_interval", 5*time.Minute)
	v.SetDefault("jobs.batch_timeout", 5*time.Minute)
	v.SetDefault("jobs.item_timeout", 15*time.Second)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if len(c.Telegram.Bots) == 0 {
		return errors.New("config: telegram.bots must list at least one bot")
	}
	for i, bot := range c.Telegram.Bots {
		if bot.Name == "" || bot.Token == "" {
			return fmt.Errorf("config: telegram.bots[%d] needs both name and token", i)
		}
	}
	if c.Telegram.WebhookSecret == "" {
		return errors.New("config: telegram.webhook_secret must be set")
	}
	if c.AdminCache.TTL <= 0 {
		return errors.New("config: admin_cache.ttl must be positive")
	}
	if c.Health.RecentWindow <= 0 || c.Health.FailureThreshold <= 0 || c.Health.FailureLookback <= 0 {
		return errors.New("config: health thresholds must be positive")
	}
	if c.WebApp.MaxAuthAge <= 0 {
		return errors.New("config: webapp.max_auth_age must be positive")
	}
	if c.Jobs.BatchTimeout > 0 && c.Jobs.ItemTimeout > c.Jobs.BatchTimeout {
		return errors.New("config: jobs.item_timeout must not exceed jobs.batch_timeout")
	}
	if len(c.Jobs.Replicas) > 0 && !slices.Contains(c.Jobs.Replicas, c.Jobs.ReplicaName) {
		return errors.New("config: jobs.replica_name must be one of jobs.replicas")
	}
	return nil
}
