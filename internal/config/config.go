package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// HTTP
	HTTPPort    int
	MetricsPort int

	// Database (publish jobs, installations, posts, audit)
	DBDriver string // mysql or sqlite
	DBDSN    string

	// Job queue
	QueueBackend  string // memory or redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Event notifier
	KafkaBroker string // empty means in-process gochannel pub/sub

	// Audit indexing
	ElasticAddr string // empty disables Elasticsearch indexing

	// Archive storage
	ArchiveDir string

	// Validation policy
	PolicyPath string

	// Pipeline tuning
	Workers         int
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	JobTimeout      time.Duration
	MonitorInterval time.Duration

	// GitHub App credentials
	GithubAppID          int64
	GithubPrivateKeyPath string
	GithubWebhookSecret  string
	PagesBranch          string
	CommitAuthorName     string
	CommitAuthorEmail    string

	// Telemetry
	OTLPEndpoint string
	LogLevel     string
	LogFormat    string
}

// ReadConfig loads config.toml from the working directory when present
// and applies MAKAPIX_* environment overrides on top of the defaults.
func ReadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/makapix/")

	v.SetEnvPrefix("makapix")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.port", 8560)
	v.SetDefault("http.metricsPort", 2112)
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "makapix:makapix@tcp(localhost:3306)/makapix?parseTime=true")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.redisAddr", "localhost:6379")
	v.SetDefault("queue.redisDB", 0)
	v.SetDefault("archive.dir", "/var/lib/makapix/archives")
	v.SetDefault("policy.path", "")
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.maxAttempts", 5)
	v.SetDefault("pipeline.retryBaseDelay", "2s")
	v.SetDefault("pipeline.retryMaxDelay", "2m")
	v.SetDefault("pipeline.jobTimeout", "10m")
	v.SetDefault("pipeline.monitorInterval", "15m")
	v.SetDefault("github.pagesBranch", "main")
	v.SetDefault("github.commitAuthorName", "makapix-publisher")
	v.SetDefault("github.commitAuthorEmail", "publisher@makapix.club")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env + defaults carry a dev setup.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{
		HTTPPort:    v.GetInt("http.port"),
		MetricsPort: v.GetInt("http.metricsPort"),

		DBDriver: strings.ToLower(v.GetString("database.driver")),
		DBDSN:    v.GetString("database.dsn"),

		QueueBackend:  strings.ToLower(v.GetString("queue.backend")),
		RedisAddr:     v.GetString("queue.redisAddr"),
		RedisPassword: v.GetString("queue.redisPassword"),
		RedisDB:       v.GetInt("queue.redisDB"),

		KafkaBroker: v.GetString("events.kafkaBroker"),
		ElasticAddr: v.GetString("audit.elasticAddr"),

		ArchiveDir: v.GetString("archive.dir"),
		PolicyPath: v.GetString("policy.path"),

		Workers:         v.GetInt("pipeline.workers"),
		MaxAttempts:     v.GetInt("pipeline.maxAttempts"),
		RetryBaseDelay:  v.GetDuration("pipeline.retryBaseDelay"),
		RetryMaxDelay:   v.GetDuration("pipeline.retryMaxDelay"),
		JobTimeout:      v.GetDuration("pipeline.jobTimeout"),
		MonitorInterval: v.GetDuration("pipeline.monitorInterval"),

		GithubAppID:          v.GetInt64("github.appId"),
		GithubPrivateKeyPath: v.GetString("github.privateKeyPath"),
		GithubWebhookSecret:  v.GetString("github.webhookSecret"),
		PagesBranch:          v.GetString("github.pagesBranch"),
		CommitAuthorName:     v.GetString("github.commitAuthorName"),
		CommitAuthorEmail:    v.GetString("github.commitAuthorEmail"),

		OTLPEndpoint: v.GetString("telemetry.otlpEndpoint"),
		LogLevel:     v.GetString("log.level"),
		LogFormat:    v.GetString("log.format"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http.port: %d", c.HTTPPort)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid http.metricsPort: %d", c.MetricsPort)
	}
	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database.driver=%q", c.DBDriver)
	}
	switch c.QueueBackend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("queue.backend=redis but queue.redisAddr is empty")
		}
	default:
		return fmt.Errorf("unsupported queue.backend=%q", c.QueueBackend)
	}
	if c.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be positive, got %d", c.Workers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.maxAttempts must be positive, got %d", c.MaxAttempts)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("invalid retry delays: base=%s max=%s", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("pipeline.jobTimeout must be positive")
	}
	return nil
}
