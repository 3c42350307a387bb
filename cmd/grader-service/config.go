package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gradeflow/internal/common/cache"
	"gradeflow/internal/common/db"
	"gradeflow/internal/common/mq"
	"gradeflow/internal/common/storage"
	"gradeflow/pkg/utils/logger"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second

	defaultTopic           = "grading.submissions"
	defaultRetryTopic      = "grading.submissions.retry"
	defaultDeadLetterTopic = "grading.submissions.dead"
	defaultConsumerGroup   = "gradeflow-grader"

	driverMySQL  = "mysql"
	driverSQLite = "sqlite"
	queueKafka   = "kafka"
	queueRedis   = "redis"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// DatabaseConfig selects and configures the SQL store.
type DatabaseConfig struct {
	// Driver is mysql or sqlite.
	Driver string `yaml:"driver"`
	// DSN is a MySQL DSN (parseTime=true required) or a SQLite path.
	DSN                string        `yaml:"dsn"`
	MaxOpenConnections int           `yaml:"maxOpenConnections"`
	MaxIdleConnections int           `yaml:"maxIdleConnections"`
	ConnMaxLifetime    time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime    time.Duration `yaml:"connMaxIdleTime"`
	// Migrate creates missing tables on startup.
	Migrate bool `yaml:"migrate"`
}

// KafkaConfig holds Kafka settings as written in yaml.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientId"`
	RequiredAcks int           `yaml:"requiredAcks"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	Compression  string        `yaml:"compression"`
	MinBytes     int           `yaml:"minBytes"`
	MaxBytes     int           `yaml:"maxBytes"`
	MaxWait      time.Duration `yaml:"maxWait"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
}

// QueueConfig selects the queue backend and topics.
type QueueConfig struct {
	// Driver is kafka or redis (Redis Streams).
	Driver          string               `yaml:"driver"`
	Kafka           KafkaConfig          `yaml:"kafka"`
	RedisStream     mq.RedisStreamConfig `yaml:"redisStream"`
	Topic           string               `yaml:"topic"`
	RetryTopic      string               `yaml:"retryTopic"`
	DeadLetterTopic string               `yaml:"deadLetterTopic"`
	ConsumerGroup   string               `yaml:"consumerGroup"`
	// RetryConsumerGroup consumes the retry topic. Default: <consumerGroup>-retry
	RetryConsumerGroup string `yaml:"retryConsumerGroup"`
	Concurrency        int    `yaml:"concurrency"`
}

// DispatchConfig holds retry and locking settings.
type DispatchConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	RetryDelay     time.Duration `yaml:"retryDelay"`
	LockTTL        time.Duration `yaml:"lockTTL"`
	StatusCacheTTL time.Duration `yaml:"statusCacheTTL"`
}

// SweeperConfig holds stuck submission sweep settings.
type SweeperConfig struct {
	Enabled       *bool         `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	StuckTimeout  time.Duration `yaml:"stuckTimeout"`
	BatchSize     int           `yaml:"batchSize"`
	RatePerSecond float64       `yaml:"ratePerSecond"`
}

// RunnerConfig holds executor settings.
type RunnerConfig struct {
	HTTPTimeout       time.Duration `yaml:"httpTimeout"`
	ConsoleExecuteURL string        `yaml:"consoleExecuteURL"`
	ConsoleRunTimeout time.Duration `yaml:"consoleRunTimeout"`
	ConsoleTimeout    time.Duration `yaml:"consoleTimeout"`
}

// WorkerConfig bounds concurrent grading runs.
type WorkerConfig struct {
	PoolSize int `yaml:"poolSize"`
}

// ArchiveConfig enables the execution log archive.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

// AdminConfig configures operator token verification.
type AdminConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// AppConfig holds grader-service configuration.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Database DatabaseConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Queue    QueueConfig         `yaml:"queue"`
	Dispatch DispatchConfig      `yaml:"dispatch"`
	Sweeper  SweeperConfig       `yaml:"sweeper"`
	Runner   RunnerConfig        `yaml:"runner"`
	Worker   WorkerConfig        `yaml:"worker"`
	Archive  ArchiveConfig       `yaml:"archive"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Admin    AdminConfig         `yaml:"admin"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadEnv reads an optional .env file; variables already set win.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file failed: %w", err)
	}
	return nil
}

// applyEnvOverrides lets secrets come from the environment instead of yaml.
func applyEnvOverrides(cfg *AppConfig) {
	overrides := []struct {
		key    string
		target *string
	}{
		{"GRADER_DATABASE_DSN", &cfg.Database.DSN},
		{"GRADER_REDIS_PASSWORD", &cfg.Redis.Password},
		{"GRADER_ADMIN_SECRET", &cfg.Admin.Secret},
		{"GRADER_MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey},
		{"GRADER_MINIO_SECRET_KEY", &cfg.MinIO.SecretKey},
	}
	for _, o := range overrides {
		if value, ok := os.LookupEnv(o.key); ok && value != "" {
			*o.target = value
		}
	}
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = driverMySQL
	}
	if cfg.Database.Driver != driverMySQL && cfg.Database.Driver != driverSQLite {
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	cfg.Redis.ApplyDefaults()

	cfg.Queue.Driver = strings.ToLower(strings.TrimSpace(cfg.Queue.Driver))
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = queueKafka
	}
	switch cfg.Queue.Driver {
	case queueKafka:
		if len(cfg.Queue.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required")
		}
	case queueRedis:
	default:
		return fmt.Errorf("unsupported queue driver %q", cfg.Queue.Driver)
	}
	if cfg.Queue.Topic == "" {
		cfg.Queue.Topic = defaultTopic
	}
	if cfg.Queue.RetryTopic == "" {
		cfg.Queue.RetryTopic = defaultRetryTopic
	}
	if cfg.Queue.DeadLetterTopic == "" {
		cfg.Queue.DeadLetterTopic = defaultDeadLetterTopic
	}
	if cfg.Queue.ConsumerGroup == "" {
		cfg.Queue.ConsumerGroup = defaultConsumerGroup
	}
	if cfg.Queue.RetryConsumerGroup == "" {
		cfg.Queue.RetryConsumerGroup = cfg.Queue.ConsumerGroup + "-retry"
	}
	if cfg.Queue.RetryConsumerGroup == cfg.Queue.ConsumerGroup {
		return fmt.Errorf("queue retryConsumerGroup must differ from consumerGroup")
	}

	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 4
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = cfg.Worker.PoolSize
	}

	if cfg.Dispatch.MaxAttempts <= 0 {
		cfg.Dispatch.MaxAttempts = 3
	}
	if cfg.Dispatch.RetryDelay == 0 {
		cfg.Dispatch.RetryDelay = 60 * time.Second
	}
	if cfg.Dispatch.LockTTL == 0 {
		cfg.Dispatch.LockTTL = 10 * time.Minute
	}
	if cfg.Dispatch.StatusCacheTTL == 0 {
		cfg.Dispatch.StatusCacheTTL = 30 * time.Second
	}

	if cfg.Sweeper.Enabled == nil {
		enabled := true
		cfg.Sweeper.Enabled = &enabled
	}
	if cfg.Sweeper.Interval == 0 {
		cfg.Sweeper.Interval = 2 * time.Minute
	}
	if cfg.Sweeper.StuckTimeout == 0 {
		cfg.Sweeper.StuckTimeout = 5 * time.Minute
	}
	if cfg.Sweeper.BatchSize <= 0 {
		cfg.Sweeper.BatchSize = 100
	}
	if cfg.Sweeper.RatePerSecond <= 0 {
		cfg.Sweeper.RatePerSecond = 20
	}

	if cfg.Runner.HTTPTimeout == 0 {
		cfg.Runner.HTTPTimeout = 10 * time.Second
	}
	if cfg.Runner.ConsoleTimeout == 0 {
		cfg.Runner.ConsoleTimeout = 30 * time.Second
	}

	if cfg.Archive.Enabled {
		if cfg.MinIO.Endpoint == "" {
			return fmt.Errorf("minio endpoint is required when the archive is enabled")
		}
		if cfg.Archive.Bucket == "" {
			cfg.Archive.Bucket = "grading-logs"
		}
	}
	if cfg.Admin.Issuer == "" {
		cfg.Admin.Issuer = "gradeflow"
	}
	return nil
}

func (d DatabaseConfig) toMySQLConfig() db.MySQLConfig {
	return db.MySQLConfig{
		DSN:                d.DSN,
		MaxOpenConnections: d.MaxOpenConnections,
		MaxIdleConnections: d.MaxIdleConnections,
		ConnMaxLifetime:    d.ConnMaxLifetime,
		ConnMaxIdleTime:    d.ConnMaxIdleTime,
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		Compression:  parseCompression(k.Compression),
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		DialTimeout:  k.DialTimeout,
	}
}

// subscribeOptions builds the options for one topic subscription. Each topic
// gets its own consumer group so a rebalance on one never stalls the other.
func (q QueueConfig) subscribeOptions(group string) *mq.SubscribeOptions {
	opts := &mq.SubscribeOptions{
		ConsumerGroup: group,
		Concurrency:   q.Concurrency,
		// Grading failures are retried through the retry topic; in-place
		// redelivery only covers publish failures.
		MaxRetries:      3,
		RetryDelay:      2 * time.Second,
		DeadLetterTopic: q.DeadLetterTopic,
	}
	opts.SetDefaults()
	return opts
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}
