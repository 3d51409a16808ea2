package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Logger        LoggerConfig        `yaml:"logger"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Notify        NotifyConfig        `yaml:"notify"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Redis         RedisConfig         `yaml:"redis"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	RunLog        RunLogConfig        `yaml:"run_log"`
}

type ServerConfig struct {
	HTTPPort int    `yaml:"http_port" env:"HTTP_PORT, default=8080"`
	GRPCPort int    `yaml:"grpc_port" env:"GRPC_PORT, default=9090"`
	Host     string `yaml:"host" env:"HOST, default=0.0.0.0"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DB_DRIVER, default=sqlite"`
	Host     string `yaml:"host" env:"DB_HOST, default=localhost"`
	Port     int    `yaml:"port" env:"DB_PORT, default=5432"`
	User     string `yaml:"user" env:"DB_USER, default=postgres"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	DBName   string `yaml:"dbname" env:"DB_NAME, default=alerts.db"`
	SSLMode  string `yaml:"sslmode" env:"DB_SSLMODE, default=disable"`
	LogLevel string `yaml:"log_level" env:"DB_LOG_LEVEL, default=warn"` // silent, error, warn, info
}

type LoggerConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL, default=info"`    // debug, info, warn, error
	Output string `yaml:"output" env:"LOG_OUTPUT, default=stdout"` // stdout, stderr, or file path
}

// AlertsConfig 告警规则引擎配置
type AlertsConfig struct {
	DedupWindow time.Duration `yaml:"dedup_window" env:"ALERT_DEDUP_WINDOW, default=1h"`
}

// NotifyConfig 通知分发配置
type NotifyConfig struct {
	Driver       string        `yaml:"driver" env:"NOTIFY_DRIVER, default=log"` // http, kafka, log
	FunctionURL  string        `yaml:"function_url" env:"NOTIFY_FUNCTION_URL"`  // send-notification 函数地址
	ServiceKey   string        `yaml:"service_key" env:"NOTIFY_SERVICE_KEY"`
	Timeout      time.Duration `yaml:"timeout" env:"NOTIFY_TIMEOUT, default=10s"`
	PollInterval time.Duration `yaml:"poll_interval" env:"NOTIFY_POLL_INTERVAL, default=5s"`
	BatchSize    int           `yaml:"batch_size" env:"NOTIFY_BATCH_SIZE, default=50"`
	MaxAttempts  int           `yaml:"max_attempts" env:"NOTIFY_MAX_ATTEMPTS, default=5"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS, default=localhost:9092"`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC_NOTIFICATIONS, default=notifications.alerts"`
}

type ElasticsearchConfig struct {
	Enabled     bool     `yaml:"enabled" env:"ES_ENABLED, default=false"`                  // 是否启用 Elasticsearch
	Addresses   []string `yaml:"addresses" env:"ES_ADDRESSES, default=http://localhost:9200"` // ES 节点地址
	Username    string   `yaml:"username" env:"ES_USERNAME"`
	Password    string   `yaml:"password" env:"ES_PASSWORD"`
	IndexPrefix string   `yaml:"index_prefix" env:"ES_INDEX_PREFIX, default=shopopti-alerts"` // 索引前缀
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" env:"REDIS_ENABLED, default=false"`
	Addr     string `yaml:"addr" env:"REDIS_ADDR, default=localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB, default=0"`
}

// SchedulerConfig 定时检查配置
type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled" env:"SCHEDULER_ENABLED, default=false"`
	Interval time.Duration `yaml:"interval" env:"SCHEDULER_INTERVAL, default=15m"`
	Workers  int           `yaml:"workers" env:"SCHEDULER_WORKERS, default=4"`
	LockTTL  time.Duration `yaml:"lock_ttl" env:"SCHEDULER_LOCK_TTL, default=10m"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS, default=20"`
	Burst             int     `yaml:"burst" env:"RATE_LIMIT_BURST, default=40"`
}

type RunLogConfig struct {
	Dir string `yaml:"dir" env:"RUN_LOG_DIR, default=logs"`
}

// LoadFromFile 从文件加载配置
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// 设置默认值
	setDefaults(&config)

	return &config, nil
}

// SaveToFile 保存配置到文件
func SaveToFile(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load 从环境变量加载配置
func Load(ctx context.Context) (*Config, error) {
	var config Config
	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	return &config, nil
}

// setDefaults 设置默认值
func setDefaults(config *Config) {
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 8080
	}
	if config.Server.GRPCPort == 0 {
		config.Server.GRPCPort = 9090
	}
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Database.Driver == "" {
		config.Database.Driver = "sqlite"
	}
	if config.Database.DBName == "" {
		config.Database.DBName = "alerts.db"
	}
	if config.Database.LogLevel == "" {
		config.Database.LogLevel = "warn"
	}
	if config.Logger.Level == "" {
		config.Logger.Level = "info"
	}
	if config.Logger.Output == "" {
		config.Logger.Output = "stdout"
	}
	if config.Alerts.DedupWindow == 0 {
		config.Alerts.DedupWindow = time.Hour
	}
	if config.Notify.Driver == "" {
		config.Notify.Driver = "log"
	}
	if config.Notify.Timeout == 0 {
		config.Notify.Timeout = 10 * time.Second
	}
	if config.Notify.PollInterval == 0 {
		config.Notify.PollInterval = 5 * time.Second
	}
	if config.Notify.BatchSize == 0 {
		config.Notify.BatchSize = 50
	}
	if config.Notify.MaxAttempts == 0 {
		config.Notify.MaxAttempts = 5
	}
	if len(config.Kafka.Brokers) == 0 {
		config.Kafka.Brokers = []string{"localhost:9092"}
	}
	if config.Kafka.Topic == "" {
		config.Kafka.Topic = "notifications.alerts"
	}
	if len(config.Elasticsearch.Addresses) == 0 {
		config.Elasticsearch.Addresses = []string{"http://localhost:9200"}
	}
	if config.Elasticsearch.IndexPrefix == "" {
		config.Elasticsearch.IndexPrefix = "shopopti-alerts"
	}
	if config.Redis.Addr == "" {
		config.Redis.Addr = "localhost:6379"
	}
	if config.Scheduler.Interval == 0 {
		config.Scheduler.Interval = 15 * time.Minute
	}
	if config.Scheduler.Workers == 0 {
		config.Scheduler.Workers = 4
	}
	if config.Scheduler.LockTTL == 0 {
		config.Scheduler.LockTTL = 10 * time.Minute
	}
	if config.RateLimit.RequestsPerSecond == 0 {
		config.RateLimit.RequestsPerSecond = 20
	}
	if config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = 40
	}
	if config.RunLog.Dir == "" {
		config.RunLog.Dir = "logs"
	}
}

// Redacted 返回隐藏敏感字段后的配置副本
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Database.Password != "" {
		cp.Database.Password = "******"
	}
	if cp.Notify.ServiceKey != "" {
		cp.Notify.ServiceKey = "******"
	}
	if cp.Elasticsearch.Password != "" {
		cp.Elasticsearch.Password = "******"
	}
	if cp.Redis.Password != "" {
		cp.Redis.Password = "******"
	}
	return &cp
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	// 验证服务器配置
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort < 1 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	// 验证数据库配置
	validDrivers := map[string]bool{
		"sqlite":   true,
		"mysql":    true,
		"postgres": true,
	}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Database.Driver != "sqlite" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host cannot be empty for %s", c.Database.Driver)
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("invalid database port: %d", c.Database.Port)
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user cannot be empty for %s", c.Database.Driver)
		}
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}

	// 验证日志配置
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logger.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logger.Level)
	}

	if c.Alerts.DedupWindow <= 0 {
		return fmt.Errorf("alert dedup window must be positive")
	}

	// 验证通知配置
	switch c.Notify.Driver {
	case "http":
		if c.Notify.FunctionURL == "" {
			return fmt.Errorf("notify function_url cannot be empty for http driver")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("kafka brokers and topic are required for kafka driver")
		}
	case "log":
	default:
		return fmt.Errorf("invalid notify driver: %s", c.Notify.Driver)
	}
	if c.Notify.MaxAttempts < 1 {
		return fmt.Errorf("notify max attempts must be at least 1")
	}
	if c.Notify.BatchSize < 1 {
		return fmt.Errorf("notify batch size must be at least 1")
	}

	if c.Elasticsearch.Enabled && len(c.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch addresses cannot be empty when enabled")
	}

	if c.Scheduler.Enabled {
		if c.Scheduler.Interval < time.Minute {
			return fmt.Errorf("scheduler interval must be at least 1 minute")
		}
		if c.Scheduler.Workers < 1 {
			return fmt.Errorf("scheduler workers must be at least 1")
		}
	}

	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("invalid rate limit settings")
	}

	return nil
}
