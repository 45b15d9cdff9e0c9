package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	VBlog       VBlogConfig       `yaml:"vblog"`
	Brudam      BrudamConfig      `yaml:"brudam"`
	FreightLink FreightLinkConfig `yaml:"freightlink"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	StatusChangedTopicName   string `yaml:"status_changed_topic_name"`
	StatusRequestedTopicName string `yaml:"status_requested_topic_name"`
	SyncCompletedTopicName   string `yaml:"sync_completed_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// VBlogConfig holds the document-exchange provider account.
type VBlogConfig struct {
	BaseURL        string `yaml:"base_url"`
	CNPJ           string `yaml:"cnpj"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxAttempts    int    `yaml:"max_attempts"`
	Breaker        bool   `yaml:"breaker"`
}

// BrudamConfig holds the tracking provider account.
type BrudamConfig struct {
	TrackingURL    string `yaml:"tracking_url"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Client         string `yaml:"client"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxAttempts    int    `yaml:"max_attempts"`
	Breaker        bool   `yaml:"breaker"`
}

type FreightLinkConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	WorkerHTTPAddr     string `yaml:"worker_http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	APIRateLimitPerMinute int      `yaml:"api_rate_limit_per_minute"`
	CORSAllowedOrigins    []string `yaml:"cors_allowed_origins"`

	// Secret used to derive the XML encryption key. Changing it makes stored XML unreadable.
	EncryptionSecret string `yaml:"encryption_secret"`

	AttachmentsDir     string `yaml:"attachments_dir"`
	AttachmentsBaseURL string `yaml:"attachments_base_url"`

	DocumentCacheTTLSeconds int `yaml:"document_cache_ttl_seconds"`
	EventsCacheTTLSeconds   int `yaml:"events_cache_ttl_seconds"`

	TrackingRateLimitPerMinute int `yaml:"tracking_rate_limit_per_minute"`

	SyncIntervalSeconds     int `yaml:"sync_interval_seconds"`
	SyncIntervalMaxSeconds  int `yaml:"sync_interval_max_seconds"`
	SyncInitialDelaySeconds int `yaml:"sync_initial_delay_seconds"`
	SyncConcurrency         int `yaml:"sync_concurrency"`
	SyncBackoff1Seconds     int `yaml:"sync_backoff_1_seconds"`
	SyncBackoff2Seconds     int `yaml:"sync_backoff_2_seconds"`
	SyncBackoff3Seconds     int `yaml:"sync_backoff_3_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

// PostgresDSN builds the pgx connection string, defaulting sslmode to disable.
func (c *Config) PostgresDSN() string {
	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.DBName, sslMode)
}

func (c *Config) KafkaBrokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Kafka.Host, c.Kafka.Port)}
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
