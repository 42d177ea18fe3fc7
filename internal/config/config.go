package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the relay service
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Transport   TransportConfig   `yaml:"transport"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Report      ReportConfig      `yaml:"report"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for ListenAndServe.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// AuthConfig holds the shared key callers present on job submission
type AuthConfig struct {
	Key string `yaml:"key"`
}

// DispatchConfig holds pipeline pacing and batching settings
type DispatchConfig struct {
	BatchSize                 int `yaml:"batch_size"`
	InterBatchDelayMS         int `yaml:"inter_batch_delay_ms"`
	Concurrency               int `yaml:"concurrency"`
	RatePerSecond             int `yaml:"rate_per_second"` // 0 disables intra-batch pacing
	AssumedThroughput         int `yaml:"assumed_throughput"`
	EventBuffer               int `yaml:"event_buffer"`
	StreamWriteTimeoutSeconds int `yaml:"stream_write_timeout_seconds"`
}

// InterBatchDelay returns the fixed pause between batches
func (c DispatchConfig) InterBatchDelay() time.Duration {
	return time.Duration(c.InterBatchDelayMS) * time.Millisecond
}

// StreamWriteTimeout returns the per-event write deadline on the progress stream
func (c DispatchConfig) StreamWriteTimeout() time.Duration {
	return time.Duration(c.StreamWriteTimeoutSeconds) * time.Second
}

// Source types understood by the credential package
const (
	SourceStatic = "static"
	SourceSQL    = "sql"
	SourceHTTP   = "http"
)

// CredentialsConfig lists the credential sources in rotation order
type CredentialsConfig struct {
	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig describes one named credential source
type SourceConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // "static", "sql" or "http"

	// static
	Identity string `yaml:"identity"`
	Secret   string `yaml:"secret"`
	Endpoint string `yaml:"endpoint"`
	Port     int    `yaml:"port"`

	// sql: rows are filtered by pool name
	Pool string `yaml:"pool"`

	// http
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the configured timeout as a duration
func (c SourceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TransportConfig selects how batches are delivered
type TransportConfig struct {
	Type           string `yaml:"type"` // "smtp" or "ses"
	FromName       string `yaml:"from_name"`
	FromAddress    string `yaml:"from_address"` // overrides the credential identity as sender
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RequireTLS     bool   `yaml:"require_tls"`
	SESRegion      string `yaml:"ses_region"`
}

// Timeout returns the configured timeout as a duration
func (c TransportConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DatabaseConfig holds the Postgres connection used by sql credential sources
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the Redis connection used for the cross-process job slot.
// An empty URL keeps the slot in-process.
type RedisConfig struct {
	URL            string `yaml:"url"`
	LockKey        string `yaml:"lock_key"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

// LockTTL returns the lock TTL as a duration
func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// ReportConfig holds job summary archive settings. Every backend is
// optional; the last summaries are always kept in memory.
type ReportConfig struct {
	HistorySize   int    `yaml:"history_size"`
	LocalPath     string `yaml:"local_path"`
	S3Bucket      string `yaml:"s3_bucket"`
	S3Region      string `yaml:"s3_region"` // also used for DynamoDB
	S3Prefix      string `yaml:"s3_prefix"`
	DynamoDBTable string `yaml:"dynamodb_table"`
	TTLDays       int    `yaml:"ttl_days"`    // DynamoDB item expiry, 0 keeps forever
	AWSProfile    string `yaml:"aws_profile"` // Empty string uses default credential chain
}

// UsesAWS reports whether any AWS archive backend is configured.
func (c ReportConfig) UsesAWS() bool {
	return c.S3Bucket != "" || c.DynamoDBTable != ""
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c ReportConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// LogConfig holds logger settings
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact returns whether PII redaction is on. Defaults to true.
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3333
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 25
	}
	if cfg.Dispatch.InterBatchDelayMS == 0 {
		cfg.Dispatch.InterBatchDelayMS = 1500
	}
	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = 5
	}
	if cfg.Dispatch.AssumedThroughput == 0 {
		cfg.Dispatch.AssumedThroughput = 50
	}
	if cfg.Dispatch.EventBuffer == 0 {
		cfg.Dispatch.EventBuffer = 64
	}
	if cfg.Dispatch.StreamWriteTimeoutSeconds == 0 {
		cfg.Dispatch.StreamWriteTimeoutSeconds = 10
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"http://localhost:5173", "http://localhost:3333"}
	}
	if cfg.Transport.Type == "" {
		cfg.Transport.Type = "smtp"
	}
	if cfg.Transport.TimeoutSeconds == 0 {
		cfg.Transport.TimeoutSeconds = 30
	}
	if cfg.Transport.SESRegion == "" {
		cfg.Transport.SESRegion = "us-west-2"
	}
	for i := range cfg.Credentials.Sources {
		s := &cfg.Credentials.Sources[i]
		if s.Type == SourceHTTP && s.TimeoutSeconds == 0 {
			s.TimeoutSeconds = 15
		}
		if s.Type == SourceStatic && s.Port == 0 {
			s.Port = 587
		}
	}
	if cfg.Redis.LockKey == "" {
		cfg.Redis.LockKey = "relay:dispatch"
	}
	if cfg.Redis.LockTTLSeconds == 0 {
		cfg.Redis.LockTTLSeconds = 6 * 60 * 60
	}
	if cfg.Report.S3Region == "" {
		cfg.Report.S3Region = "us-west-2"
	}
	if cfg.Report.HistorySize == 0 {
		cfg.Report.HistorySize = 20
	}
	if cfg.Report.S3Prefix == "" {
		cfg.Report.S3Prefix = "reports/"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("RELAY_AUTH_KEY"); v != "" {
		cfg.Auth.Key = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Transport.SESRegion = v
	}
	if v := os.Getenv("REPORT_S3_BUCKET"); v != "" {
		cfg.Report.S3Bucket = v
	}
	if v := os.Getenv("REPORT_DYNAMODB_TABLE"); v != "" {
		cfg.Report.DynamoDBTable = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}
