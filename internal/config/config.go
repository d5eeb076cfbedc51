package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Offline queue backends.
const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Connection health
	HeartbeatInterval         time.Duration
	HeartbeatTimeout          time.Duration
	HeartbeatFailureThreshold int
	MaxRecoveryAttempts       int
	RecoveryBackoff           time.Duration

	// Offline queue
	OfflineQueueBackend string
	OfflineQueueMax     int
	OfflineQueueTTL     time.Duration

	// Delivery tracking
	DeliveryRetention     time.Duration
	DeliveryPruneInterval time.Duration

	// WebSocket connections
	WSSendBuffer      int
	WSWriteTimeout    time.Duration
	WSMaxMessageBytes int64

	// Auth
	JWTSecret string
	JWTIssuer string

	// Redis config
	RedisEnabled  bool
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Postgres delivery archive
	DBEnabled  bool
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// AWS Services
	AWSRegion   string
	AWSEndpoint string // LocalStack
	SQSRegion   string
	SQSQueueURL string
	SNSRegion   string
	SNSTopicARN string

	// REST API
	APIRateLimit  int
	APIRateWindow time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		HeartbeatInterval:         30 * time.Second,
		HeartbeatTimeout:          10 * time.Second,
		HeartbeatFailureThreshold: 3,
		MaxRecoveryAttempts:       3,
		RecoveryBackoff:           5 * time.Second,

		OfflineQueueBackend: QueueBackendMemory,
		OfflineQueueTTL:     7 * 24 * time.Hour,

		DeliveryPruneInterval: 10 * time.Minute,

		WSSendBuffer:      64,
		WSWriteTimeout:    10 * time.Second,
		WSMaxMessageBytes: 64 * 1024,

		JWTIssuer: "hrpulse",

		RedisHost: "localhost",
		RedisPort: 6379,

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "hrpulse",
		DBName:    "hrpulse",
		DBSSLMode: "disable",

		AWSRegion: "us-east-1",

		APIRateLimit:  100,
		APIRateWindow: time.Minute,
	}

	var err error
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if err != nil {
			return
		}
		if v := os.Getenv(name); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", name, perr)
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v := os.Getenv(name); v != "" {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", name, perr)
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if err != nil {
			return
		}
		if v := os.Getenv(name); v != "" {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", name, perr)
				return
			}
			*dst = b
		}
	}

	num("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("ENV", &cfg.Env)

	dur("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	dur("HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout)
	num("HEARTBEAT_FAILURE_THRESHOLD", &cfg.HeartbeatFailureThreshold)
	num("MAX_RECOVERY_ATTEMPTS", &cfg.MaxRecoveryAttempts)
	dur("RECOVERY_BACKOFF", &cfg.RecoveryBackoff)

	str("OFFLINE_QUEUE_BACKEND", &cfg.OfflineQueueBackend)
	num("OFFLINE_QUEUE_MAX", &cfg.OfflineQueueMax)
	dur("OFFLINE_QUEUE_TTL", &cfg.OfflineQueueTTL)

	dur("DELIVERY_RETENTION", &cfg.DeliveryRetention)
	dur("DELIVERY_PRUNE_INTERVAL", &cfg.DeliveryPruneInterval)

	num("WS_SEND_BUFFER", &cfg.WSSendBuffer)
	dur("WS_WRITE_TIMEOUT", &cfg.WSWriteTimeout)
	maxBytes := int(cfg.WSMaxMessageBytes)
	num("WS_MAX_MESSAGE_BYTES", &maxBytes)
	cfg.WSMaxMessageBytes = int64(maxBytes)

	str("JWT_SECRET", &cfg.JWTSecret)
	str("JWT_ISSUER", &cfg.JWTIssuer)

	flag("REDIS_ENABLED", &cfg.RedisEnabled)
	str("REDIS_HOST", &cfg.RedisHost)
	num("REDIS_PORT", &cfg.RedisPort)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)

	flag("DB_ENABLED", &cfg.DBEnabled)
	str("DB_HOST", &cfg.DBHost)
	num("DB_PORT", &cfg.DBPort)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.DBSSLMode)

	str("AWS_REGION", &cfg.AWSRegion)
	str("AWS_ENDPOINT_URL", &cfg.AWSEndpoint)
	cfg.SQSRegion = cfg.AWSRegion
	str("SQS_REGION", &cfg.SQSRegion)
	str("SQS_QUEUE_URL", &cfg.SQSQueueURL)
	cfg.SNSRegion = cfg.AWSRegion
	str("SNS_REGION", &cfg.SNSRegion)
	str("SNS_TOPIC_ARN", &cfg.SNSTopicARN)

	num("API_RATE_LIMIT", &cfg.APIRateLimit)
	dur("API_RATE_WINDOW", &cfg.APIRateWindow)

	if err != nil {
		return nil, err
	}

	// The redis backend implies a Redis connection.
	if cfg.OfflineQueueBackend == QueueBackendRedis {
		cfg.RedisEnabled = true
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.OfflineQueueBackend {
	case QueueBackendMemory, QueueBackendRedis:
	default:
		return fmt.Errorf("invalid OFFLINE_QUEUE_BACKEND: %q", c.OfflineQueueBackend)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid HEARTBEAT_INTERVAL: must be positive")
	}
	if c.HeartbeatTimeout <= 0 || c.HeartbeatTimeout > c.HeartbeatInterval {
		return fmt.Errorf("invalid HEARTBEAT_TIMEOUT: must be positive and at most HEARTBEAT_INTERVAL")
	}
	if c.HeartbeatFailureThreshold < 1 {
		return fmt.Errorf("invalid HEARTBEAT_FAILURE_THRESHOLD: must be at least 1")
	}
	if c.MaxRecoveryAttempts < 1 {
		return fmt.Errorf("invalid MAX_RECOVERY_ATTEMPTS: must be at least 1")
	}
	if c.OfflineQueueMax < 0 {
		return fmt.Errorf("invalid OFFLINE_QUEUE_MAX: must not be negative")
	}
	if c.Env == "production" && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	return nil
}

// SQSEnabled reports whether the ingress bridge should run.
func (c *Config) SQSEnabled() bool { return c.SQSQueueURL != "" }

// SNSEnabled reports whether critical notifications are escalated.
func (c *Config) SNSEnabled() bool { return c.SNSTopicARN != "" }
