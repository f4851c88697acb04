package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Realtime handshake auth
	JWTSecret string

	// Queue processor
	QueueMaxSize     int
	QueueWorkers     int
	QueueMaxAttempts int

	// Circuit breaker
	BreakerErrorThreshold  int
	BreakerVolumeThreshold int
	BreakerErrorRate       float64
	BreakerResetTimeout    time.Duration
	BreakerCallTimeout     time.Duration

	// Per-channel rate limits (sends per minute; 0 disables)
	EmailRateLimit int
	SMSRateLimit   int
	PushRateLimit  int

	// AWS services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// Push provider
	PushEndpointURL string
	PushAPIKey      string
	PushTokenPrefix string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Postgres is opt-in: an empty DBHost selects the in-memory
		// store, so the binary runs without a database.
		DBHost:     "",
		DBPort:     5432,
		DBUser:     "herald",
		DBPassword: "",
		DBName:     "herald",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		JWTSecret: "dev-secret-change-me",

		QueueMaxSize:     10000,
		QueueWorkers:     8,
		QueueMaxAttempts: 4,

		BreakerErrorThreshold:  5,
		BreakerVolumeThreshold: 10,
		BreakerErrorRate:       50,
		BreakerResetTimeout:    30 * time.Second,
		BreakerCallTimeout:     10 * time.Second,

		EmailRateLimit: 600,
		SMSRateLimit:   60,
		PushRateLimit:  1200,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@herald.local",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}

	// Queue config
	if size := os.Getenv("QUEUE_MAX_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_MAX_SIZE: %w", err)
		}
		cfg.QueueMaxSize = s
	}

	if workers := os.Getenv("QUEUE_WORKERS"); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_WORKERS: %w", err)
		}
		cfg.QueueWorkers = w
	}

	if attempts := os.Getenv("QUEUE_MAX_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_MAX_ATTEMPTS: %w", err)
		}
		cfg.QueueMaxAttempts = a
	}

	// Breaker config
	if v := os.Getenv("BREAKER_ERROR_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_ERROR_THRESHOLD: %w", err)
		}
		cfg.BreakerErrorThreshold = n
	}

	if v := os.Getenv("BREAKER_VOLUME_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_VOLUME_THRESHOLD: %w", err)
		}
		cfg.BreakerVolumeThreshold = n
	}

	if v := os.Getenv("BREAKER_ERROR_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_ERROR_RATE: %w", err)
		}
		cfg.BreakerErrorRate = r
	}

	if v := os.Getenv("BREAKER_RESET_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_RESET_TIMEOUT: %w", err)
		}
		cfg.BreakerResetTimeout = d
	}

	if v := os.Getenv("BREAKER_CALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_CALL_TIMEOUT: %w", err)
		}
		cfg.BreakerCallTimeout = d
	}

	// Rate limits
	if v := os.Getenv("EMAIL_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid EMAIL_RATE_LIMIT: %w", err)
		}
		cfg.EmailRateLimit = n
	}

	if v := os.Getenv("SMS_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SMS_RATE_LIMIT: %w", err)
		}
		cfg.SMSRateLimit = n
	}

	if v := os.Getenv("PUSH_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_RATE_LIMIT: %w", err)
		}
		cfg.PushRateLimit = n
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// Push provider
	if url := os.Getenv("PUSH_ENDPOINT_URL"); url != "" {
		cfg.PushEndpointURL = url
	}

	if key := os.Getenv("PUSH_API_KEY"); key != "" {
		cfg.PushAPIKey = key
	}

	if prefix := os.Getenv("PUSH_TOKEN_PREFIX"); prefix != "" {
		cfg.PushTokenPrefix = prefix
	}

	return cfg, nil
}
