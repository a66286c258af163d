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

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS config
	SQSRegion          string
	OrderEventQueueURL string // order-registered handoff
	ReportQueueURL     string // asynchronous provider delivery reports

	// AWS Services
	AWSRegion          string
	SESFromEmail       string
	SNSRegion          string // AWS region for SNS (SMS)
	CompletionTopicARN string // SNS topic for order-completed events

	// Engine knobs
	NotificationExpiry   time.Duration // force-terminate hanging deliveries after this
	FeedRetention        time.Duration // status feed retention window
	OrderPollInterval    time.Duration
	DispatchPollInterval time.Duration
	SweepInterval        time.Duration
	DispatchBatchSize    int
	FeedPageSize         int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "notiq",
		DBPassword: "",
		DBName:     "notiq",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "eu-west-1",
		SESFromEmail: "noreply@notiq.local",

		NotificationExpiry:   48 * time.Hour,
		FeedRetention:        90 * 24 * time.Hour,
		OrderPollInterval:    10 * time.Second,
		DispatchPollInterval: 5 * time.Second,
		SweepInterval:        5 * time.Minute,
		DispatchBatchSize:    25,
		FeedPageSize:         50,
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

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("ORDER_EVENT_QUEUE_URL"); url != "" {
		cfg.OrderEventQueueURL = url
	}

	if url := os.Getenv("REPORT_QUEUE_URL"); url != "" {
		cfg.ReportQueueURL = url
	}

	// SNS config for SMS and completion events
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("COMPLETION_TOPIC_ARN"); arn != "" {
		cfg.CompletionTopicARN = arn
	}

	// Engine knobs
	if v := os.Getenv("NOTIFICATION_EXPIRY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid NOTIFICATION_EXPIRY: %w", err)
		}
		cfg.NotificationExpiry = d
	}

	if v := os.Getenv("FEED_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FEED_RETENTION: %w", err)
		}
		cfg.FeedRetention = d
	}

	if v := os.Getenv("ORDER_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ORDER_POLL_INTERVAL: %w", err)
		}
		cfg.OrderPollInterval = d
	}

	if v := os.Getenv("DISPATCH_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_POLL_INTERVAL: %w", err)
		}
		cfg.DispatchPollInterval = d
	}

	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = d
	}

	if v := os.Getenv("DISPATCH_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %w", err)
		}
		cfg.DispatchBatchSize = n
	}

	if v := os.Getenv("FEED_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FEED_PAGE_SIZE: %w", err)
		}
		cfg.FeedPageSize = n
	}

	return cfg, nil
}
