package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
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

	// Account owner this deployment serves
	OwnerID string

	// LINE channel credentials
	LineChannelSecret string
	LineChannelToken  string
	LineAPIBase       string

	// Scenario assigned when a friend first adds the account; optional
	DefaultScenarioID string

	// Engine settings
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int

	// Product context for message token substitution
	ProductName  string
	ProductPrice string
}

// Load reads configuration from environment variables with sensible
// defaults. A local .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "stepline",
		DBPassword: "",
		DBName:     "stepline",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		PollInterval: 5 * time.Second,
		BatchSize:    50,
		MaxRetries:   3,
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

	if owner := os.Getenv("OWNER_ID"); owner != "" {
		cfg.OwnerID = owner
	}

	if secret := os.Getenv("LINE_CHANNEL_SECRET"); secret != "" {
		cfg.LineChannelSecret = secret
	}

	if token := os.Getenv("LINE_CHANNEL_TOKEN"); token != "" {
		cfg.LineChannelToken = token
	}

	if base := os.Getenv("LINE_API_BASE"); base != "" {
		cfg.LineAPIBase = base
	}

	if id := os.Getenv("DEFAULT_SCENARIO_ID"); id != "" {
		cfg.DefaultScenarioID = id
	}

	if interval := os.Getenv("POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}

	if size := os.Getenv("BATCH_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = s
	}

	if retries := os.Getenv("MAX_RETRIES"); retries != "" {
		r, err := strconv.Atoi(retries)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = r
	}

	if name := os.Getenv("PRODUCT_NAME"); name != "" {
		cfg.ProductName = name
	}

	if price := os.Getenv("PRODUCT_PRICE"); price != "" {
		cfg.ProductPrice = price
	}

	return cfg, nil
}
