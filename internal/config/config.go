// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration, read from the environment.
// cmd/server loads .env via godotenv before calling Load.
type Config struct {
	Port string

	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	// Graph API settings for the primary delivery channel.
	GraphBaseURL     string
	GraphTimeout     time.Duration
	GraphRatePerSec  int
	UnavailableCodes []int // error codes meaning "recipient permanently unavailable"
	PolicyCodes      []int // error codes meaning "tag/messaging window rejected"

	// Fallback browser-automation sidecar.
	FallbackURL     string
	FallbackTimeout time.Duration

	// Optional AMQP progress publishing; empty URL disables it.
	AMQPURL      string
	AMQPExchange string

	// How long finished campaigns stay readable in the progress cache.
	CacheEvictDelay time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:             getenv("PORT", "8080"),
		DBUser:           os.Getenv("DB_USER"),
		DBPassword:       os.Getenv("DB_PASSWORD"),
		DBHost:           getenv("DB_HOST", "localhost"),
		DBPort:           getenv("DB_PORT", "5432"),
		DBName:           getenv("DB_NAME", "broadcast"),
		GraphBaseURL:     getenv("GRAPH_API_BASE_URL", "https://graph.facebook.com/v18.0"),
		GraphTimeout:     getDuration("GRAPH_API_TIMEOUT", 15*time.Second),
		GraphRatePerSec:  getInt("GRAPH_API_RATE_PER_SEC", 5),
		FallbackURL:      os.Getenv("FALLBACK_URL"),
		FallbackTimeout:  getDuration("FALLBACK_TIMEOUT", 30*time.Second),
		AMQPURL:          os.Getenv("AMQP_URL"),
		AMQPExchange:     getenv("AMQP_EXCHANGE", "campaign.progress"),
		CacheEvictDelay:  getDuration("CACHE_EVICT_DELAY", 30*time.Second),
	}

	var err error
	// Channel error codes are policy-specific and must stay configurable.
	cfg.UnavailableCodes, err = getCodes("FB_UNAVAILABLE_CODES", []int{551})
	if err != nil {
		return nil, err
	}
	cfg.PolicyCodes, err = getCodes("FB_POLICY_CODES", []int{10, 2018278})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// DSN builds the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getCodes(key string, def []int) ([]int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	var codes []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid error code %q", key, part)
		}
		codes = append(codes, n)
	}
	return codes, nil
}
