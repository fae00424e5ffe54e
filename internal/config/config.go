package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// AgentConfig captures all tunable parameters for the driver agent process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type AgentConfig struct {
	// Backend API.
	APIBaseURL     string
	RequestTimeout time.Duration

	// Local control/status HTTP server.
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Directions provider. An empty key is a supported configuration:
	// the estimator then runs on the geometric fallback only.
	DirectionsEndpoint string
	DirectionsAPIKey   string
	DirectionsTTL      time.Duration
	RouteTTL           time.Duration

	// Ride-search duty cycle.
	SearchActive time.Duration
	SearchPause  time.Duration
	SearchMax    time.Duration
	PollInterval time.Duration

	// Driver lifecycle timing.
	AuthCheckDelay time.Duration
	RefreshDelay   time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	LiveTrackURL string

	PGDSN string

	LogLevel string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		APIBaseURL:      "http://localhost:3000",
		RequestTimeout:  15 * time.Second,
		HTTPAddr:        ":8090",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		DirectionsTTL:   5 * time.Minute,
		RouteTTL:        10 * time.Minute,
		SearchActive:    30 * time.Second,
		SearchPause:     270 * time.Second,
		SearchMax:       15 * time.Minute,
		PollInterval:    5 * time.Second,
		AuthCheckDelay:  2 * time.Second,
		RefreshDelay:    1500 * time.Millisecond,
		KafkaTopic:      "driver-telemetry",
		LogLevel:        "info",
	}
}

func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	setStringFromEnv(&cfg.APIBaseURL, "API_BASE_URL")
	setDurationFromEnv(&cfg.RequestTimeout, "API_REQUEST_TIMEOUT", &errs)

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.DirectionsEndpoint, "DIRECTIONS_ENDPOINT")
	cfg.DirectionsAPIKey = strings.TrimSpace(os.Getenv("DIRECTIONS_API_KEY"))
	setDurationFromEnv(&cfg.DirectionsTTL, "DIRECTIONS_CACHE_TTL", &errs)
	setDurationFromEnv(&cfg.RouteTTL, "ROUTE_CACHE_TTL", &errs)

	setDurationFromEnv(&cfg.SearchActive, "SEARCH_ACTIVE_DURATION", &errs)
	setDurationFromEnv(&cfg.SearchPause, "SEARCH_PAUSE_DURATION", &errs)
	setDurationFromEnv(&cfg.SearchMax, "SEARCH_MAX_DURATION", &errs)
	setDurationFromEnv(&cfg.PollInterval, "POLL_INTERVAL", &errs)

	setDurationFromEnv(&cfg.AuthCheckDelay, "AUTH_CHECK_DELAY", &errs)
	setDurationFromEnv(&cfg.RefreshDelay, "COMPLETION_REFRESH_DELAY", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.LiveTrackURL, "LIVETRACK_URL")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.SearchActive <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_ACTIVE_DURATION must be > 0"))
	}
	if cfg.SearchPause <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_PAUSE_DURATION must be > 0"))
	}
	if cfg.SearchMax < cfg.SearchActive {
		errs = append(errs, fmt.Errorf("SEARCH_MAX_DURATION must be >= SEARCH_ACTIVE_DURATION"))
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
