package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBFile          string
	Addr            string
	BaseURL         string
	UploadsPath     string
	SignSecret      string
	SignValidity    time.Duration
	SignMargin      time.Duration
	ToleranceWindow time.Duration
	UnreadPoll      time.Duration
	ScrollThreshold int
}

func Load() (*Config, error) {
	signValidity, err := time.ParseDuration(getEnv("SIGN_VALIDITY", "1h"))
	if err != nil {
		return nil, err
	}
	signMargin, err := time.ParseDuration(getEnv("SIGN_MARGIN", "10m"))
	if err != nil {
		return nil, err
	}
	tolerance, err := time.ParseDuration(getEnv("TOLERANCE_WINDOW", "5s"))
	if err != nil {
		return nil, err
	}
	unreadPoll, err := time.ParseDuration(getEnv("UNREAD_POLL", "30s"))
	if err != nil {
		return nil, err
	}
	scrollThreshold, err := strconv.Atoi(getEnv("SCROLL_THRESHOLD", "48"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCROLL_THRESHOLD: %w", err)
	}

	cfg := &Config{
		DBFile:          getEnv("PARLEY_DB", "parley.db"),
		Addr:            getEnv("PARLEY_ADDR", "localhost:8080"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:     getEnv("UPLOADS_PATH", "uploads"),
		SignSecret:      os.Getenv("SIGN_SECRET"),
		SignValidity:    signValidity,
		SignMargin:      signMargin,
		ToleranceWindow: tolerance,
		UnreadPoll:      unreadPoll,
		ScrollThreshold: scrollThreshold,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SignSecret == "" {
		return fmt.Errorf("SIGN_SECRET is required")
	}

	if c.SignValidity <= 0 {
		return fmt.Errorf("SIGN_VALIDITY must be greater than 0")
	}

	if c.SignMargin <= 0 || c.SignMargin >= c.SignValidity {
		return fmt.Errorf("SIGN_MARGIN must be positive and smaller than SIGN_VALIDITY")
	}

	if c.ToleranceWindow <= 0 {
		return fmt.Errorf("TOLERANCE_WINDOW must be greater than 0")
	}

	if c.ScrollThreshold <= 0 {
		return fmt.Errorf("SCROLL_THRESHOLD must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
