package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Port              string
	AppEnv            string
	LogLevel          string
	CORSAllowedOrigin string
	PublicURL         string

	HistoryDBPath        string
	HistoryRetention     time.Duration
	HistoryPruneInterval time.Duration

	WSMessagesPerSecond float64
	WSMessageBurst      int

	MDNSEnabled bool
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Load reads .env when present, then the process environment
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults to unset values
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Port:              getenv("PORT"),
		AppEnv:            getenv("APP_ENV"),
		LogLevel:          getenv("LOG_LEVEL"),
		CORSAllowedOrigin: getenv("CORS_ALLOWED_ORIGIN"),
		PublicURL:         getenv("PUBLIC_URL"),
		HistoryDBPath:     getenv("HISTORY_DB_PATH"),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if _, err := strconv.ParseUint(cfg.Port, 10, 16); err != nil {
		return nil, fmt.Errorf("%w: PORT %q", ErrInvalid, cfg.Port)
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	if cfg.CORSAllowedOrigin == "" {
		cfg.CORSAllowedOrigin = "*"
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:" + cfg.Port
	}
	if cfg.HistoryDBPath == "" {
		cfg.HistoryDBPath = ":memory:"
	}

	var err error
	if cfg.HistoryRetention, err = duration(getenv, "HISTORY_RETENTION", 168*time.Hour); err != nil {
		return nil, err
	}
	if cfg.HistoryPruneInterval, err = duration(getenv, "HISTORY_PRUNE_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}

	if v := getenv("WS_MESSAGES_PER_SECOND"); v != "" {
		cfg.WSMessagesPerSecond, err = strconv.ParseFloat(v, 64)
		if err != nil || cfg.WSMessagesPerSecond <= 0 {
			return nil, fmt.Errorf("%w: WS_MESSAGES_PER_SECOND %q", ErrInvalid, v)
		}
	} else {
		cfg.WSMessagesPerSecond = 100
	}
	if v := getenv("WS_MESSAGE_BURST"); v != "" {
		cfg.WSMessageBurst, err = strconv.Atoi(v)
		if err != nil || cfg.WSMessageBurst <= 0 {
			return nil, fmt.Errorf("%w: WS_MESSAGE_BURST %q", ErrInvalid, v)
		}
	} else {
		cfg.WSMessageBurst = 200
	}

	if v := getenv("MDNS_ENABLED"); v != "" {
		cfg.MDNSEnabled, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: MDNS_ENABLED %q", ErrInvalid, v)
		}
	}

	return cfg, nil
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalid, key, v)
	}
	return d, nil
}
