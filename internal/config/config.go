package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBFile            string
	ListenAddr        string
	UploadsPath       string
	AuthSecret        string
	HeartbeatInterval time.Duration
	OnlineThreshold   time.Duration
	DedupWindow       time.Duration
	SweepInterval     time.Duration
	VAPIDPublicKey    string
	VAPIDPrivateKey   string
	PushContact       string
}

func Load() (*Config, error) {
	heartbeat, err := time.ParseDuration(getEnv("HEARTBEAT_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL: %w", err)
	}

	threshold, err := time.ParseDuration(getEnv("ONLINE_THRESHOLD", "3m"))
	if err != nil {
		return nil, fmt.Errorf("invalid ONLINE_THRESHOLD: %w", err)
	}

	window, err := time.ParseDuration(getEnv("DEDUP_WINDOW", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEDUP_WINDOW: %w", err)
	}

	sweep, err := time.ParseDuration(getEnv("SWEEP_INTERVAL", "10m"))
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
	}

	cfg := &Config{
		DBFile:            getEnv("PALAVER_DB", "palaver.db"),
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		UploadsPath:       getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:        os.Getenv("AUTH_SECRET"),
		HeartbeatInterval: heartbeat,
		OnlineThreshold:   threshold,
		DedupWindow:       window,
		SweepInterval:     sweep,
		VAPIDPublicKey:    os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:   os.Getenv("VAPID_PRIVATE_KEY"),
		PushContact:       getEnv("PUSH_CONTACT", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be greater than 0")
	}
	if c.OnlineThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("ONLINE_THRESHOLD must be greater than HEARTBEAT_INTERVAL")
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("DEDUP_WINDOW must be greater than 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
