// Package config loads gateway configuration from environment
// variables, falling back to the documented defaults. Durations are
// configured in milliseconds.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all tunables of the gateway process.
type Config struct {
	// GatewayID identifies this replica in leases. Required.
	GatewayID string

	// HTTPPort is the listen port for the ws/health server.
	HTTPPort string

	// Lease protocol.
	LeaseTimeout         time.Duration // lease lifetime
	LeaseRefreshInterval time.Duration // renewal period

	// Cleanup loop.
	CleanupInterval   time.Duration
	IdleTimeout       time.Duration // session idle → stopped
	StaleLeaseTimeout time.Duration // grace after lease expiry
	MaxSessionAge     time.Duration

	// Actor.
	MaxRecentEvents   int
	SubscriberBuffer  int           // per-subscriber send queue capacity
	HeartbeatInterval time.Duration // advertised in hello_ok

	// Persistence writer.
	WriterBatchSize     int
	WriterFlushInterval time.Duration
	WriterMaxQueueSize  int

	// WebSocket write timeout per frame.
	WriteTimeout time.Duration
}

// Default returns the configuration with all documented defaults and no
// gateway id.
func Default() Config {
	return Config{
		HTTPPort:             "8080",
		LeaseTimeout:         30 * time.Second,
		LeaseRefreshInterval: 10 * time.Second,
		CleanupInterval:      60 * time.Second,
		IdleTimeout:          30 * time.Minute,
		StaleLeaseTimeout:    60 * time.Second,
		MaxSessionAge:        7 * 24 * time.Hour,
		MaxRecentEvents:      1000,
		SubscriberBuffer:     64,
		HeartbeatInterval:    30 * time.Second,
		WriterBatchSize:      50,
		WriterFlushInterval:  100 * time.Millisecond,
		WriterMaxQueueSize:   10000,
		WriteTimeout:         10 * time.Second,
	}
}

// Load builds a Config from the environment. GATEWAY_ID is required
// (main falls back to POD_ID/HOSTNAME before calling Load).
func Load() (Config, error) {
	cfg := Default()

	cfg.GatewayID = os.Getenv("GATEWAY_ID")
	if cfg.GatewayID == "" {
		return Config{}, fmt.Errorf("GATEWAY_ID is required")
	}

	cfg.HTTPPort = getEnvOrDefault("HTTP_PORT", cfg.HTTPPort)

	var err error
	if cfg.LeaseTimeout, err = envMillis("LEASE_TIMEOUT_MS", cfg.LeaseTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LeaseRefreshInterval, err = envMillis("LEASE_REFRESH_INTERVAL_MS", cfg.LeaseRefreshInterval); err != nil {
		return Config{}, err
	}
	if cfg.CleanupInterval, err = envMillis("CLEANUP_INTERVAL_MS", cfg.CleanupInterval); err != nil {
		return Config{}, err
	}
	if cfg.IdleTimeout, err = envMillis("IDLE_TIMEOUT_MS", cfg.IdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.StaleLeaseTimeout, err = envMillis("STALE_LEASE_TIMEOUT_MS", cfg.StaleLeaseTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxSessionAge, err = envMillis("MAX_SESSION_AGE_MS", cfg.MaxSessionAge); err != nil {
		return Config{}, err
	}
	if cfg.WriterFlushInterval, err = envMillis("WRITER_FLUSH_INTERVAL_MS", cfg.WriterFlushInterval); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = envMillis("HEARTBEAT_INTERVAL_MS", cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.MaxRecentEvents, err = envInt("MAX_RECENT_EVENTS", cfg.MaxRecentEvents); err != nil {
		return Config{}, err
	}
	if cfg.SubscriberBuffer, err = envInt("SUBSCRIBER_BUFFER", cfg.SubscriberBuffer); err != nil {
		return Config{}, err
	}
	if cfg.WriterBatchSize, err = envInt("WRITER_BATCH_SIZE", cfg.WriterBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.WriterMaxQueueSize, err = envInt("WRITER_MAX_QUEUE_SIZE", cfg.WriterMaxQueueSize); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envMillis(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, val)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func envInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, val)
	}
	return n, nil
}
