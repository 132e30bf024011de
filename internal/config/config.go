// Package config handles environment variable loading for the scheduler
// daemon: database strings, poll tuning, ports.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the scheduler daemon.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP port serving /metrics
	MetricsPort int

	// Number of jobs executed concurrently
	SchedulerConcurrency int

	// Base poll interval of the job acquisition loop
	SchedulerPollInterval time.Duration

	// Cap on the adaptive backoff when the queue is empty
	SchedulerMaxBackoff time.Duration

	// Duration of the job lock lease
	LockDuration time.Duration

	// Claimed jobs per second across the loop; 0 disables the limit
	AcquisitionRate float64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:           dbURL,
		MetricsPort:           9190,
		SchedulerConcurrency:  4,
		SchedulerPollInterval: 1 * time.Second,
		SchedulerMaxBackoff:   30 * time.Second,
		LockDuration:          5 * time.Minute,
	}

	if v := os.Getenv("METRICS_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid METRICS_PORT: %w", err)
		}
		cfg.MetricsPort = p
	}

	if v := os.Getenv("SCHEDULER_CONCURRENCY"); v != "" {
		c, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_CONCURRENCY: %w", err)
		}
		cfg.SchedulerConcurrency = c
	}

	if v := os.Getenv("SCHEDULER_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_POLL_INTERVAL: %w", err)
		}
		cfg.SchedulerPollInterval = d
	}

	if v := os.Getenv("SCHEDULER_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_MAX_BACKOFF: %w", err)
		}
		cfg.SchedulerMaxBackoff = d
	}

	if v := os.Getenv("LOCK_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LOCK_DURATION: %w", err)
		}
		cfg.LockDuration = d
	}

	if v := os.Getenv("ACQUISITION_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ACQUISITION_RATE: %w", err)
		}
		cfg.AcquisitionRate = r
	}

	return cfg, nil
}
