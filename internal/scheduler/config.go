package scheduler

import (
	"time"
)

// Config controls the tick interval and which jobs this process runs.
type Config struct {
	RunInterval     time.Duration
	OverdueInterval time.Duration
	BatchSize       int
	JobTimeout      time.Duration
	EnabledJobs     []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		OverdueInterval: time.Hour,
		BatchSize:       100,
		JobTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.OverdueInterval <= 0 {
		c.OverdueInterval = defaults.OverdueInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
