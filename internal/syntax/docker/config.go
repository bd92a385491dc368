package docker

import (
	"time"
)

// Config holds the settings for the container-backed syntax checker.
type Config struct {
	// Image must provide a python executable on PATH.
	Image string

	// MemoryLimit in bytes (e.g., 64MB = 64 * 1024 * 1024)
	MemoryLimit int64

	// CPULimit as a fraction of one CPU
	CPULimit float64

	// Timeout bounds a single check
	Timeout time.Duration

	// PoolSize is the number of warm containers kept around
	PoolSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Image:       "python:3.12-alpine",
		MemoryLimit: 64 * 1024 * 1024,
		CPULimit:    0.25,
		Timeout:     5 * time.Second,
		PoolSize:    2,
	}
}
