package relay

import "time"

// Config holds configuration for the relay registry.
type Config struct {
	// MaxWorkers limits concurrent relay workers.
	// 0 means unlimited.
	MaxWorkers int

	// IdleTimeout is how long a worker can go without traffic before it
	// is closed. Lost workers are never expired.
	// 0 means no timeout.
	IdleTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers: 256,
	}
}
