package resilience

import (
	"time"
)

// Config tunes the request guards. Zero values take defaults.
type Config struct {
	// FailureThreshold is how many consecutive breaker-relevant
	// failures open the circuit.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is how many half-open successes close the
	// circuit again.
	// Default: 2
	SuccessThreshold int

	// Cooldown is how long an open circuit rejects requests before a
	// recovery probe is allowed.
	// Default: 30 seconds
	Cooldown time.Duration

	// MaxConcurrent caps in-flight requests per host across all qry
	// invocations.
	// Default: 8
	MaxConcurrent int
}

// DefaultConfig returns the standard guard tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		MaxConcurrent:    8,
	}
}
