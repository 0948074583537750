package api

import (
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/quarryhq/quarry-cli/internal/output"
)

// Policy controls retry attempts and exponential backoff.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultPolicy returns the standard retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
	}
}

// Attempts returns how many attempts the policy allows, never below 1.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait after failed attempt n (1-based): InitialDelay
// doubled per attempt, capped at MaxDelay, then perturbed by up to
// ±JitterFactor/2 of itself. Never negative.
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFactor > 0 {
		delay += time.Duration((rand.Float64() - 0.5) * p.JitterFactor * float64(delay)) //nolint:gosec // G404: jitter needs no crypto rand
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// idempotentMethods are safe to re-send after a transient failure.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodDelete:  true,
}

// Idempotent reports whether method may be retried at all.
func Idempotent(method string) bool {
	return idempotentMethods[strings.ToUpper(method)]
}

// Retryable reports whether a failed request may be re-attempted: the
// method must be idempotent AND the failure transient (server 5xx or
// network/timeout). Auth, validation, not-found, and rate-limit
// failures are terminal no matter how many attempts remain.
func Retryable(method string, err error) bool {
	if err == nil || !Idempotent(method) {
		return false
	}
	return output.AsError(err).Retryable
}
