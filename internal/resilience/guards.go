package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quarryhq/quarry-cli/internal/api"
	"github.com/quarryhq/quarry-cli/internal/output"
)

// Verify Guards satisfies the client's gating contract at compile time.
var _ api.GuardSet = (*Guards)(nil)

// Guards gates requests per host: rate-limit cooldowns reject first,
// then the in-flight cap, then the circuit breaker. All verdicts for
// one request are computed in a single state transaction, so a
// rejection never leaves a reserved slot behind.
type Guards struct {
	store  *Store
	config Config
	clock  clockwork.Clock
	logger *slog.Logger
	pid    int
}

// NewGuards creates guards backed by the given store.
func NewGuards(store *Store, config Config) *Guards {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 8
	}

	return &Guards{
		store:  store,
		config: config,
		clock:  clockwork.NewRealClock(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		pid:    os.Getpid(),
	}
}

// SetLogger replaces the guards' logger.
func (g *Guards) SetLogger(logger *slog.Logger) {
	if logger != nil {
		g.logger = logger
	}
}

// Allow admits or rejects a request for host. A nil return means the
// caller holds an in-flight slot and must call Release when done.
// Store failures admit the request (fail open).
func (g *Guards) Allow(host string) error {
	var reject *output.Error

	err := g.store.Update(func(state *State) error {
		h := state.Host(host)
		now := g.clock.Now()

		if remaining := h.CooldownRemaining(now); remaining > 0 {
			reject = output.ErrRateLimited(remaining)
			return nil
		}

		g.reapDead(h)
		if len(h.InFlight) >= g.config.MaxConcurrent && !h.HasPID(g.pid) {
			reject = output.ErrUnavailable(0, "Too many concurrent requests")
			reject.Hint = "Wait for other qry invocations to finish"
			return nil
		}

		// The breaker is judged last: past this point the request is
		// admitted, so the probe reservation below cannot leak.
		br := &h.Breaker
		switch {
		case br.IsOpen():
			elapsed := now.Sub(br.OpenedAt)
			if elapsed < g.config.Cooldown {
				reject = output.ErrUnavailable(0, "Service unavailable (circuit open)")
				reject.Hint = fmt.Sprintf("Requests resume in %s", (g.config.Cooldown - elapsed).Round(time.Second))
				return nil
			}
			br.State = CircuitHalfOpen
			br.Successes = 0
			br.ProbePID = g.pid
		case br.IsHalfOpen():
			if br.ProbePID != 0 && br.ProbePID != g.pid && isProcessAlive(br.ProbePID) {
				reject = output.ErrUnavailable(0, "Service recovery probe in progress")
				reject.Hint = "Try again shortly"
				return nil
			}
			br.ProbePID = g.pid
		}

		h.AddPID(g.pid)
		state.UpdatedAt = now
		return nil
	})
	if err != nil {
		g.logger.Debug("guard state unavailable, admitting request", "host", host, "error", err)
		return nil
	}

	if reject != nil {
		return reject
	}
	return nil
}

// Release frees this invocation's in-flight slot for host.
func (g *Guards) Release(host string) {
	err := g.store.Update(func(state *State) error {
		h := state.Host(host)
		h.RemovePID(g.pid)
		state.UpdatedAt = g.clock.Now()
		return nil
	})
	if err != nil {
		g.logger.Debug("guard state unavailable on release", "host", host, "error", err)
	}
}

// RecordSuccess notes a request that ultimately succeeded.
func (g *Guards) RecordSuccess(host string) {
	err := g.store.Update(func(state *State) error {
		h := state.Host(host)
		br := &h.Breaker
		now := g.clock.Now()

		switch {
		case br.IsHalfOpen():
			br.Successes++
			br.ProbePID = 0
			if br.Successes >= g.config.SuccessThreshold {
				*br = BreakerState{State: CircuitClosed}
			}
		case br.IsClosed():
			br.Failures = 0
		}

		state.UpdatedAt = now
		return nil
	})
	if err != nil {
		g.logger.Debug("guard state unavailable on success", "host", host, "error", err)
	}
}

// RecordFailure notes a request's final error. Rate limits extend the
// host cooldown; unavailable and network outcomes advance the breaker;
// everything else, including user cancellation, is not the host's
// fault and leaves the guards untouched.
func (g *Guards) RecordFailure(host string, reqErr error) {
	apiErr := output.AsError(reqErr)
	rateLimited := apiErr.Code == output.CodeRateLimited && apiErr.RetryAfter > 0
	if !rateLimited && !breakerRelevant(reqErr) {
		return
	}

	err := g.store.Update(func(state *State) error {
		h := state.Host(host)
		now := g.clock.Now()

		if rateLimited {
			until := now.Add(apiErr.RetryAfter)
			if until.After(h.CooldownUntil) {
				h.CooldownUntil = until
			}
			state.UpdatedAt = now
			return nil
		}

		br := &h.Breaker
		switch {
		case br.IsClosed():
			br.Failures++
			if br.Failures >= g.config.FailureThreshold {
				br.State = CircuitOpen
				br.OpenedAt = now
			}
		case br.IsHalfOpen():
			*br = BreakerState{State: CircuitOpen, OpenedAt: now}
		}

		state.UpdatedAt = now
		return nil
	})
	if err != nil {
		g.logger.Debug("guard state unavailable on failure", "host", host, "error", err)
	}
}

// reapDead drops in-flight slots whose holders are gone.
func (g *Guards) reapDead(h *HostState) {
	alive := h.InFlight[:0]
	for _, pid := range h.InFlight {
		if isProcessAlive(pid) {
			alive = append(alive, pid)
		}
	}
	h.InFlight = alive
}

// breakerRelevant reports whether an error counts toward opening the
// circuit. Only transport-level failures do; client errors and rate
// limits say nothing about host health.
func breakerRelevant(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch output.AsError(err).Code {
	case output.CodeNetwork, output.CodeUnavailable:
		return true
	default:
		return false
	}
}
