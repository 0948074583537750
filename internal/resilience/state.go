package resilience

import (
	"slices"
	"time"
)

const (
	// StateVersion is the current state schema version.
	StateVersion = 1
)

// State is the guard state shared across qry invocations. Invocations
// are short-lived, so breaker counters, rate-limit cooldowns, and
// in-flight slots persist on disk keyed by API host.
type State struct {
	// Version is the schema version for future migrations.
	Version int `json:"version"`

	// Hosts maps an API host to its guard state.
	Hosts map[string]*HostState `json:"hosts"`

	// UpdatedAt is when the state was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// HostState carries every guard's view of a single API host.
type HostState struct {
	// Breaker tracks consecutive failures and circuit transitions.
	Breaker BreakerState `json:"breaker"`

	// CooldownUntil is set when the host answered 429 with a usable
	// retry-after. No request may be sent before it passes.
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`

	// InFlight are the PIDs of invocations currently holding a request
	// slot. Dead PIDs are reaped on the next Allow, not on load.
	InFlight []int `json:"in_flight,omitempty"`
}

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// BreakerState tracks the circuit breaker for one host.
type BreakerState struct {
	// State is "closed", "open", or "half_open". Empty means closed.
	State string `json:"state,omitempty"`

	// Failures counts consecutive breaker-relevant failures.
	Failures int `json:"failures,omitempty"`

	// Successes counts consecutive successes while half-open.
	Successes int `json:"successes,omitempty"`

	// OpenedAt is when the circuit last opened.
	OpenedAt time.Time `json:"opened_at,omitempty"`

	// ProbePID is the invocation holding the half-open probe slot.
	// Zero means the slot is free. A dead holder is reaped by liveness
	// check, so a crashed probe cannot wedge the circuit.
	ProbePID int `json:"probe_pid,omitempty"`
}

// IsClosed reports whether the circuit is closed (normal operation).
func (b *BreakerState) IsClosed() bool {
	return b.State == "" || b.State == CircuitClosed
}

// IsOpen reports whether the circuit is open (failing fast).
func (b *BreakerState) IsOpen() bool {
	return b.State == CircuitOpen
}

// IsHalfOpen reports whether the circuit is testing recovery.
func (b *BreakerState) IsHalfOpen() bool {
	return b.State == CircuitHalfOpen
}

// CooldownRemaining returns how long until the rate-limit cooldown
// expires, zero if none is active.
func (h *HostState) CooldownRemaining(now time.Time) time.Duration {
	if h.CooldownUntil.IsZero() {
		return 0
	}
	remaining := h.CooldownUntil.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HasPID reports whether pid holds an in-flight slot.
func (h *HostState) HasPID(pid int) bool {
	return slices.Contains(h.InFlight, pid)
}

// AddPID records pid as holding an in-flight slot.
func (h *HostState) AddPID(pid int) {
	if !h.HasPID(pid) {
		h.InFlight = append(h.InFlight, pid)
	}
}

// RemovePID drops pid's in-flight slot.
func (h *HostState) RemovePID(pid int) {
	for i, p := range h.InFlight {
		if p == pid {
			h.InFlight = append(h.InFlight[:i], h.InFlight[i+1:]...)
			return
		}
	}
}

// NewState returns an empty state at the current schema version.
func NewState() *State {
	return &State{
		Version: StateVersion,
		Hosts:   make(map[string]*HostState),
	}
}

// Host returns the state for host, creating it if absent.
func (s *State) Host(host string) *HostState {
	if s.Hosts == nil {
		s.Hosts = make(map[string]*HostState)
	}
	h, ok := s.Hosts[host]
	if !ok {
		h = &HostState{}
		s.Hosts[host] = h
	}
	return h
}
