package api

import (
	"context"
	"net/http"
	"time"
)

// RequestInfo identifies one HTTP attempt of a logical request.
// Header is the outgoing header set, nil on retry notifications;
// observers must scrub it before writing it anywhere.
type RequestInfo struct {
	Method  string
	Path    string
	Attempt int
	Header  http.Header
}

// RequestResult describes how an attempt ended. Err is nil on 2xx.
type RequestResult struct {
	Status   int
	Duration time.Duration
	Bytes    int
	Err      error
}

// Hooks observes the request lifecycle. Implementations must be safe
// for concurrent use and must not influence request outcomes.
type Hooks interface {
	// OnRequestStart runs before the attempt; the returned context is
	// used for the request, letting hooks thread tracing state.
	OnRequestStart(ctx context.Context, info RequestInfo) context.Context

	// OnRequestEnd runs after the attempt completes or fails.
	OnRequestEnd(ctx context.Context, info RequestInfo, result RequestResult)

	// OnRetry runs before sleeping ahead of the next attempt.
	OnRetry(ctx context.Context, info RequestInfo, attempt int, delay time.Duration, err error)
}

// GuardSet gates requests per host. The resilience package provides
// the production implementation; a nil GuardSet disables gating.
type GuardSet interface {
	// Allow rejects the request up front (open breaker, active
	// rate-limit cooldown) and may reserve an in-flight slot.
	Allow(host string) error

	// Release returns the slot reserved by a successful Allow.
	Release(host string)

	// RecordSuccess and RecordFailure report the logical request's
	// final outcome.
	RecordSuccess(host string)
	RecordFailure(host string, err error)
}
