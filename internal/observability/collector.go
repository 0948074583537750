// Package observability collects session metrics and writes scrubbed
// trace output for qry invocations.
package observability

import (
	"sync"
	"time"
)

// SessionMetrics aggregates what one CLI session did on the wire.
type SessionMetrics struct {
	StartTime     time.Time
	EndTime       time.Time
	Requests      int
	Failed        int
	Retries       int
	AuthRefreshes int
	BytesReceived int64
	TotalLatency  time.Duration

	// StatusCounts maps HTTP status to request count. Status 0 groups
	// attempts that never got a response.
	StatusCounts map[int]int
}

// SessionCollector accumulates metrics across a CLI session.
// Safe for concurrent use; counters only, never unbounded slices.
type SessionCollector struct {
	mu sync.Mutex

	startTime     time.Time
	requests      int
	failed        int
	retries       int
	authRefreshes int
	bytesReceived int64
	totalLatency  time.Duration
	statusCounts  map[int]int
}

// NewSessionCollector creates a collector with the session start now.
func NewSessionCollector() *SessionCollector {
	return &SessionCollector{
		startTime:    time.Now(),
		statusCounts: make(map[int]int),
	}
}

// RecordRequest records one HTTP attempt.
func (c *SessionCollector) RecordRequest(status int, duration time.Duration, bytes int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	c.totalLatency += duration
	c.bytesReceived += int64(bytes)
	c.statusCounts[status]++
	if err != nil {
		c.failed++
	}
}

// RecordRetry records a retry event.
func (c *SessionCollector) RecordRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
}

// RecordAuthRefresh records a token refresh, successful or not.
func (c *SessionCollector) RecordAuthRefresh(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authRefreshes++
	if err != nil {
		c.failed++
	}
}

// Summary returns the aggregated session metrics.
func (c *SessionCollector) Summary() SessionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[int]int, len(c.statusCounts))
	for status, n := range c.statusCounts {
		counts[status] = n
	}

	return SessionMetrics{
		StartTime:     c.startTime,
		EndTime:       time.Now(),
		Requests:      c.requests,
		Failed:        c.failed,
		Retries:       c.retries,
		AuthRefreshes: c.authRefreshes,
		BytesReceived: c.bytesReceived,
		TotalLatency:  c.totalLatency,
		StatusCounts:  counts,
	}
}

// Reset clears all counters and restarts the session clock.
func (c *SessionCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startTime = time.Now()
	c.requests = 0
	c.failed = 0
	c.retries = 0
	c.authRefreshes = 0
	c.bytesReceived = 0
	c.totalLatency = 0
	c.statusCounts = make(map[int]int)
}
