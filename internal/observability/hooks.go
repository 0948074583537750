package observability

import (
	"context"
	"sync"
	"time"

	"github.com/quarryhq/quarry-cli/internal/api"
)

// Verify CLIHooks implements api.Hooks at compile time.
var _ api.Hooks = (*CLIHooks)(nil)

// CLIHooks observes API requests and auth refreshes for the CLI.
// Verbosity levels:
//   - 0: silent, metrics collection only
//   - 1: request and retry trace lines
//   - 2: level 1 plus scrubbed request headers
type CLIHooks struct {
	mu        sync.Mutex
	level     int
	collector *SessionCollector
	writer    *TraceWriter
}

// NewCLIHooks creates hooks at the given verbosity. A nil collector
// disables metrics; a nil writer disables trace output.
func NewCLIHooks(level int, collector *SessionCollector, writer *TraceWriter) *CLIHooks {
	return &CLIHooks{
		level:     level,
		collector: collector,
		writer:    writer,
	}
}

// SetLevel changes the verbosity level at runtime.
func (h *CLIHooks) SetLevel(level int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.level = level
}

// Level returns the current verbosity level.
func (h *CLIHooks) Level() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.level
}

func (h *CLIHooks) snapshot() (int, *SessionCollector, *TraceWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.level, h.collector, h.writer
}

// OnRequestStart traces the outgoing attempt.
func (h *CLIHooks) OnRequestStart(ctx context.Context, info api.RequestInfo) context.Context {
	level, _, writer := h.snapshot()

	if level >= 1 && writer != nil {
		writer.WriteRequestStart(info.Method, info.Path, info.Attempt)
	}
	if level >= 2 && writer != nil && info.Header != nil {
		writer.WriteHeaders(info.Header)
	}

	return ctx
}

// OnRequestEnd records and traces the attempt outcome.
func (h *CLIHooks) OnRequestEnd(_ context.Context, _ api.RequestInfo, result api.RequestResult) {
	level, collector, writer := h.snapshot()

	if collector != nil {
		collector.RecordRequest(result.Status, result.Duration, result.Bytes, result.Err)
	}

	if level >= 1 && writer != nil {
		writer.WriteRequestEnd(result.Status, result.Duration, result.Bytes, result.Err)
	}
}

// OnRetry records and traces an upcoming retry.
func (h *CLIHooks) OnRetry(_ context.Context, _ api.RequestInfo, attempt int, delay time.Duration, err error) {
	level, collector, writer := h.snapshot()

	if collector != nil {
		collector.RecordRetry()
	}

	if level >= 1 && writer != nil {
		writer.WriteRetry(attempt, delay, err)
	}
}

// OnAuthRefresh records and traces a token refresh outcome. Wire it
// as the auth manager's refresh observer.
func (h *CLIHooks) OnAuthRefresh(err error) {
	level, collector, writer := h.snapshot()

	if collector != nil {
		collector.RecordAuthRefresh(err)
	}

	if level >= 1 && writer != nil {
		writer.WriteAuthRefresh(err)
	}
}
