package observability

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// sensitiveParams are query parameter names scrubbed from trace URLs.
// Kept specific so useful debug context is not hidden.
var sensitiveParams = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"token":         true,
	"key_secret":    true,
	"api_key":       true,
	"apikey":        true,
	"password":      true,
	"secret":        true,
	"client_secret": true,
	"authorization": true,
}

// sensitiveHeaders are header names whose values never reach traces.
var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"Set-Cookie":          true,
	"X-Api-Key":           true,
}

// TraceWriter writes human-readable trace lines with timestamps
// relative to session start. URLs and headers are scrubbed before
// they are written.
type TraceWriter struct {
	mu        sync.Mutex
	writer    io.Writer
	startTime time.Time
}

// NewTraceWriter creates a TraceWriter on stderr.
func NewTraceWriter() *TraceWriter {
	return NewTraceWriterTo(os.Stderr)
}

// NewTraceWriterTo creates a TraceWriter on the given writer.
func NewTraceWriterTo(w io.Writer) *TraceWriter {
	return &TraceWriter{
		writer:    w,
		startTime: time.Now(),
	}
}

// WriteRequestStart writes a request start line.
// Format: [0.234s] -> GET /v1/sites
func (t *TraceWriter) WriteRequestStart(method, path string, attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	suffix := ""
	if attempt > 1 {
		suffix = fmt.Sprintf(" (attempt %d)", attempt)
	}
	fmt.Fprintf(t.writer, "[%.3fs] -> %s %s%s\n", t.elapsed(), method, scrubURL(path), suffix)
}

// WriteRequestEnd writes a request completion line.
// Format: [0.234s] <- 200 (45ms, 1234b) or [0.234s] <- ERROR: ...
func (t *TraceWriter) WriteRequestEnd(status int, duration time.Duration, bytes int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil && status == 0 {
		fmt.Fprintf(t.writer, "[%.3fs] <- ERROR: %v\n", t.elapsed(), err)
		return
	}
	if err != nil {
		fmt.Fprintf(t.writer, "[%.3fs] <- %d (%dms): %v\n", t.elapsed(), status, duration.Milliseconds(), err)
		return
	}
	fmt.Fprintf(t.writer, "[%.3fs] <- %d (%dms, %db)\n", t.elapsed(), status, duration.Milliseconds(), bytes)
}

// WriteHeaders writes one line per header with sensitive values
// replaced. Values are never truncated, only redacted.
func (t *TraceWriter) WriteHeaders(header http.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(header))
	for key := range header {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := strings.Join(header[key], ", ")
		if sensitiveHeaders[http.CanonicalHeaderKey(key)] {
			value = "[REDACTED]"
		}
		fmt.Fprintf(t.writer, "[%.3fs]    %s: %s\n", t.elapsed(), key, value)
	}
}

// WriteRetry writes a retry line.
// Format: [0.234s] RETRY #2 in 2s: connection refused
func (t *TraceWriter) WriteRetry(attempt int, delay time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.writer, "[%.3fs] RETRY #%d in %s: %v\n", t.elapsed(), attempt, delay, err)
}

// WriteAuthRefresh writes a token refresh line.
func (t *TraceWriter) WriteAuthRefresh(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		fmt.Fprintf(t.writer, "[%.3fs] AUTH refresh failed: %v\n", t.elapsed(), err)
		return
	}
	fmt.Fprintf(t.writer, "[%.3fs] AUTH token refreshed\n", t.elapsed())
}

// Reset restarts the relative timestamp clock.
func (t *TraceWriter) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startTime = time.Now()
}

// elapsed must be called with the mutex held.
func (t *TraceWriter) elapsed() float64 {
	return time.Since(t.startTime).Seconds()
}

// scrubURL redacts sensitive query parameters. Unparseable input is
// replaced wholesale rather than risk leaking it.
func scrubURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "[unparseable URL]"
	}

	query := u.Query()
	modified := false
	for key := range query {
		if sensitiveParams[strings.ToLower(key)] {
			query.Set(key, "[REDACTED]")
			modified = true
		}
	}

	if !modified {
		return rawURL
	}

	u.RawQuery = query.Encode()
	return u.String()
}
