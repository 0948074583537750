package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Response is the success envelope for JSON output.
type Response struct {
	OK      bool           `json:"ok"`
	Data    any            `json:"data,omitempty"`
	Summary string         `json:"summary,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ErrorResponse is the error envelope for JSON output.
type ErrorResponse struct {
	OK           bool   `json:"ok"`
	Error        string `json:"error"`
	Code         string `json:"code"`
	Hint         string `json:"hint,omitempty"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// Format specifies the output format.
type Format int

const (
	FormatAuto  Format = iota // Auto-detect: TTY → text, non-TTY → JSON
	FormatJSON                // JSON envelope
	FormatQuiet               // Data only, no envelope
	FormatText                // Human-readable text
)

// Options controls output behavior.
type Options struct {
	Format Format
	Writer io.Writer
}

// ResponseOption mutates the success envelope before writing.
type ResponseOption func(*Response)

// WithSummary sets the one-line summary.
func WithSummary(s string) ResponseOption {
	return func(r *Response) { r.Summary = s }
}

// WithMeta attaches a key to the meta map.
func WithMeta(key string, value any) ResponseOption {
	return func(r *Response) {
		if r.Meta == nil {
			r.Meta = make(map[string]any)
		}
		r.Meta[key] = value
	}
}

// WithStats attaches session statistics to the meta map.
func WithStats(stats any) ResponseOption {
	return WithMeta("stats", stats)
}

// Writer handles all output formatting.
type Writer struct {
	opts Options
}

// New creates a new output writer.
func New(opts Options) *Writer {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	return &Writer{opts: opts}
}

// OK outputs a success response.
func (w *Writer) OK(data any, opts ...ResponseOption) error {
	resp := &Response{OK: true, Data: data}
	for _, opt := range opts {
		opt(resp)
	}
	return w.write(resp)
}

// Err outputs an error response.
func (w *Writer) Err(err error) error {
	e := AsError(err)
	resp := &ErrorResponse{
		OK:           false,
		Error:        e.Message,
		Code:         e.Code,
		Hint:         e.Hint,
		HTTPStatus:   e.HTTPStatus,
		RetryAfterMS: e.RetryAfter.Milliseconds(),
	}
	return w.write(resp)
}

// Raw writes bytes directly, bypassing the envelope. Used for
// passthrough payloads (api command bodies, raw tokens).
func (w *Writer) Raw(data []byte) error {
	_, err := w.opts.Writer.Write(data)
	return err
}

// Machine reports whether output resolves to a machine-readable
// format (JSON envelope or quiet). Auto resolves by TTY detection.
func (w *Writer) Machine() bool {
	switch w.opts.Format {
	case FormatJSON, FormatQuiet:
		return true
	case FormatText:
		return false
	default:
		return !isTTY(w.opts.Writer)
	}
}

func (w *Writer) write(v any) error {
	format := w.opts.Format

	// Auto-detect format: TTY → text, non-TTY → JSON
	if format == FormatAuto {
		if isTTY(w.opts.Writer) {
			format = FormatText
		} else {
			format = FormatJSON
		}
	}

	switch format {
	case FormatQuiet:
		// Extract just the data field for quiet mode
		if resp, ok := v.(*Response); ok {
			return w.writeJSON(resp.Data)
		}
		return w.writeJSON(v)
	case FormatText:
		return w.writeText(v)
	default:
		return w.writeJSON(v)
	}
}

func (w *Writer) writeJSON(v any) error {
	enc := json.NewEncoder(w.opts.Writer)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func (w *Writer) writeText(v any) error {
	switch resp := v.(type) {
	case *Response:
		if resp.Summary != "" {
			if _, err := fmt.Fprintln(w.opts.Writer, resp.Summary); err != nil {
				return err
			}
		}
		if resp.Data != nil {
			data, err := json.MarshalIndent(resp.Data, "", "  ")
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w.opts.Writer, string(data)); err != nil {
				return err
			}
		}
		if stats, ok := resp.Meta["stats"]; ok {
			data, err := json.Marshal(stats)
			if err == nil {
				fmt.Fprintf(w.opts.Writer, "stats: %s\n", data)
			}
		}
		return nil
	case *ErrorResponse:
		if resp.Hint != "" {
			_, err := fmt.Fprintf(w.opts.Writer, "Error: %s (%s)\n%s\n", resp.Error, resp.Code, resp.Hint)
			return err
		}
		_, err := fmt.Fprintf(w.opts.Writer, "Error: %s (%s)\n", resp.Error, resp.Code)
		return err
	default:
		return w.writeJSON(v)
	}
}

// isTTY reports whether the writer is a character device.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
