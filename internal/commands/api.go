package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry-cli/internal/api"
	"github.com/quarryhq/quarry-cli/internal/appctx"
	"github.com/quarryhq/quarry-cli/internal/output"
)

// NewAPICmd creates the api command for raw API access.
func NewAPICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api <verb> <path>",
		Short: "Raw API access",
		Long:  "Make raw API requests to any Quarry endpoint. Useful for operations not covered by dedicated commands.",
	}

	cmd.AddCommand(
		newAPIGetCmd(),
		newAPIHeadCmd(),
		newAPIPostCmd(),
		newAPIPutCmd(),
		newAPIPatchCmd(),
		newAPIDeleteCmd(),
	)

	return cmd
}

// apiOptions holds the per-request flags shared by the api verbs.
type apiOptions struct {
	data    string
	headers []string
	jqExpr  string
	include bool
}

func newAPIGetCmd() *cobra.Command {
	var opts apiOptions

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "GET request to the API",
		Long: `Make a raw GET request to any Quarry API endpoint.

Examples:
  qry api get /v1/sites
  qry api get "/v1/sites?page=2" --jq '.[].name'
  qry api get https://api.quarryhq.com/v1/sites/42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI(cmd, http.MethodGet, args[0], opts)
		},
	}

	addAPIResponseFlags(cmd, &opts)

	return cmd
}

func newAPIHeadCmd() *cobra.Command {
	var opts apiOptions

	cmd := &cobra.Command{
		Use:   "head <path>",
		Short: "HEAD request to the API",
		Long:  "Make a raw HEAD request to any Quarry API endpoint. Returns status and headers only.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI(cmd, http.MethodHead, args[0], opts)
		},
	}

	addAPIResponseFlags(cmd, &opts)

	return cmd
}

func newAPIPostCmd() *cobra.Command {
	var opts apiOptions

	cmd := &cobra.Command{
		Use:   "post <path>",
		Short: "POST request to the API",
		Long:  "Make a raw POST request to any Quarry API endpoint.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.data == "" {
				return output.ErrUsage("--data is required")
			}
			return runAPI(cmd, http.MethodPost, args[0], opts)
		},
	}

	addAPIDataFlag(cmd, &opts, true)
	addAPIResponseFlags(cmd, &opts)

	return cmd
}

func newAPIPutCmd() *cobra.Command {
	var opts apiOptions

	cmd := &cobra.Command{
		Use:   "put <path>",
		Short: "PUT request to the API",
		Long:  "Make a raw PUT request to any Quarry API endpoint.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.data == "" {
				return output.ErrUsage("--data is required")
			}
			return runAPI(cmd, http.MethodPut, args[0], opts)
		},
	}

	addAPIDataFlag(cmd, &opts, true)
	addAPIResponseFlags(cmd, &opts)

	return cmd
}

func newAPIPatchCmd() *cobra.Command {
	var opts apiOptions

	cmd := &cobra.Command{
		Use:   "patch <path>",
		Short: "PATCH request to the API",
		Long:  "Make a raw PATCH request to any Quarry API endpoint.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.data == "" {
				return output.ErrUsage("--data is required")
			}
			return runAPI(cmd, http.MethodPatch, args[0], opts)
		},
	}

	addAPIDataFlag(cmd, &opts, true)
	addAPIResponseFlags(cmd, &opts)

	return cmd
}

func newAPIDeleteCmd() *cobra.Command {
	var opts apiOptions

	cmd := &cobra.Command{
		Use:   "delete <path>",
		Short: "DELETE request to the API",
		Long:  "Make a raw DELETE request to any Quarry API endpoint.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI(cmd, http.MethodDelete, args[0], opts)
		},
	}

	addAPIDataFlag(cmd, &opts, false)
	addAPIResponseFlags(cmd, &opts)

	return cmd
}

func addAPIDataFlag(cmd *cobra.Command, opts *apiOptions, required bool) {
	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "JSON request body")
	if required {
		_ = cmd.MarkFlagRequired("data") // Error only if flag doesn't exist
	}
}

func addAPIResponseFlags(cmd *cobra.Command, opts *apiOptions) {
	cmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, `Extra request header as "Name: value" (repeatable)`)
	cmd.Flags().StringVar(&opts.jqExpr, "jq", "", "Filter the response body with a jq expression")
	cmd.Flags().BoolVar(&opts.include, "include", false, "Include status and headers in text output")
}

// runAPI executes one raw request and writes the response. Machine
// output always carries {status, headers, body}; text output prints
// the body alone unless --include is set.
func runAPI(cmd *cobra.Command, method, rawPath string, opts apiOptions) error {
	app := appctx.FromContext(cmd.Context())
	if app == nil {
		return fmt.Errorf("app not initialized")
	}

	path := parsePath(rawPath)

	var body []byte
	if opts.data != "" {
		var parsed any
		if err := json.Unmarshal([]byte(opts.data), &parsed); err != nil {
			return output.ErrUsageHint(
				"Invalid JSON data",
				fmt.Sprintf("JSON parse error: %v", err),
			)
		}
		body = []byte(opts.data)
	}

	header, err := parseHeaderFlags(opts.headers)
	if err != nil {
		return err
	}

	resp, err := app.API.Execute(cmd.Context(), method, path, body, header)
	if err != nil {
		return err
	}

	headers := flattenHeader(resp.Header)
	summary := apiSummary(method, path, resp)

	// HEAD has no body to show
	if method == http.MethodHead {
		return app.OK(map[string]any{
			"status":  resp.Status,
			"headers": headers,
		}, output.WithSummary(summary))
	}

	bodyVal := decodeBody(resp.Body)
	if opts.jqExpr != "" {
		bodyVal, err = applyJQ(cmd.Context(), opts.jqExpr, bodyVal)
		if err != nil {
			return err
		}
	}

	if app.Output.Machine() || opts.include {
		return app.OK(map[string]any{
			"status":  resp.Status,
			"headers": headers,
			"body":    bodyVal,
		}, output.WithSummary(summary))
	}

	return app.OK(bodyVal, output.WithSummary(summary))
}

// parsePath extracts and normalizes the API path. Handles full URLs,
// relative paths, and auto-adds a leading slash. Query strings are
// preserved.
func parsePath(input string) string {
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		if u, err := url.Parse(input); err == nil {
			p := u.RequestURI()
			if p == "" {
				p = "/"
			}
			return p
		}
	}

	if !strings.HasPrefix(input, "/") {
		input = "/" + input
	}

	return input
}

// parseHeaderFlags converts repeated "Name: value" flags into headers.
func parseHeaderFlags(values []string) (http.Header, error) {
	if len(values) == 0 {
		return nil, nil
	}

	header := make(http.Header, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, output.ErrUsage(fmt.Sprintf("Invalid header %q, expected \"Name: value\"", v))
		}
		header.Add(name, strings.TrimSpace(value))
	}

	return header, nil
}

// decodeBody parses a JSON response body, falling back to the raw
// text when the payload is not JSON. Empty bodies decode to nil.
func decodeBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return v
}

// flattenHeader joins multi-valued headers for the envelope.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

// apiSummary generates a one-line summary from the response.
func apiSummary(method, path string, resp *api.Response) string {
	s := fmt.Sprintf("%s %s: %d", method, path, resp.Status)
	if text := http.StatusText(resp.Status); text != "" {
		s += " " + text
	}

	var arr []any
	if json.Unmarshal(resp.Body, &arr) == nil {
		s += fmt.Sprintf(" (%d items)", len(arr))
	}

	return s
}

// applyJQ filters a decoded body through a jq expression. A single
// result is returned as-is; multiple results collect into an array.
func applyJQ(ctx context.Context, expr string, input any) (any, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, output.ErrUsageHint(
			"Invalid jq expression",
			fmt.Sprintf("parse error: %v", err),
		)
	}

	var results []any
	iter := query.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				break
			}
			return nil, output.ErrUsageHint("jq evaluation failed", err.Error())
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}
