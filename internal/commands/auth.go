// Package commands implements the CLI commands.
package commands

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry-cli/internal/appctx"
	"github.com/quarryhq/quarry-cli/internal/output"
)

// NewAuthCmd creates the auth command group.
func NewAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage authentication",
		Long:  "Manage Quarry credentials including login, logout, status, and token access.",
	}

	cmd.AddCommand(
		newAuthLoginCmd(),
		newAuthLogoutCmd(),
		newAuthStatusCmd(),
		newAuthRefreshCmd(),
		newAuthTokenCmd(),
	)

	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	var keyID string
	var keySecret string
	var secretStdin bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with an API key pair",
		Long: `Exchange an API key pair for access credentials and store them.

The key ID comes from --key-id, QUARRY_KEY_ID, or the key_id config
value. The secret comes from --key-secret, --key-secret-stdin, or
QUARRY_KEY_SECRET. Prefer --key-secret-stdin in scripts: flag values
are visible in the process list.

Examples:
  qry auth login --key-id AK123 --key-secret-stdin < secret.txt
  QUARRY_KEY_ID=AK123 QUARRY_KEY_SECRET=... qry auth login`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if keyID == "" {
				keyID = app.Config.KeyID
			}
			if keyID == "" {
				return output.ErrUsageHint(
					"API key ID required",
					"Pass --key-id, set QUARRY_KEY_ID, or run: qry config set key_id <id>",
				)
			}

			secret := keySecret
			if secretStdin {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return output.ErrUsage(fmt.Sprintf("Cannot read secret from stdin: %v", err))
				}
				secret = strings.TrimSpace(string(data))
			}
			if secret == "" {
				secret = os.Getenv("QUARRY_KEY_SECRET")
			}
			if secret == "" {
				return output.ErrUsageHint(
					"API key secret required",
					"Pass --key-secret-stdin (preferred), --key-secret, or set QUARRY_KEY_SECRET",
				)
			}

			if err := app.Auth.Login(cmd.Context(), keyID, secret); err != nil {
				return err
			}

			return app.OK(map[string]any{
				"status": "logged_in",
				"key_id": keyID,
				"path":   app.Auth.Store().Path(),
			}, output.WithSummary("Authentication successful"))
		},
	}

	cmd.Flags().StringVar(&keyID, "key-id", "", "API key ID (default: QUARRY_KEY_ID or config key_id)")
	cmd.Flags().StringVar(&keySecret, "key-secret", "", "API key secret (prefer --key-secret-stdin)")
	cmd.Flags().BoolVar(&secretStdin, "key-secret-stdin", false, "Read the API key secret from stdin")

	return cmd
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		Long:  "Remove the stored credential file. QUARRY_TOKEN, if set, is unaffected.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if err := app.Auth.Logout(); err != nil {
				return err
			}

			return app.OK(map[string]string{
				"status": "logged_out",
			}, output.WithSummary("Successfully logged out"))
		},
	}
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		Long:  "Display the current credential state without exposing any token material.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			st := app.Auth.Status()

			if st.EnvOverride {
				return app.OK(map[string]any{
					"authenticated": true,
					"source":        "QUARRY_TOKEN",
				}, output.WithSummary("Authenticated via QUARRY_TOKEN env var"))
			}

			if !st.Authenticated {
				return app.OK(map[string]any{
					"authenticated": false,
					"path":          st.Path,
				}, output.WithSummary("Not authenticated"))
			}

			status := map[string]any{
				"authenticated": true,
				"source":        "stored",
				"path":          st.Path,
				"encrypted":     st.Encrypted,
				"has_refresh":   st.HasRefresh,
			}

			summary := "Authenticated"
			if st.ExpiresAt > 0 {
				expiresIn := time.Until(time.Unix(st.ExpiresAt, 0))
				status["expires_in"] = expiresIn.Round(time.Second).String()
				status["expired"] = expiresIn < 0
				if expiresIn < 0 {
					summary = "Authenticated (token expired, refreshes on next use)"
				}
			}

			return app.OK(status, output.WithSummary(summary))
		},
	}
}

func newAuthRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the access token",
		Long:  "Force a token refresh regardless of the current expiry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if err := app.Auth.Refresh(cmd.Context()); err != nil {
				return err
			}

			return app.OK(map[string]string{
				"status": "refreshed",
			}, output.WithSummary("Token refreshed successfully"))
		},
	}
}

func newAuthTokenCmd() *cobra.Command {
	var stored bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the access token",
		Long: `Print the current access token to stdout for use with other tools.

If QUARRY_TOKEN is set, it is returned directly (no refresh).
Otherwise stored credentials are used and auto-refreshed near expiry.

Examples:
  export QUARRY_TOKEN=$(qry auth token)
  curl -H "Authorization: Bearer $(qry auth token)" ...

The --stored flag ignores QUARRY_TOKEN and uses stored credentials:
  qry auth token --stored

Output modes:
  qry auth token           # Raw token (default, for shell substitution)
  qry auth token --json    # JSON envelope with token in data field`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			var token string
			var err error

			if stored {
				// Ignores QUARRY_TOKEN; refreshes near-expiry credentials
				token, err = app.Auth.StoredAccessToken(cmd.Context())
			} else {
				// Normal path: QUARRY_TOKEN first, then stored credentials
				token, err = app.Auth.AccessToken(cmd.Context())
			}
			if err != nil {
				return err
			}

			// Raw output by default so shell substitution stays clean.
			if app.Flags.JSON {
				return app.OK(map[string]string{"token": token})
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().BoolVar(&stored, "stored", false, "Use stored credentials, ignoring QUARRY_TOKEN")

	return cmd
}
