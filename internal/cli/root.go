// Package cli wires the root command, global flags, and app setup.
package cli

import (
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/quarryhq/quarry-cli/internal/appctx"
	"github.com/quarryhq/quarry-cli/internal/commands"
	"github.com/quarryhq/quarry-cli/internal/config"
	"github.com/quarryhq/quarry-cli/internal/output"
	"github.com/quarryhq/quarry-cli/internal/version"
)

// NewRootCmd creates the root cobra command.
func NewRootCmd() *cobra.Command {
	var flags appctx.GlobalFlags

	cmd := &cobra.Command{
		Use:           "qry",
		Short:         "Command-line interface for the Quarry API",
		Long:          "qry is a CLI tool for interacting with the Quarry platform: authentication, raw API access, and diagnostics.",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip setup for help and shell completion machinery
			switch cmd.Name() {
			case "help", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
				return nil
			}

			cfg, err := config.Load(config.FlagOverrides{
				BaseURL:  flags.BaseURL,
				Timeout:  flags.Timeout,
				CacheDir: flags.CacheDir,
				NoRetry:  flags.NoRetry,
			})
			if err != nil {
				return err
			}

			// Create app and store in context
			app := appctx.NewApp(cfg)
			app.Flags = flags
			app.ApplyFlags()

			cmd.SetContext(appctx.WithApp(cmd.Context(), app))
			return nil
		},
	}

	// Allow flags anywhere in the command line
	cmd.Flags().SetInterspersed(true)
	cmd.PersistentFlags().SetInterspersed(true)

	// Output format flags
	cmd.PersistentFlags().BoolVarP(&flags.JSON, "json", "j", false, "Output as JSON")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "Output data only, no envelope")

	// Request flags
	cmd.PersistentFlags().StringVar(&flags.BaseURL, "base-url", "", "Quarry API base URL")
	cmd.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 0, "Per-attempt request timeout (e.g., 10s)")
	cmd.PersistentFlags().BoolVar(&flags.NoRetry, "no-retry", false, "Disable retries (single attempt per request)")

	// Behavior flags
	cmd.PersistentFlags().CountVarP(&flags.Verbose, "verbose", "v", "Verbose output (-v for request traces, -vv adds headers)")
	cmd.PersistentFlags().BoolVar(&flags.Stats, "stats", false, "Show session statistics")
	cmd.PersistentFlags().StringVar(&flags.CacheDir, "cache-dir", "", "Guard state directory")

	return cmd
}

// Execute runs the root command.
func Execute() {
	cmd := NewRootCmd()

	// Add subcommands
	cmd.AddCommand(commands.NewAuthCmd())
	cmd.AddCommand(commands.NewAPICmd())
	cmd.AddCommand(commands.NewConfigCmd())
	cmd.AddCommand(commands.NewDoctorCmd())
	cmd.AddCommand(commands.NewVersionCmd())

	// Use ExecuteC to get the executed command (for correct context access)
	executedCmd, err := cmd.ExecuteC()
	if err != nil {
		// Transform Cobra errors into the CLI's usage-error format
		err = transformCobraError(err)

		// Convert error to structured output
		apiErr := output.AsError(err)

		// Try to use app.Err() if app is available (for --stats support)
		if app := appctx.FromContext(executedCmd.Context()); app != nil {
			_ = app.Err(err)
			os.Exit(apiErr.ExitCode())
		}

		// Fallback: output error directly (app not available, e.g., during setup)
		_ = fallbackWriter(cmd.PersistentFlags()).Err(err)

		os.Exit(apiErr.ExitCode())
	}
}

// fallbackWriter builds an output writer from the parsed global flags
// for errors raised before the app exists.
func fallbackWriter(pf *pflag.FlagSet) *output.Writer {
	format := output.FormatAuto
	if quiet, _ := pf.GetBool("quiet"); quiet {
		format = output.FormatQuiet
	} else if jsonFlag, _ := pf.GetBool("json"); jsonFlag {
		format = output.FormatJSON
	}

	return output.New(output.Options{
		Format: format,
		Writer: os.Stdout,
	})
}

// transformCobraError rewrites Cobra's default error messages into the
// CLI's usage-error format.
func transformCobraError(err error) error {
	msg := err.Error()

	// "flag needs an argument: --FLAG" → "--FLAG requires a value"
	if strings.HasPrefix(msg, "flag needs an argument: ") {
		flag := strings.TrimPrefix(msg, "flag needs an argument: ")
		return output.ErrUsage(flag + " requires a value")
	}

	// "unknown flag: --FLAG" → "Unknown option: --FLAG"
	if strings.HasPrefix(msg, "unknown flag: ") {
		flag := strings.TrimPrefix(msg, "unknown flag: ")
		return output.ErrUsage("Unknown option: " + flag)
	}

	// "unknown shorthand flag: 'X' in -X" → "Unknown option: -X"
	if strings.HasPrefix(msg, "unknown shorthand flag: ") {
		re := regexp.MustCompile(`unknown shorthand flag: '.' in (-\w)`)
		if matches := re.FindStringSubmatch(msg); len(matches) > 1 {
			return output.ErrUsage("Unknown option: " + matches[1])
		}
	}

	// Flag value parse failures ("invalid argument ... for --timeout")
	if strings.Contains(msg, "invalid argument") {
		return output.ErrUsage(msg)
	}

	// Arity failures from cobra.ExactArgs
	if strings.Contains(msg, "arg(s), received 0") {
		return output.ErrUsage("Missing required argument")
	}
	if strings.Contains(msg, "arg(s), received") {
		return output.ErrUsage(msg)
	}

	// "required flag(s) X not set" → flag-specific message
	if strings.HasPrefix(msg, "required flag(s) ") {
		re := regexp.MustCompile(`required flag\(s\) "(\w+)" not set`)
		if matches := re.FindStringSubmatch(msg); len(matches) > 1 {
			return output.ErrUsage("--" + matches[1] + " is required")
		}
	}

	return err
}
