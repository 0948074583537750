package cli

import (
	"bytes"
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry-cli/internal/commands"
	"github.com/quarryhq/quarry-cli/internal/output"
)

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd()

	assert.Equal(t, "qry", cmd.Name())
	assert.True(t, cmd.SilenceUsage)
	assert.True(t, cmd.SilenceErrors)

	for _, name := range []string{"json", "quiet", "base-url", "timeout", "no-retry", "verbose", "stats", "cache-dir"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "missing persistent flag %s", name)
	}

	// Shorthands
	assert.Equal(t, "json", cmd.PersistentFlags().ShorthandLookup("j").Name)
	assert.Equal(t, "quiet", cmd.PersistentFlags().ShorthandLookup("q").Name)
	assert.Equal(t, "verbose", cmd.PersistentFlags().ShorthandLookup("v").Name)
}

func TestTransformCobraError(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantMsg  string
		wantCode string
	}{
		{
			name:     "flag needs argument",
			input:    "flag needs an argument: --base-url",
			wantMsg:  "--base-url requires a value",
			wantCode: output.CodeUsage,
		},
		{
			name:     "unknown flag",
			input:    "unknown flag: --bogus",
			wantMsg:  "Unknown option: --bogus",
			wantCode: output.CodeUsage,
		},
		{
			name:     "unknown shorthand",
			input:    "unknown shorthand flag: 'x' in -x",
			wantMsg:  "Unknown option: -x",
			wantCode: output.CodeUsage,
		},
		{
			name:     "invalid flag value",
			input:    `invalid argument "nope" for "--timeout" flag: time: invalid duration "nope"`,
			wantMsg:  `invalid argument "nope" for "--timeout" flag: time: invalid duration "nope"`,
			wantCode: output.CodeUsage,
		},
		{
			name:     "missing positional argument",
			input:    "accepts 1 arg(s), received 0",
			wantMsg:  "Missing required argument",
			wantCode: output.CodeUsage,
		},
		{
			name:     "too many positional arguments",
			input:    "accepts 1 arg(s), received 3",
			wantMsg:  "accepts 1 arg(s), received 3",
			wantCode: output.CodeUsage,
		},
		{
			name:     "required flag not set",
			input:    `required flag(s) "data" not set`,
			wantMsg:  "--data is required",
			wantCode: output.CodeUsage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := transformCobraError(errors.New(tt.input))
			apiErr := output.AsError(got)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}

	t.Run("unrelated error passes through", func(t *testing.T) {
		err := errors.New("something else broke")
		assert.Equal(t, err, transformCobraError(err))
	})
}

// newHermeticRootCmd builds a fully wired root command with config and
// cache paths isolated to the test.
func newHermeticRootCmd(t *testing.T) *cobra.Command {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("QUARRY_TOKEN", "")

	cmd := NewRootCmd()
	cmd.AddCommand(commands.NewAuthCmd())
	cmd.AddCommand(commands.NewAPICmd())
	cmd.AddCommand(commands.NewConfigCmd())
	cmd.AddCommand(commands.NewDoctorCmd())
	cmd.AddCommand(commands.NewVersionCmd())
	return cmd
}

func TestRootExecutesVersionCommand(t *testing.T) {
	cmd := newHermeticRootCmd(t)

	out := &bytes.Buffer{}
	cmd.SetArgs([]string{"version"})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "qry version dev")
}

func TestRootUnknownCommand(t *testing.T) {
	cmd := newHermeticRootCmd(t)

	cmd.SetArgs([]string{"frobnicate"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestRootHelpSkipsAppSetup(t *testing.T) {
	cmd := newHermeticRootCmd(t)

	out := &bytes.Buffer{}
	cmd.SetArgs([]string{"help"})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Usage:")
}

func TestRootAuthStatusEndToEnd(t *testing.T) {
	cmd := newHermeticRootCmd(t)

	out := &bytes.Buffer{}
	cmd.SetArgs([]string{"auth", "status", "--json"})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})

	// The envelope goes to the app's writer (stdout), so only the exit
	// path matters here: a fresh environment must not error.
	require.NoError(t, cmd.Execute())
}
