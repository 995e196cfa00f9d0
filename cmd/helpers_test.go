package cmd

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/pygreece/greeter/greeter"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

// isolateEnv clears the environment for the duration of the test, and
// resets viper and the package config afterward
func isolateEnv(t *testing.T) {
	t.Helper()
	originalEnv := os.Environ()
	os.Clearenv()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
			viper.Reset()
			cfg = greeter.DefaultConfig()
			configFile = ""
		},
	)
}

// executeCommand runs the root command with the given args, returning
// everything written to stdout/stderr
func executeCommand(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
			rootCmd.SetIn(nil)
			rootCmd.SetArgs(nil)
		},
	)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}
