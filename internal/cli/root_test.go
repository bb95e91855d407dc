package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "attendsync", cmd.Use)
	assert.Contains(t, cmd.Long, "exactly once")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"}, {"agent"}, {"enqueue"}, {"sync"}, {"status"}, {"retry"},
		{"ledger", "get"}, {"ledger", "stats"}, {"ledger", "prune"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("env-file"))
}

func TestDeviceCommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	syncCmd, _, err := cmd.Find([]string{"sync"})
	require.NoError(t, err)
	for _, name := range []string{"db", "server", "api-key"} {
		assert.NotNil(t, syncCmd.Flags().Lookup(name), name)
	}

	statusCmd, _, err := cmd.Find([]string{"status"})
	require.NoError(t, err)
	assert.NotNil(t, statusCmd.Flags().Lookup("db"))
	assert.Nil(t, statusCmd.Flags().Lookup("server"), "status never talks to the server")
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := runCLI(t, "status", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestMissingEnvFile(t *testing.T) {
	_, _, err := runCLI(t, "status", "--env-file", "/nonexistent/attendsync.env")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestExecute_ExitCodes(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Execute([]string{"status", "--db", tempDB(t, "client.db")}, &stdout, &stderr)
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout.String(), "queued 0")

	code = Execute([]string{"enqueue", "lunch_break", "--payload", "{}", "--db", tempDB(t, "client.db")}, &stdout, &stderr)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), "Error:")
}
