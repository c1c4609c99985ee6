package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "querytail", cmd.Use)
	assert.Contains(t, cmd.Long, "rows newer")
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()

	for _, name := range []string{"tail", "topics"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err, "command %s should exist", name)
			require.NotNil(t, sub)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := newRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestInvalidFormatRejected(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"topics", "--format", "yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestTailCommandFlags(t *testing.T) {
	cmd := newRootCommand()
	tailCmd, _, err := cmd.Find([]string{"tail"})
	require.NoError(t, err)

	for _, name := range []string{"db", "state-dir", "interval", "restart", "relay"} {
		assert.NotNil(t, tailCmd.Flags().Lookup(name), "flag %s should exist", name)
	}
}

func TestTailRejectsTopicWithoutQuery(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"tail", "orphan.topic"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a query")
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestTailRejectsEmptyTopicSet(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"tail"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no topics")
}
