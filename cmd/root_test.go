package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"enrich", "cache", "circuits", "serve", "worker"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "enrich-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestEnrichCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range enrichCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["quick"])
	assert.True(t, names["deep"])

	flag := enrichDeepCmd.Flags().Lookup("context")
	require.NotNil(t, flag, "deep command should have --context flag")
}

func TestCacheCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range cacheCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"stats", "sweep", "invalidate"} {
		assert.True(t, names[name], "cache should have subcommand %q", name)
	}
	require.NotNil(t, cacheInvalidateCmd.Flags().Lookup("server"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestCircuitsCommand_ServerFlag(t *testing.T) {
	flag := circuitsCmd.PersistentFlags().Lookup("server")
	require.NotNil(t, flag)
	require.Len(t, circuitsCmd.Commands(), 1)
	assert.Equal(t, "reset", circuitsCmd.Commands()[0].Name())
}
