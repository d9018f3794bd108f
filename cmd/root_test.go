package cmd

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/strata/core/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"ERROR":   slog.LevelError,
		"":        slog.LevelInfo,
		"unknown": slog.LevelInfo,
	}
	for input, want := range cases {
		assert.Equal(t, want, parseLevel(input), "level %q", input)
	}
}

func TestCommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, sub := range rootCmd.Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{"agent", "block", "archival", "converse", "sync"} {
		assert.True(t, names[want], "command %q should be registered", want)
	}
}

func TestBuildRegistryScriptedOnly(t *testing.T) {
	cfg := config.DefaultConfig()

	registry, err := buildRegistry(cfg)
	require.NoError(t, err)

	available := registry.Available()
	require.Len(t, available, 1, "no API keys configured, only scripted")
	assert.Equal(t, "scripted", string(available[0]))
}
