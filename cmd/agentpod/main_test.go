package main

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalExitCode(t *testing.T) {
	assert.Equal(t, 130, signalExitCode(syscall.SIGINT))
	assert.Equal(t, 143, signalExitCode(syscall.SIGTERM))
}

func TestServeExitsTwoOnBadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("server: ["), 0o644))

	old := configPath
	configPath = dir
	defer func() { configPath = old }()

	err := serve()
	require.Error(t, err)
	var exit *exitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 2, exit.code)
}

func TestServeExitsTwoOnInvalidConfigValues(t *testing.T) {
	t.Setenv("PORT", "0")

	old := configPath
	configPath = t.TempDir()
	defer func() { configPath = old }()

	err := serve()
	require.Error(t, err)
	var exit *exitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 2, exit.code)
	assert.Contains(t, err.Error(), "server.port")
}
