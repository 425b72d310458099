package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KevinKickass/EstateHub/internal/auth"
	"github.com/KevinKickass/EstateHub/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)

	logger, err := newLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestTokenCommandPrintsMatchingHash(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token"})
	require.NoError(t, rootCmd.Execute())

	var token, hash string
	for _, line := range strings.Split(out.String(), "\n") {
		if v, ok := strings.CutPrefix(line, "token:"); ok {
			token = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "token_hash:"); ok {
			hash = strings.TrimSpace(v)
		}
	}
	assert.True(t, auth.TokenMatches(token, hash))
}

func TestConfigCommandRedactsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hub:
  name: estate-7
  api_key: super-secret
bus:
  password: hunter2
`), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "--config", path})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "name: estate-7")
	assert.NotContains(t, out.String(), "super-secret")
	assert.NotContains(t, out.String(), "hunter2")
	assert.Contains(t, out.String(), redacted)
}
