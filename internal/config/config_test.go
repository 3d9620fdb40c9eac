package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "ws", cfg.Signaling.Driver)
	assert.Equal(t, 5, cfg.Signaling.ReconnectAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Signaling.ReconnectBaseDelay)
	assert.Equal(t, 15*time.Second, cfg.Media.NegotiationTimeout)
	assert.Equal(t, 20*time.Second, cfg.Hosted.ConnectTimeout)
	assert.Equal(t, 3*time.Second, cfg.Turn.GraceDelay)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Media.ICEServers)
	assert.True(t, cfg.Media.Audio)
}

func TestFileAndEnvOverride(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
mode: debug
port: 9090
backend:
  url: http://backend.test/api
  timeout: 3s
signaling:
  driver: mqtt
  url: tcp://broker:1883
media:
  negotiation_timeout: 10s
turn:
  words_per_minute: 200
`), 0o600))
	t.Setenv("INTERVIEWD_BACKEND_TOKEN", "from-env")
	t.Setenv("INTERVIEWD_PORT", "9191")

	cfg, err := LoadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9191, cfg.Port, "env beats file")
	assert.Equal(t, "http://backend.test/api", cfg.Backend.URL)
	assert.Equal(t, "from-env", cfg.Backend.Token)
	assert.Equal(t, 3*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, "mqtt", cfg.Signaling.Driver)
	assert.Equal(t, 10*time.Second, cfg.Media.NegotiationTimeout)
	assert.Equal(t, 200, cfg.Turn.WordsPerMinute)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(file, []byte("signaling:\n  driver: carrier-pigeon\n"), 0o600))
	_, err := LoadFile(file)
	assert.ErrorContains(t, err, "signaling.driver")
}
