package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wiretap/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wiretap.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
wiretap:
  control:
    socket: "/tmp/test-wiretap.sock"
  capture:
    tool: "tcpdump"
    elevation: "none"
    extra_args: ["-vv"]
  credential:
    timeout: "10s"
  supervisor:
    grace_period: "2s"
  parser:
    batch_size: 50
  sinks:
    kafka:
      enabled: true
      brokers: ["localhost:9092"]
      topic: "packets"
  log:
    level: "debug"
    format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test-wiretap.sock", cfg.Control.Socket)
	assert.Equal(t, ElevationNone, cfg.Capture.Elevation)
	assert.Equal(t, []string{"-vv"}, cfg.Capture.ExtraArgs)
	assert.Equal(t, 10*time.Second, cfg.Credential.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.GracePeriod)
	assert.Equal(t, 50, cfg.Parser.BatchSize)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Sinks.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "wiretap:\n  log:\n    level: info\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcpdump", cfg.Capture.Tool)
	assert.Equal(t, ElevationAuto, cfg.Capture.Elevation)
	assert.Equal(t, "sudo", cfg.Capture.ElevationTool)
	assert.Equal(t, 30*time.Second, cfg.Credential.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.GracePeriod)
	assert.Equal(t, 20, cfg.Parser.BatchSize)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.False(t, cfg.Sinks.Kafka.Enabled)
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 1024, cfg.Events.Buffer)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("WIRETAP_CAPTURE_TOOL", "/usr/local/bin/tcpdump")

	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/tcpdump", cfg.Capture.Tool)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "wiretap:\n  log:\n    level: loud\n"},
		{"log format", "wiretap:\n  log:\n    format: xml\n"},
		{"elevation", "wiretap:\n  capture:\n    elevation: always\n"},
		{"batch size", "wiretap:\n  parser:\n    batch_size: 0\n"},
		{"grace", "wiretap:\n  supervisor:\n    grace_period: 0s\n"},
		{"kafka brokers", "wiretap:\n  sinks:\n    kafka:\n      enabled: true\n"},
		{"command brokers", "wiretap:\n  control:\n    kafka:\n      enabled: true\n"},
		{"command offset", "wiretap:\n  control:\n    kafka:\n      enabled: true\n      brokers: [\"b:9092\"]\n      start_offset: middle\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrConfigInvalid), err.Error())
		})
	}
}

func TestCommandChannelTargetDefaultsToHostname(t *testing.T) {
	cfg, err := Load(writeConfig(t, "wiretap:\n  control:\n    kafka:\n      enabled: true\n      brokers: [\"b:9092\"]\n"))
	require.NoError(t, err)

	host, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, host, cfg.Control.Kafka.Target)
	assert.Equal(t, "wiretap-commands", cfg.Control.Kafka.Topic)
	assert.Equal(t, 5*time.Minute, cfg.Control.Kafka.CommandTTL)
}
