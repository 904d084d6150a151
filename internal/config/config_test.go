package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipantIDSettingString(t *testing.T) {
	tests := []struct {
		name string
		ps   ParticipantIDSetting
		want string
	}{
		{"auto mode", ParticipantIDSetting{Mode: ParticipantIDAuto}, "auto"},
		{"fixed mode 4", ParticipantIDSetting{Mode: ParticipantIDFixed, Value: 4}, "4"},
		{"fixed mode 0", ParticipantIDSetting{Mode: ParticipantIDFixed, Value: 0}, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.ps.String()
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name     string
		flag     string
		envValue string
		want     string
	}{
		{"flag takes precedence", "/path/from/flag", "/path/from/env", "/path/from/flag"},
		{"env when no flag", "", "/path/from/env", "/path/from/env"},
		{"empty when neither", "", "", ""},
		{"whitespace flag", "  ", "/path/from/env", "/path/from/env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HDDS_CONFIG", tt.envValue)
			got := ResolveConfigPath(tt.flag)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Domain.ID)
	assert.Equal(t, ParticipantIDAuto, cfg.Domain.ParticipantID.Mode)
	assert.Empty(t, cfg.Discovery.Peers)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.False(t, cfg.DiagAPI.Enabled)
	assert.Equal(t, "127.0.0.1", cfg.DiagAPI.Host)
}

func TestLoadFromFile(t *testing.T) {
	content := `
domain:
  id: 5
  participant_id: "2"

discovery:
  peers:
    - "10.0.0.1:7410"
    - "10.0.0.2:7410"
  interface: "eth0"

logging:
  level: "DEBUG"
  structured: true
  structured_format: "keyvalue"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Domain.ID)
	assert.Equal(t, ParticipantIDFixed, cfg.Domain.ParticipantID.Mode)
	assert.Equal(t, 2, cfg.Domain.ParticipantID.Value)
	assert.Len(t, cfg.Discovery.Peers, 2)
	assert.Equal(t, "eth0", cfg.Discovery.Interface)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Structured)
	assert.Equal(t, "keyvalue", cfg.Logging.StructuredFormat)
}

func TestLoadInvalidPath(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domain:\n  id: [invalid"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeInvalidDomainID(t *testing.T) {
	content := `
domain:
  id: 500
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeInvalidParticipantID(t *testing.T) {
	content := `
domain:
  participant_id: "not-a-number"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	// An unparseable participant_id gracefully falls back to auto.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ParticipantIDAuto, cfg.Domain.ParticipantID.Mode)
}

func TestNormalizeOutOfRangeParticipantID(t *testing.T) {
	content := `
domain:
  participant_id: "500"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HDDS_DOMAIN_ID", "7")
	t.Setenv("HDDS_DISCOVERY_PEERS", "10.0.0.1:7410,10.0.0.2:7410")
	t.Setenv("HDDS_INTERFACE", "eth1")
	t.Setenv("HDDS_LOG_LEVEL", "debug")
	t.Setenv("HDDS_QOS_PROFILE_PATH", "/etc/hdds/qos.yaml")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Domain.ID)
	assert.Len(t, cfg.Discovery.Peers, 2)
	assert.Equal(t, "eth1", cfg.Discovery.Interface)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "/etc/hdds/qos.yaml", cfg.QoSProfilePath)
}

func TestEnvOverridesROSDomainIDFallback(t *testing.T) {
	t.Setenv("ROS_DOMAIN_ID", "12")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Domain.ID)
}

func TestDiagAPIPortValidation(t *testing.T) {
	content := `
diagapi:
  enabled: true
  port: 0
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
