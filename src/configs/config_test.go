package configs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, "test-token", cfg.Session.UpstreamAuthToken)
	assert.Equal(t, 100, cfg.Session.ReplacementDrainMillis)
	assert.True(t, cfg.Admin.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mqtt.json")
	body := `{
		"development": {"mac_addresss": ["a0:85:e3:f4:49:34"], "chat_servers": ["wss://dev.example.com/ws"]},
		"production": {"chat_servers": ["wss://prod.example.com/ws"]},
		"session": {"upstream_auth_token": "real-token", "replacement_drain_millis": 250},
		"admin": {"enabled": false, "addr": ":9999"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a0:85:e3:f4:49:34"}, cfg.Development.MacAddresss)
	assert.Equal(t, "real-token", cfg.Session.UpstreamAuthToken)
	assert.Equal(t, 250, cfg.Session.ReplacementDrainMillis)
	assert.False(t, cfg.Admin.Enabled)
	assert.Equal(t, ":9999", cfg.Admin.Addr)
}

func TestLoad_MalformedJSONErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mqtt.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvironmentOverridesPortsAndKey(t *testing.T) {
	t.Setenv("MQTT_PORT", "9001")
	t.Setenv("UDP_PORT", "9002")
	t.Setenv("PUBLIC_IP", "203.0.113.7")
	t.Setenv("MQTT_SIGNATURE_KEY", "sig-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.MqttPort)
	assert.Equal(t, 9002, cfg.UDPPort)
	assert.Equal(t, "203.0.113.7", cfg.PublicIP)
	assert.Equal(t, "sig-key", cfg.SignatureKey)
}

func TestLoad_InvalidEnvIntFallsBackToDefault(t *testing.T) {
	t.Setenv("MQTT_PORT", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 1883, cfg.MqttPort)
}
