// Package configs loads and hot-reloads the gateway's mqtt.json file and
// the handful of settings that come from the environment.
package configs

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// ChatServerBucket is one of the "development"/"production" buckets in
// mqtt.json.
type ChatServerBucket struct {
	// MacAddresss is intentionally misspelled to match the on-disk config
	// key mqtt.json has always shipped with; renaming it would break every
	// existing deployment's config file.
	MacAddresss []string `json:"mac_addresss,omitempty"`
	ChatServers []string `json:"chat_servers"`
}

// RedisConfig configures the optional cross-instance presence mirror.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	TTLSecs  int    `json:"ttl_seconds"`
}

// SessionConfig holds session-bridge defaults.
type SessionConfig struct {
	// UpstreamAuthToken is the bearer token sent to the upstream chat
	// service. "test-token" was a hardcoded placeholder; this makes it
	// configurable with that as the default.
	UpstreamAuthToken string `json:"upstream_auth_token"`
	// ReplacementDrainMillis is the delay between closing a replaced
	// Session and constructing its successor.
	ReplacementDrainMillis int `json:"replacement_drain_millis"`
}

// RecorderConfig configures the supplemented session-history store.
type RecorderConfig struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"`
}

// LogConfig controls the ambient logger.
type LogConfig struct {
	LogLevel string `json:"log_level"`
	LogDir   string `json:"log_dir"`
	LogFile  string `json:"log_file"`
}

// AdminConfig configures the HTTP admin collaborator.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Config is the parsed shape of mqtt.json plus the environment overlay.
type Config struct {
	Debug            bool             `json:"debug"`
	LogInvalidCookie bool             `json:"log_invalid_cookie"`
	Development      ChatServerBucket `json:"development"`
	Production       ChatServerBucket `json:"production"`

	Redis    RedisConfig    `json:"redis"`
	Session  SessionConfig  `json:"session"`
	Recorder RecorderConfig `json:"recorder"`
	Log      LogConfig      `json:"log"`
	Admin    AdminConfig    `json:"admin"`

	// MqttPort through SignatureKey are populated from the environment,
	// not from mqtt.json; BboltDBPath is read from mqtt.json.
	MqttPort      int    `json:"-"`
	UDPPort       int    `json:"-"`
	PublicIP      string `json:"-"`
	SignatureKey  string `json:"-"`
	BboltDBPath   string `json:"bbolt_path"`
}

func defaultConfig() *Config {
	cfg := &Config{
		Debug:            false,
		LogInvalidCookie: false,
	}
	cfg.Session.UpstreamAuthToken = "test-token"
	cfg.Session.ReplacementDrainMillis = 100
	cfg.Recorder.Enabled = true
	cfg.Recorder.DSN = "gateway-sessions.db"
	cfg.Log.LogLevel = "INFO"
	cfg.Log.LogDir = "logs"
	cfg.Log.LogFile = "gateway.log"
	cfg.Admin.Enabled = true
	cfg.Admin.Addr = ":8007"
	cfg.BboltDBPath = "registry.db"
	return cfg
}

// Load parses mqtt.json at path (defaults are used for any file it can't
// find) and overlays MQTT_PORT/UDP_PORT/PUBLIC_IP/MQTT_SIGNATURE_KEY from
// the environment.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.MqttPort = envInt("MQTT_PORT", 1883)
	cfg.UDPPort = envInt("UDP_PORT", 8884)
	cfg.PublicIP = envString("PUBLIC_IP", "mqtt.xiaozhi.me")
	cfg.SignatureKey = os.Getenv("MQTT_SIGNATURE_KEY")
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envString(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
