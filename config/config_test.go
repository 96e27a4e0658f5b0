package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/David-ssnd/rayz-web-sub000/errors"
	"github.com/David-ssnd/rayz-web-sub000/pkg/security"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ModeDirect, cfg.Mode)
	assert.True(t, cfg.AutoReconnect)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay.Std())
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay.Std())
	assert.Equal(t, 10, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.ConnectionTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval.Std())
	assert.True(t, cfg.BinaryProtocol)
	assert.False(t, cfg.SecureContext)
	assert.Equal(t, "rayz", cfg.Relay.ChannelPrefix)
	assert.Equal(t, 10*time.Second, cfg.Relay.ConnectTimeout.Std())
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"devices": ["192.168.1.10", "192.168.1.11"],
		"reconnect_base_delay": "500ms",
		"reconnect_max_delay": 20000,
		"binary_protocol": false,
		"relay": {"session_id": "game-42", "tls": {"ca_files": ["ca.pem"], "min_version": "1.3"}}
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"192.168.1.10", "192.168.1.11"}, cfg.Devices)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectBaseDelay.Std())
	assert.Equal(t, 20*time.Second, cfg.ReconnectMaxDelay.Std())
	assert.False(t, cfg.BinaryProtocol)
	assert.Equal(t, "game-42", cfg.Relay.SessionID)
	require.NotNil(t, cfg.Relay.TLS)
	assert.Equal(t, []string{"ca.pem"}, cfg.Relay.TLS.CAFiles)
	assert.Equal(t, "1.3", cfg.Relay.TLS.MinVersion)

	// untouched fields keep their defaults, including nested ones
	assert.True(t, cfg.AutoReconnect)
	assert.Equal(t, "rayz", cfg.Relay.ChannelPrefix)
	assert.Equal(t, 30*time.Second, cfg.Relay.PresenceTTL.Std())
}

func TestLoader_LayersOverrideInOrder(t *testing.T) {
	base := writeConfig(t, "base.json", `{"max_retries": 3, "heartbeat_interval": "10s"}`)
	override := writeConfig(t, "override.json", `{"max_retries": 7}`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval.Std())
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "config.json", `{"devices": ["a"], "max_retries": 3}`)

	t.Setenv("RAYZ_MODE", "relay")
	t.Setenv("RAYZ_DEVICES", " 10.0.0.1, 10.0.0.2 ,")
	t.Setenv("RAYZ_MAX_RETRIES", "5")
	t.Setenv("RAYZ_SECURE_CONTEXT", "true")
	t.Setenv("RAYZ_RELAY_URL", "nats://relay:4222")
	t.Setenv("RAYZ_RELAY_SESSION_ID", "s1")
	t.Setenv("RAYZ_RELAY_CONNECT_TIMEOUT", "3s")
	t.Setenv("RAYZ_RELAY_USERNAME", "referee")
	t.Setenv("RAYZ_RELAY_PASSWORD", "hunter2")
	t.Setenv("RAYZ_RELAY_TOKEN", "tok")
	t.Setenv("RAYZ_RELAY_PING_INTERVAL", "15s")

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ModeRelay, cfg.Mode)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Devices)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.True(t, cfg.SecureContext)
	assert.Equal(t, "nats://relay:4222", cfg.Relay.URL)
	assert.Equal(t, "s1", cfg.Relay.SessionID)
	assert.Equal(t, 3*time.Second, cfg.Relay.ConnectTimeout.Std())
	assert.Equal(t, "referee", cfg.Relay.Username)
	assert.Equal(t, "hunter2", cfg.Relay.Password)
	assert.Equal(t, "tok", cfg.Relay.Token)
	assert.Equal(t, 15*time.Second, cfg.Relay.PingInterval.Std())
	assert.True(t, cfg.RelayConfigured())
}

func TestConfig_StringMasksRelaySecrets(t *testing.T) {
	cfg := Default()
	cfg.Relay.Username = "referee"
	cfg.Relay.Password = "hunter2"
	cfg.Relay.Token = "tok-123"

	out := cfg.String()
	assert.Contains(t, out, "referee")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "tok-123")
	assert.Equal(t, "hunter2", cfg.Relay.Password, "String must not touch the config")
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("RAYZ_MAX_RETRIES", "many")
	t.Setenv("RAYZ_AUTO_RECONNECT", "sometimes")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.True(t, errs.IsInvalid(err))
	assert.ErrorIs(t, err, errs.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "RAYZ_MAX_RETRIES")
	assert.Contains(t, err.Error(), "RAYZ_AUTO_RECONNECT")
}

func TestLoader_FileErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.json") }},
		{"not json extension", func(t *testing.T) string { return writeConfig(t, "config.yaml", "{}") }},
		{"malformed", func(t *testing.T) string { return writeConfig(t, "config.json", `{"mode": `) }},
		{"bad duration", func(t *testing.T) string {
			return writeConfig(t, "config.json", `{"connection_timeout": "soon"}`)
		}},
		{"too deep", func(t *testing.T) string {
			return writeConfig(t, "config.json", `{"devices":`+strings.Repeat("[", 40)+strings.Repeat("]", 40)+`}`)
		}},
		{"relative escape", func(*testing.T) string { return "../outside.json" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(tt.path(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrInvalidConfig)
		})
	}
}

func TestLoader_ValidationCanBeDisabled(t *testing.T) {
	path := writeConfig(t, "config.json", `{"mode": "carrier-pigeon"}`)

	_, err := NewLoader().LoadFile(path)
	require.Error(t, err)

	loader := NewLoader()
	loader.EnableValidation(false)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "carrier-pigeon", cfg.Mode)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "p2p" }, "mode must be"},
		{"relay without url", func(c *Config) { c.Mode = ModeRelay; c.Relay.SessionID = "s" }, "relay.url"},
		{"relay without session", func(c *Config) { c.Mode = ModeRelay; c.Relay.URL = "nats://x" }, "relay.session_id"},
		{"empty device id", func(c *Config) { c.Devices = []string{" "} }, "invalid device id"},
		{"wildcard device id", func(c *Config) { c.Devices = []string{"*"} }, "invalid device id"},
		{"duplicate device", func(c *Config) { c.Devices = []string{"a", "a"} }, "duplicate device id"},
		{"zero base delay", func(c *Config) { c.ReconnectBaseDelay = 0 }, "reconnect_base_delay"},
		{"max below base", func(c *Config) { c.ReconnectMaxDelay = Duration(time.Millisecond) }, "reconnect_max_delay"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max_retries"},
		{"zero timeout", func(c *Config) { c.ConnectionTimeout = 0 }, "connection_timeout"},
		{"metrics port", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"negative ping interval", func(c *Config) { c.Relay.PingInterval = Duration(-time.Second) }, "relay timeouts"},
		{"relay user without password", func(c *Config) {
			c.Mode = ModeRelay
			c.Relay.URL = "nats://relay:4222"
			c.Relay.SessionID = "s"
			c.Relay.Username = "referee"
		}, "relay.password"},
		{"relay tls half a key pair", func(c *Config) {
			c.Mode = ModeRelay
			c.Relay.URL = "tls://relay:4222"
			c.Relay.SessionID = "s"
			c.Relay.TLS = &security.ClientTLSConfig{CertFile: "client.pem"}
		}, "relay.tls.cert_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errs.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, Default().Validate())
	})

	t.Run("heartbeat may be disabled", func(t *testing.T) {
		cfg := Default()
		cfg.HeartbeatInterval = 0
		require.NoError(t, cfg.Validate())
	})
}

func TestConfig_DeviceOptions(t *testing.T) {
	cfg := Default()
	cfg.MaxRetries = 4
	cfg.SecureContext = true
	cfg.Relay.URL = "nats://relay:4222"

	opts := cfg.DeviceOptions()
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, time.Second, opts.Backoff.Base)
	assert.Equal(t, 30*time.Second, opts.Backoff.Max)
	assert.Equal(t, 4, opts.Backoff.MaxRetries)
	assert.Equal(t, 5*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 30*time.Second, opts.HeartbeatInterval)
	assert.True(t, opts.BinaryProtocol)
	assert.True(t, opts.SecureContext)
	assert.True(t, opts.RelayConfigured)
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`250`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Std())

	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	out, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"2s"`, string(out))
}

func TestCheckNesting(t *testing.T) {
	assert.NoError(t, checkNesting([]byte(`{"a": "[[[{{{", "b": [1, {"c": "\"]"}]}`)))
	assert.Error(t, checkNesting([]byte(`{"a": [}`+"]]")))
	assert.Error(t, checkNesting([]byte(`{"a": [`)))
}
