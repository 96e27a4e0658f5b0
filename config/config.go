package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/David-ssnd/rayz-web-sub000/device"
	errs "github.com/David-ssnd/rayz-web-sub000/errors"
	"github.com/David-ssnd/rayz-web-sub000/pkg/retry"
	"github.com/David-ssnd/rayz-web-sub000/pkg/security"
)

// Mode values for Config.Mode
const (
	ModeDirect = "direct"
	ModeRelay  = "relay"
)

// Config is the complete configuration of the comm daemon
type Config struct {
	Mode    string   `json:"mode"`
	Devices []string `json:"devices,omitempty"`

	AutoReconnect      bool     `json:"auto_reconnect"`
	ReconnectBaseDelay Duration `json:"reconnect_base_delay"`
	ReconnectMaxDelay  Duration `json:"reconnect_max_delay"`
	MaxRetries         int      `json:"max_retries"`
	ConnectionTimeout  Duration `json:"connection_timeout"`
	HeartbeatInterval  Duration `json:"heartbeat_interval"`
	BinaryProtocol     bool     `json:"binary_protocol"`
	SecureContext      bool     `json:"secure_context"`

	Relay   RelayConfig   `json:"relay"`
	Metrics MetricsConfig `json:"metrics"`
}

// RelayConfig locates the shared relay session
type RelayConfig struct {
	URL            string   `json:"url,omitempty"`
	ChannelPrefix  string   `json:"channel_prefix"`
	SessionID      string   `json:"session_id,omitempty"`
	ConnectTimeout Duration `json:"connect_timeout"`
	PresenceTTL    Duration `json:"presence_ttl"`

	// Username and Password authenticate together; Token is the alternative
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`

	// PingInterval overrides the client's 30s keepalive ping when positive
	PingInterval Duration `json:"ping_interval,omitempty"`

	// TLS, when set, secures the relay connection
	TLS *security.ClientTLSConfig `json:"tls,omitempty"`
}

// MetricsConfig controls the metrics and health endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// Duration is a time.Duration that reads either a Go duration string ("5s")
// or a number of milliseconds
type Duration time.Duration

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON writes d as a duration string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1.5s" style strings or integer milliseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Millisecond)))
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// DeviceOptions converts the per-device settings into device.Options
func (c *Config) DeviceOptions() device.Options {
	return device.Options{
		AutoReconnect: c.AutoReconnect,
		Backoff: retry.Backoff{
			Base:       c.ReconnectBaseDelay.Std(),
			Max:        c.ReconnectMaxDelay.Std(),
			MaxRetries: c.MaxRetries,
		},
		ConnectTimeout:    c.ConnectionTimeout.Std(),
		HeartbeatInterval: c.HeartbeatInterval.Std(),
		BinaryProtocol:    c.BinaryProtocol,
		SecureContext:     c.SecureContext,
		RelayConfigured:   c.RelayConfigured(),
	}
}

// RelayConfigured reports whether a relay URL is set
func (c *Config) RelayConfigured() bool {
	return c.Relay.URL != ""
}

// Validate checks the configuration for values the daemon cannot run with
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Mode {
	case ModeDirect:
	case ModeRelay:
		if c.Relay.URL == "" {
			add("relay.url is required in relay mode")
		}
		if c.Relay.SessionID == "" {
			add("relay.session_id is required in relay mode")
		}
		if c.Relay.ChannelPrefix == "" {
			add("relay.channel_prefix must not be empty")
		}
		if c.Relay.Username != "" && c.Relay.Password == "" {
			add("relay.password is required with relay.username")
		}
		if c.Relay.TLS != nil {
			for _, problem := range c.Relay.TLS.Problems() {
				add("relay.%s", problem)
			}
		}
	default:
		add("mode must be %q or %q, got %q", ModeDirect, ModeRelay, c.Mode)
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, id := range c.Devices {
		switch {
		case strings.TrimSpace(id) == "", id == "*":
			add("invalid device id %q", id)
		case seen[id]:
			add("duplicate device id %q", id)
		}
		seen[id] = true
	}

	if c.ReconnectBaseDelay <= 0 {
		add("reconnect_base_delay must be positive")
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		add("reconnect_max_delay must not be below reconnect_base_delay")
	}
	if c.MaxRetries < 0 {
		add("max_retries must not be negative")
	}
	if c.ConnectionTimeout <= 0 {
		add("connection_timeout must be positive")
	}
	if c.HeartbeatInterval < 0 {
		add("heartbeat_interval must not be negative")
	}
	if c.Relay.ConnectTimeout < 0 || c.Relay.PresenceTTL < 0 || c.Relay.PingInterval < 0 {
		add("relay timeouts must not be negative")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		add("metrics.port out of range: %d", c.Metrics.Port)
	}
	if c.Metrics.Port > 0 && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path must start with /")
	}

	if len(problems) > 0 {
		return errs.WrapInvalid(
			fmt.Errorf("%w: %s", errs.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

// String renders the configuration as indented JSON with relay secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Relay.Password != "" {
		masked.Relay.Password = redacted
	}
	if masked.Relay.Token != "" {
		masked.Relay.Token = redacted
	}
	data, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{mode=%s}", c.Mode)
	}
	return string(data)
}

const redacted = "[redacted]"

// Default returns the documented defaults
func Default() *Config {
	return &Config{
		Mode:               ModeDirect,
		AutoReconnect:      true,
		ReconnectBaseDelay: Duration(time.Second),
		ReconnectMaxDelay:  Duration(30 * time.Second),
		MaxRetries:         10,
		ConnectionTimeout:  Duration(5 * time.Second),
		HeartbeatInterval:  Duration(30 * time.Second),
		BinaryProtocol:     true,
		Relay: RelayConfig{
			ChannelPrefix:  "rayz",
			ConnectTimeout: Duration(10 * time.Second),
			PresenceTTL:    Duration(30 * time.Second),
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader with validation enabled and the RAYZ env prefix
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  "RAYZ",
		getenv:     os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation at the end of Load
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every file layer and environment overrides, in that
// order
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRawJSON(path)
		if err != nil {
			return nil, errs.WrapInvalid(fmt.Errorf("%w: %s: %v", errs.ErrInvalidConfig, path, err),
				"Loader", "Load", "read config layer")
		}
		merged, err := mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errs.WrapInvalid(fmt.Errorf("%w: %s: %v", errs.ErrInvalidConfig, path, err),
				"Loader", "Load", "merge config layer")
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap overrides only the fields present in override
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides reads <prefix>_* variables on top of the file layers
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var problems []string

	str := func(name string, dst *string) {
		if val := l.env(name, &problems); val != "" {
			*dst = val
		}
	}
	boolean := func(name string, dst *bool) {
		if val := l.env(name, &problems); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s_%s: %v", l.envPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if val := l.env(name, &problems); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s_%s: %v", l.envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *Duration) {
		if val := l.env(name, &problems); val != "" {
			if err := dst.UnmarshalJSON([]byte(strconv.Quote(val))); err != nil {
				problems = append(problems, fmt.Sprintf("%s_%s: %v", l.envPrefix, name, err))
			}
		}
	}

	str("MODE", &cfg.Mode)
	if val := l.env("DEVICES", &problems); val != "" {
		cfg.Devices = splitList(val)
	}
	boolean("AUTO_RECONNECT", &cfg.AutoReconnect)
	duration("RECONNECT_BASE_DELAY", &cfg.ReconnectBaseDelay)
	duration("RECONNECT_MAX_DELAY", &cfg.ReconnectMaxDelay)
	integer("MAX_RETRIES", &cfg.MaxRetries)
	duration("CONNECTION_TIMEOUT", &cfg.ConnectionTimeout)
	duration("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	boolean("BINARY_PROTOCOL", &cfg.BinaryProtocol)
	boolean("SECURE_CONTEXT", &cfg.SecureContext)
	str("RELAY_URL", &cfg.Relay.URL)
	str("RELAY_CHANNEL_PREFIX", &cfg.Relay.ChannelPrefix)
	str("RELAY_SESSION_ID", &cfg.Relay.SessionID)
	duration("RELAY_CONNECT_TIMEOUT", &cfg.Relay.ConnectTimeout)
	duration("RELAY_PRESENCE_TTL", &cfg.Relay.PresenceTTL)
	str("RELAY_USERNAME", &cfg.Relay.Username)
	str("RELAY_PASSWORD", &cfg.Relay.Password)
	str("RELAY_TOKEN", &cfg.Relay.Token)
	duration("RELAY_PING_INTERVAL", &cfg.Relay.PingInterval)
	integer("METRICS_PORT", &cfg.Metrics.Port)
	str("METRICS_PATH", &cfg.Metrics.Path)

	if len(problems) > 0 {
		return errs.WrapInvalid(
			fmt.Errorf("%w: %s", errs.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Loader", "applyEnvOverrides", "read environment")
	}
	return nil
}

func (l *Loader) env(name string, problems *[]string) string {
	key := l.envPrefix + "_" + name
	val := l.getenv(key)
	if err := checkEnvValue(key, val); err != nil {
		*problems = append(*problems, err.Error())
		return ""
	}
	return strings.TrimSpace(val)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
