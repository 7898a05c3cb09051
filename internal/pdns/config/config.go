package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PluginConfig holds one analyzer's effective configuration as loose
// keyed options. The registry only interprets "enable"; everything else
// belongs to the plugin itself.
type PluginConfig map[string]any

// Enabled reports whether the plugin is switched on. Only an exact 1
// (or "1") counts; anything else, including booleans, leaves the
// plugin off.
func (pc PluginConfig) Enabled() bool {
	switch v := pc["enable"].(type) {
	case int:
		return v == 1
	case int64:
		return v == 1
	case float64:
		return v == 1
	case string:
		return v == "1"
	default:
		return false
	}
}

// String returns the string value for key, or def when absent.
func (pc PluginConfig) String(key, def string) string {
	if v, ok := pc[key].(string); ok {
		return v
	}
	return def
}

// Int returns the integer value for key, or def when absent or not numeric.
func (pc PluginConfig) Int(key string, def int) int {
	switch v := pc[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Device is the capture interface, e.g. "eth0" or "any".
	Device string `koanf:"device" validate:"required"`

	// Snaplen is the maximum number of bytes captured per frame.
	Snaplen int `koanf:"snaplen" validate:"required,gte=64,lte=65535"`

	// Promisc puts the interface into promiscuous mode.
	Promisc bool `koanf:"promisc"`

	// Timeout is the capture read timeout in milliseconds.
	Timeout int `koanf:"timeout" validate:"required,gte=1"`

	// Filter is the BPF expression installed on the capture handle.
	Filter string `koanf:"filter"`

	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// DBPath is the sqlite database file holding endpoint and analyzer tables.
	DBPath string `koanf:"db_path" validate:"required"`

	// FlushInterval is the stats flush period in seconds.
	FlushInterval int `koanf:"flush_interval" validate:"required,gte=1"`

	// DrainTimeout bounds the decode-queue drain on shutdown, in seconds.
	DrainTimeout int `koanf:"drain_timeout" validate:"required,gte=1"`

	// PluginGrace bounds how long analyzers get to finish their inboxes
	// on shutdown, in seconds.
	PluginGrace int `koanf:"plugin_grace" validate:"required,gte=1"`

	// Plugins maps analyzer names to their keyed options.
	Plugins map[string]PluginConfig `koanf:"plugins"`
}

// DEFAULT_APP_CONFIG defines the default monitor configuration,
// including the default analyzer set.
var DEFAULT_APP_CONFIG = AppConfig{
	Device:        "any",
	Snaplen:       1518,
	Promisc:       false,
	Timeout:       100,
	Filter:        "(tcp or udp) and port 53",
	Env:           "prod",
	LogLevel:      "info",
	DBPath:        "/var/lib/dnsmon/dnsmon.db",
	FlushInterval: 60,
	DrainTimeout:  5,
	PluginGrace:   10,
	Plugins: map[string]PluginConfig{
		"packet::logger":     {"enable": 1, "keep_for": "30 days"},
		"server::authorized": {"enable": 1},
		"server::stats":      {"enable": 1, "rrd": 1},
		"client::stats":      {"enable": 1, "rrd": 1},
	},
}

// envLoader loads environment variables with the prefix "DNSMON_",
// lowercasing keys and trimming the prefix. It can be swapped in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "DNSMON_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "DNSMON_"))
			value = strings.TrimSpace(value)
			return key, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG via the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	err = validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
