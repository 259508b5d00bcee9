// Package config loads carlink-companion configuration using koanf/v2:
// a YAML file overlaid with CARLINK_ environment variable overrides, on
// top of DefaultConfig().
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pion/logging"

	"github.com/go-carlink/carlink/pkg/carlink"
)

// Config holds the complete carlink-companion configuration.
type Config struct {
	BLE      BLEConfig      `koanf:"ble"`
	Identity IdentityConfig `koanf:"identity"`
	Session  SessionConfig  `koanf:"session"`
	Store    StoreConfig    `koanf:"store"`
	Log      LogConfig      `koanf:"log"`
}

// BLEConfig holds the service/characteristic UUIDs advertised and
// scanned for.
type BLEConfig struct {
	// AssociationServiceUUID is advertised by a head unit willing to pair.
	AssociationServiceUUID string `koanf:"association_service_uuid"`
	// ReconnectionServiceUUID is advertised for V2+ reconnection.
	ReconnectionServiceUUID string `koanf:"reconnection_service_uuid"`
	// ReconnectionDataUUID carries the truncatedHMAC||salt blob.
	ReconnectionDataUUID string `koanf:"reconnection_data_uuid"`
	// NamePrefix prefixes a hex-encoded advertised name when it isn't a
	// plain 8-byte UTF-8 short name.
	NamePrefix string `koanf:"name_prefix"`
}

// IdentityConfig describes this phone to the head unit.
type IdentityConfig struct {
	// DeviceName answers the system feature's deviceName query.
	DeviceName string `koanf:"device_name"`
	// AppName answers the system feature's appName query.
	AppName string `koanf:"app_name"`
}

// SessionConfig tunes protocol timing and buffering.
type SessionConfig struct {
	// StepTimeout bounds each awaited protocol step in AssociationSM and
	// ReconnectionSM.
	StepTimeout time.Duration `koanf:"step_timeout"`
	// MissedMessageBufferSize caps SecuredChannel's per-recipient replay
	// buffer.
	MissedMessageBufferSize int `koanf:"missed_message_buffer_size"`
}

// StoreConfig controls persistence of association/history/trusted-device
// records.
type StoreConfig struct {
	// HistoryEnabled turns on unlock history recording.
	HistoryEnabled bool `koanf:"history_enabled"`
	// Dir names a directory for the one-file-per-car JSON stores
	// (carstore.JSONKeyStore and siblings). Nothing in this module reads
	// it: the demo keeps all of its stores in memory.
	Dir string `koanf:"dir"`
}

// LogConfig controls the pion/logging.LoggerFactory every stateful
// component derives its named logger from.
type LogConfig struct {
	// Level is one of "trace", "debug", "info", "warn", "error", "disable".
	Level string `koanf:"level"`
}

// DefaultConfig returns a Config populated with the module's defaults
// (pkg/carlink.Default*).
func DefaultConfig() *Config {
	return &Config{
		BLE: BLEConfig{
			AssociationServiceUUID:  carlink.DefaultAssociationServiceUUID,
			ReconnectionServiceUUID: carlink.DefaultReconnectionServiceUUID,
			ReconnectionDataUUID:    carlink.DefaultReconnectionDataUUID,
			NamePrefix:              "CARLINK-",
		},
		Identity: IdentityConfig{
			DeviceName: "carlink-companion",
			AppName:    "carlink-companion",
		},
		Session: SessionConfig{
			StepTimeout:             carlink.DefaultStepTimeout,
			MissedMessageBufferSize: carlink.DefaultMissedMessageBufferSize,
		},
		Store: StoreConfig{
			HistoryEnabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// envPrefix is the environment variable prefix for carlink-companion
// configuration. Variables are named CARLINK_<section>_<key>, e.g.
// CARLINK_LOG_LEVEL.
const envPrefix = "CARLINK_"

// Load reads configuration from a YAML file at path, overlays CARLINK_
// environment variable overrides, on top of DefaultConfig(). Missing
// fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// envKeyMapper transforms CARLINK_BLE_NAME_PREFIX -> ble.name_prefix.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"ble.association_service_uuid":  defaults.BLE.AssociationServiceUUID,
		"ble.reconnection_service_uuid": defaults.BLE.ReconnectionServiceUUID,
		"ble.reconnection_data_uuid":    defaults.BLE.ReconnectionDataUUID,
		"ble.name_prefix":               defaults.BLE.NamePrefix,
		"identity.device_name":          defaults.Identity.DeviceName,
		"identity.app_name":             defaults.Identity.AppName,
		"session.step_timeout":          defaults.Session.StepTimeout.String(),
		"session.missed_message_buffer_size": defaults.Session.MissedMessageBufferSize,
		"store.history_enabled":         defaults.Store.HistoryEnabled,
		"store.dir":                     defaults.Store.Dir,
		"log.level":                     defaults.Log.Level,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors.
var (
	ErrEmptyDeviceName     = errors.New("identity.device_name must not be empty")
	ErrInvalidStepTimeout  = errors.New("session.step_timeout must be > 0")
	ErrInvalidBufferSize   = errors.New("session.missed_message_buffer_size must be >= 1")
	ErrInvalidLogLevel     = errors.New("log.level is not recognized")
)

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true, "disable": true,
}

// Validate checks cfg for logical errors.
func Validate(cfg *Config) error {
	if cfg.Identity.DeviceName == "" {
		return ErrEmptyDeviceName
	}
	if cfg.Session.StepTimeout <= 0 {
		return ErrInvalidStepTimeout
	}
	if cfg.Session.MissedMessageBufferSize < 1 {
		return ErrInvalidBufferSize
	}
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		return ErrInvalidLogLevel
	}
	return nil
}

// LoggerFactory builds the pion/logging.LoggerFactory every stateful
// component in the module derives its named logger from.
func (c *Config) LoggerFactory() logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = parseLogLevel(c.Log.Level)
	return f
}

func parseLogLevel(level string) logging.LogLevel {
	switch strings.ToLower(level) {
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "info":
		return logging.LogLevelInfo
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	case "disable":
		return logging.LogLevelDisabled
	default:
		return logging.LogLevelInfo
	}
}
