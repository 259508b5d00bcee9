package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverlaysYAMLOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "carlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("identity:\n  device_name: my-phone\nlog:\n  level: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "my-phone", cfg.Identity.DeviceName)
	require.Equal(t, "debug", cfg.Log.Level)
	// Untouched fields keep their defaults.
	require.Equal(t, DefaultConfig().BLE, cfg.BLE)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("CARLINK_LOG_LEVEL", "warn")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsEmptyDeviceName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Identity.DeviceName = ""
	require.ErrorIs(t, Validate(cfg), ErrEmptyDeviceName)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "verbose"
	require.ErrorIs(t, Validate(cfg), ErrInvalidLogLevel)
}

func TestValidateRejectsZeroStepTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.StepTimeout = 0
	require.ErrorIs(t, Validate(cfg), ErrInvalidStepTimeout)
}

func TestLoggerFactoryBuildsLogger(t *testing.T) {
	cfg := DefaultConfig()
	lf := cfg.LoggerFactory()
	logger := lf.NewLogger("config-test")
	require.NotNil(t, logger)
}
