package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultPairingFile, cfg.PairingFile)
	assert.Equal(t, DefaultBackoffFloor, cfg.BackoffFloor)
	assert.Equal(t, DefaultBackoffCeiling, cfg.BackoffCeiling)
	assert.Equal(t, DefaultDiscoveryTimeout, cfg.DiscoveryTimeout)
	assert.True(t, cfg.SimulatedReader)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "DISCOVERY_TIMEOUT", "5s")
	setEnv(t, "WS_BACKOFF_FLOOR", "250ms")
	setEnv(t, "WS_BACKOFF_CEILING", "4s")
	setEnv(t, "SIMULATED_READER", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.DiscoveryTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffFloor)
	assert.Equal(t, 4*time.Second, cfg.BackoffCeiling)
	assert.False(t, cfg.SimulatedReader)
}

func TestLoad_BadDurationFallsBack(t *testing.T) {
	setEnv(t, "DISCOVERY_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultDiscoveryTimeout, cfg.DiscoveryTimeout)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "empty pairing file",
			mutate:  func(c *Config) { c.PairingFile = "" },
			wantErr: "PAIRING_FILE",
		},
		{
			name:    "zero backoff floor",
			mutate:  func(c *Config) { c.BackoffFloor = 0 },
			wantErr: "WS_BACKOFF_FLOOR",
		},
		{
			name: "ceiling below floor",
			mutate: func(c *Config) {
				c.BackoffFloor = time.Second
				c.BackoffCeiling = 100 * time.Millisecond
			},
			wantErr: "WS_BACKOFF_CEILING",
		},
		{
			name:    "zero discovery timeout",
			mutate:  func(c *Config) { c.DiscoveryTimeout = 0 },
			wantErr: "DISCOVERY_TIMEOUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				PairingFile:      DefaultPairingFile,
				BackoffFloor:     DefaultBackoffFloor,
				BackoffCeiling:   DefaultBackoffCeiling,
				DiscoveryTimeout: DefaultDiscoveryTimeout,
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
