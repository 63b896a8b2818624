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
	assert.Equal(t, FailOpen, cfg.FailMode)
	assert.Equal(t, DefaultBlockThreshold, cfg.BlockThreshold)
	assert.Equal(t, DefaultEscalateThreshold, cfg.EscalateThreshold)
	assert.Equal(t, 50*time.Millisecond, cfg.DecisionBudget)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "DECISION_BUDGET_MS", "80")
	setEnv(t, "FAIL_MODE", "closed")
	setEnv(t, "BLOCK_THRESHOLD", "80")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 80*time.Millisecond, cfg.DecisionBudget)
	assert.Equal(t, FailClosed, cfg.FailMode)
	assert.Equal(t, 80, cfg.BlockThreshold)
}

func TestLoad_InvalidFailMode(t *testing.T) {
	setEnv(t, "FAIL_MODE", "maybe")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "FAIL_MODE")
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
			name:    "zero budget",
			mutate:  func(c *Config) { c.DecisionBudget = 0 },
			wantErr: "DECISION_BUDGET_MS",
		},
		{
			name:    "block threshold out of range",
			mutate:  func(c *Config) { c.BlockThreshold = 150 },
			wantErr: "BLOCK_THRESHOLD",
		},
		{
			name:    "escalate below block",
			mutate:  func(c *Config) { c.EscalateThreshold = 10 },
			wantErr: "ESCALATE_THRESHOLD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				FailMode:          FailOpen,
				DecisionBudget:    50 * time.Millisecond,
				BlockThreshold:    DefaultBlockThreshold,
				EscalateThreshold: DefaultEscalateThreshold,
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

func TestEnvHelpers(t *testing.T) {
	setEnv(t, "ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
