package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"empi/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `{
		"env": "test",
		"port": 8080,
		"app_name": "empi-matcher",
		"postgres": {"uri": "postgres://localhost/empi", "max_conns": 10},
		"matching": {
			"potential_match_threshold": 0.5,
			"auto_match_threshold": 0.9,
			"poll_interval_seconds": 15
		},
		"rabbitmq": {"host": "localhost", "port": 5672, "exchange_name": "empi.jobs"}
	}`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "empi-matcher", cfg.AppName)
	assert.Equal(t, int32(10), cfg.Postgres.MaxConns)
	assert.Equal(t, 0.5, cfg.Matching.PotentialMatchThreshold)
	assert.Equal(t, 0.9, cfg.Matching.AutoMatchThreshold)
	assert.Equal(t, 15, cfg.Matching.PollIntervalSeconds)
	assert.Equal(t, "empi.jobs", cfg.RabbitMQ.ExchangeName)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{"env": `)
	_, err := config.LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error parsing config file")
}

func TestMatchingConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		potential float64
		auto      float64
		wantErr   string
	}{
		{name: "valid", potential: 0.5, auto: 0.9},
		{name: "boundaries", potential: 0.0, auto: 1.0},
		{name: "potential below zero", potential: -0.1, auto: 0.9, wantErr: "outside [0,1]"},
		{name: "auto above one", potential: 0.5, auto: 1.1, wantErr: "outside [0,1]"},
		{name: "auto equals potential", potential: 0.9, auto: 0.9, wantErr: "must be greater"},
		{name: "auto below potential", potential: 0.9, auto: 0.5, wantErr: "must be greater"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := config.MatchingConfig{
				PotentialMatchThreshold: tt.potential,
				AutoMatchThreshold:      tt.auto,
			}
			err := m.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
