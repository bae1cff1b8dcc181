package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret_key: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret_key: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "symbol: BTCUSDT\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "symbol: BTCUSDT\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	configContent := `app:
  symbol: "BTCUSDT"

db:
  host: "localhost"
  port: 5432
  name: "perpcore_test"
  user: "perpcore"
  pass: "${TEST_DB_PASS}"

exchange:
  api_key: "${TEST_BYBIT_API_KEY}"
  secret_key: "${TEST_BYBIT_SECRET_KEY}"

system:
  log_level: "DEBUG"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configContent), 0o600))

	t.Setenv("TEST_DB_PASS", "pg_pass_from_env")
	t.Setenv("TEST_BYBIT_API_KEY", "test_api_key_from_env")
	t.Setenv("TEST_BYBIT_SECRET_KEY", "test_secret_key_from_env")

	config, err := LoadConfig(path)
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, Secret("pg_pass_from_env"), config.DB.Pass)
	assert.Equal(t, Secret("test_api_key_from_env"), config.Exchange.APIKey)
	assert.Equal(t, Secret("test_secret_key_from_env"), config.Exchange.SecretKey)
	assert.Equal(t, "DEBUG", config.System.LogLevel)

	// Fields not present in the file keep their defaults.
	assert.Equal(t, 5, config.Watcher.PollSec)
	assert.Equal(t, 2.0, config.Manager.DynamicSLPct)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "BTCUSDT", cfg.App.Symbol)
	assert.False(t, cfg.App.Live())
	assert.Equal(t, 65.0, cfg.Manager.ReduceCounter)
	assert.Equal(t, 30, cfg.Events.BundleWindowSec)
	assert.Equal(t, 0.55, cfg.Adaptive.PenaltyFloor)
	assert.Equal(t, 24, cfg.LLM.DailyDeepCap)
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "missing symbol",
			mutate:  func(c *Config) { c.App.Symbol = "" },
			wantMsg: "app.symbol",
		},
		{
			name:    "live trading phrase mismatch",
			mutate:  func(c *Config) { c.App.LiveTrading = "yes" },
			wantMsg: "app.live_trading",
		},
		{
			name:    "missing db host",
			mutate:  func(c *Config) { c.DB.Host = "" },
			wantMsg: "db.host",
		},
		{
			name:    "invalid db port",
			mutate:  func(c *Config) { c.DB.Port = 70000 },
			wantMsg: "db.port",
		},
		{
			name:    "non-positive rate limit",
			mutate:  func(c *Config) { c.Compliance.RateLimitSec = 0 },
			wantMsg: "compliance.rate_limit_sec",
		},
		{
			name:    "sleep tiers out of order",
			mutate:  func(c *Config) { c.Manager.SleepSlowSec = 1 },
			wantMsg: "position_manager.sleep",
		},
		{
			name:    "non-positive poll interval",
			mutate:  func(c *Config) { c.Watcher.PollSec = 0 },
			wantMsg: "fill_watcher.poll_sec",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.System.LogLevel = "LOUD" },
			wantMsg: "system.log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Symbol = ""
	cfg.DB.Name = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.symbol")
	assert.Contains(t, err.Error(), "db.name")
}

func TestAppLive(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.App.Live())

	cfg.App.LiveTrading = LiveTradingPhrase
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.App.Live())
}

func TestDBConfigDSN(t *testing.T) {
	d := DBConfig{
		Host:               "db.internal",
		Port:               5433,
		Name:               "perpcore",
		User:               "bot",
		Pass:               Secret("hunter2"),
		StatementTimeoutMS: 30000,
	}

	dsn := d.DSN()
	assert.Contains(t, dsn, "host=db.internal")
	assert.Contains(t, dsn, "port=5433")
	assert.Contains(t, dsn, "password=hunter2")
	assert.Contains(t, dsn, "statement_timeout=30000")
}

func TestExchangeHasCredentials(t *testing.T) {
	e := ExchangeConfig{}
	assert.False(t, e.HasCredentials())

	e.APIKey = Secret("key")
	assert.False(t, e.HasCredentials())

	e.SecretKey = Secret("secret")
	assert.True(t, e.HasCredentials())
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("super-secret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", s))

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	out, err := yaml.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(out), "[REDACTED]")

	assert.Equal(t, "", Secret("").String())
}

func TestConfigStringRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DB.Pass = Secret("pg_pass")
	cfg.Exchange.APIKey = Secret("api_key_value")

	s := cfg.String()
	assert.NotContains(t, s, "pg_pass")
	assert.NotContains(t, s, "api_key_value")
	assert.Contains(t, s, "[REDACTED]")
}
