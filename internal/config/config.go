// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LiveTradingPhrase must be set verbatim in LIVE_TRADING for live action
const LiveTradingPhrase = "YES_I_UNDERSTAND"

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig        `yaml:"app"`
	DB         DBConfig         `yaml:"db"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Manager    ManagerConfig    `yaml:"position_manager"`
	Watcher    WatcherConfig    `yaml:"fill_watcher"`
	Events     EventsConfig     `yaml:"events"`
	Adaptive   AdaptiveConfig   `yaml:"adaptive"`
	Safety     SafetyConfig     `yaml:"safety"`
	LLM        LLMConfig        `yaml:"llm"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Control    ControlConfig    `yaml:"control"`
	System     SystemConfig     `yaml:"system"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Symbol      string `yaml:"symbol" validate:"required"`
	LiveTrading string `yaml:"live_trading"` // must equal LiveTradingPhrase for live action
}

// Live reports whether live trading is armed
func (a AppConfig) Live() bool {
	return a.LiveTrading == LiveTradingPhrase
}

// DBConfig contains Postgres connection settings
type DBConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Name               string `yaml:"name"`
	User               string `yaml:"user"`
	Pass               Secret `yaml:"pass"`
	StatementTimeoutMS int    `yaml:"statement_timeout_ms"`
}

// DSN builds the pgx connection string
func (d DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=disable statement_timeout=%d",
		d.Host, d.Port, d.Name, d.User, string(d.Pass), d.StatementTimeoutMS)
}

// ExchangeConfig contains venue credentials and tuning
type ExchangeConfig struct {
	APIKey         Secret `yaml:"api_key"`
	SecretKey      Secret `yaml:"secret_key"`
	BaseURL        string `yaml:"base_url"`
	WSURL          string `yaml:"ws_url"`
	HTTPTimeoutSec int    `yaml:"http_timeout_sec" validate:"min=1,max=60"`
	RecvWindowMS   int    `yaml:"recv_window_ms"`
}

// HasCredentials reports whether API access is configured. Credential-missing
// states degrade to local-only mode without crashing.
func (e ExchangeConfig) HasCredentials() bool {
	return e.APIKey != "" && e.SecretKey != ""
}

// ComplianceConfig contains ECL thresholds
type ComplianceConfig struct {
	RateLimitSec              float64 `yaml:"rate_limit_sec"`
	ConsecutiveErrorThreshold int     `yaml:"consecutive_error_threshold"`
	ConsecutiveErrorBlockSec  int     `yaml:"consecutive_error_block_sec"`
	ProtectionWindowSec       int     `yaml:"protection_window_sec"`
	ProtectionThreshold       int     `yaml:"protection_threshold"`
	ProtectionDurationSec     int     `yaml:"protection_duration_sec"`
	MarketInfoTTLSec          int     `yaml:"market_info_ttl_sec"`
}

// ManagerConfig contains position manager loop tuning
type ManagerConfig struct {
	SleepFastSec   int     `yaml:"sleep_fast_sec"`
	SleepNormalSec int     `yaml:"sleep_normal_sec"`
	SleepSlowSec   int     `yaml:"sleep_slow_sec"`
	DynamicSLPct   float64 `yaml:"dynamic_sl_pct"`
	AddScoreMin    float64 `yaml:"add_score_min"`
	ReverseScore   float64 `yaml:"reverse_score_min"`
	ReduceCounter  float64 `yaml:"reduce_counter_min"`
	ReduceOwnMax   float64 `yaml:"reduce_own_max"`
	DeferWindowSec int     `yaml:"defer_window_sec"`
	AddSlicePct    float64 `yaml:"add_slice_pct"`
}

// WatcherConfig contains fill watcher tuning
type WatcherConfig struct {
	PollSec               int `yaml:"poll_sec"`
	MaxPollsPerOrder      int `yaml:"max_polls_per_order"`
	OrderTimeoutSec       int `yaml:"order_timeout_sec"`
	PositionVerifyDelaySec int `yaml:"position_verify_delay_sec"`
	ReconcileEveryNCycles int `yaml:"reconcile_every_n_cycles"`
	DriftTTLSec           int `yaml:"drift_ttl_sec"`
}

// EventsConfig contains trigger engine tuning and feature flags
type EventsConfig struct {
	BundleWindowSec      int     `yaml:"bundle_window_sec"`
	DedupWindowMin       int     `yaml:"dedup_window_min"`
	HoldRepeatLimit      int     `yaml:"hold_repeat_limit"`
	ConsecutiveHoldLimit int     `yaml:"consecutive_hold_limit"`
	VolumeSpikeRatio     float64 `yaml:"volume_spike_ratio"`
	FFEventDecisionMode  bool    `yaml:"ff_event_decision_mode"`
}

// AdaptiveConfig contains adaptive layer tuning
type AdaptiveConfig struct {
	PenaltyFloor     float64 `yaml:"penalty_floor"`
	StatePath        string  `yaml:"state_path"` // JSON backup beside the DB copy
	L1CooldownSec    int     `yaml:"l1_cooldown_sec"`
	WarnEscalateSec  int     `yaml:"warn_escalate_sec"`
}

// SafetyConfig contains pre-enqueue safety limits
type SafetyConfig struct {
	DailyLossLimitUSDT float64 `yaml:"daily_loss_limit_usdt"`
	HourlyOrderLimit   int     `yaml:"hourly_order_limit"`
	CapitalCapUSDT     float64 `yaml:"capital_cap_usdt"`
}

// LLMConfig contains analysis provider settings
type LLMConfig struct {
	APIKey        Secret `yaml:"api_key"`
	Model         string `yaml:"model"`
	MiniModel     string `yaml:"mini_model"`
	BaseURL       string `yaml:"base_url"`
	TimeoutSec    int    `yaml:"timeout_sec"`
	DailyDeepCap  int    `yaml:"daily_deep_cap"`
	CooldownSec   int    `yaml:"cooldown_sec"`
}

// TelegramConfig contains operator channel settings
type TelegramConfig struct {
	BotToken   Secret `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	OffsetFile string `yaml:"offset_file"`
	DebugMode  bool   `yaml:"debug_mode"`
}

// Enabled reports whether the Telegram surface is configured
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// ControlConfig contains filesystem toggle paths
type ControlConfig struct {
	KillSwitchPath  string `yaml:"kill_switch_path"`
	PausePath       string `yaml:"pause_path"`
	TestModePath    string `yaml:"test_mode_path"`
	BackfillEnable  string `yaml:"backfill_enable_path"`
	BackfillPause   string `yaml:"backfill_pause_path"`
	BackfillStop    string `yaml:"backfill_stop_path"`
	PidDir          string `yaml:"pid_dir"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateDB(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateCompliance(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateManager(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateWatcher(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	if c.App.Symbol == "" {
		return ValidationError{Field: "app.symbol", Message: "trading symbol is required"}
	}
	if c.App.LiveTrading != "" && c.App.LiveTrading != LiveTradingPhrase {
		return ValidationError{
			Field:   "app.live_trading",
			Value:   c.App.LiveTrading,
			Message: fmt.Sprintf("must be empty or the literal %q", LiveTradingPhrase),
		}
	}
	return nil
}

func (c *Config) validateDB() error {
	if c.DB.Host == "" {
		return ValidationError{Field: "db.host", Message: "database host is required"}
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		return ValidationError{Field: "db.port", Value: c.DB.Port, Message: "must be a valid port"}
	}
	if c.DB.Name == "" {
		return ValidationError{Field: "db.name", Message: "database name is required"}
	}
	return nil
}

func (c *Config) validateCompliance() error {
	if c.Compliance.RateLimitSec <= 0 {
		return ValidationError{
			Field:   "compliance.rate_limit_sec",
			Value:   c.Compliance.RateLimitSec,
			Message: "rate limit must be positive",
		}
	}
	if c.Compliance.ConsecutiveErrorThreshold < 1 {
		return ValidationError{
			Field:   "compliance.consecutive_error_threshold",
			Value:   c.Compliance.ConsecutiveErrorThreshold,
			Message: "threshold must be at least 1",
		}
	}
	if c.Compliance.ProtectionThreshold < 1 {
		return ValidationError{
			Field:   "compliance.protection_threshold",
			Value:   c.Compliance.ProtectionThreshold,
			Message: "threshold must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateManager() error {
	if c.Manager.SleepFastSec <= 0 || c.Manager.SleepSlowSec < c.Manager.SleepFastSec {
		return ValidationError{
			Field:   "position_manager.sleep",
			Message: "sleep tiers must be positive and ordered fast <= slow",
		}
	}
	if c.Manager.DynamicSLPct <= 0 {
		return ValidationError{
			Field:   "position_manager.dynamic_sl_pct",
			Value:   c.Manager.DynamicSLPct,
			Message: "stop loss percent must be positive",
		}
	}
	return nil
}

func (c *Config) validateWatcher() error {
	if c.Watcher.PollSec <= 0 {
		return ValidationError{Field: "fill_watcher.poll_sec", Value: c.Watcher.PollSec, Message: "poll interval must be positive"}
	}
	if c.Watcher.MaxPollsPerOrder <= 0 {
		return ValidationError{Field: "fill_watcher.max_polls_per_order", Value: c.Watcher.MaxPollsPerOrder, Message: "poll cap must be positive"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration; Secret fields
// redact themselves through their MarshalYAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the documented defaults; LoadConfig overlays the
// YAML file on top of it.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		App: AppConfig{
			Symbol: "BTCUSDT",
		},
		DB: DBConfig{
			Host:               "localhost",
			Port:               5432,
			Name:               "perpcore",
			User:               "perpcore",
			StatementTimeoutMS: 30000,
		},
		Exchange: ExchangeConfig{
			BaseURL:        "https://api.bybit.com",
			WSURL:          "wss://stream.bybit.com/v5/public/linear",
			HTTPTimeoutSec: 15,
			RecvWindowMS:   5000,
		},
		Compliance: ComplianceConfig{
			RateLimitSec:              1.0,
			ConsecutiveErrorThreshold: 3,
			ConsecutiveErrorBlockSec:  300,
			ProtectionWindowSec:       120,
			ProtectionThreshold:       3,
			ProtectionDurationSec:     300,
			MarketInfoTTLSec:          600,
		},
		Manager: ManagerConfig{
			SleepFastSec:   10,
			SleepNormalSec: 15,
			SleepSlowSec:   30,
			DynamicSLPct:   2.0,
			AddScoreMin:    65,
			ReverseScore:   70,
			ReduceCounter:  65,
			ReduceOwnMax:   40,
			DeferWindowSec: 300,
			AddSlicePct:    10,
		},
		Watcher: WatcherConfig{
			PollSec:                5,
			MaxPollsPerOrder:       30,
			OrderTimeoutSec:        60,
			PositionVerifyDelaySec: 2,
			ReconcileEveryNCycles:  5,
			DriftTTLSec:            600,
		},
		Events: EventsConfig{
			BundleWindowSec:      30,
			DedupWindowMin:       30,
			HoldRepeatLimit:      3,
			ConsecutiveHoldLimit: 5,
			VolumeSpikeRatio:     2.0,
		},
		Adaptive: AdaptiveConfig{
			PenaltyFloor:    0.55,
			StatePath:       filepath.Join(home, ".perpcore", "adaptive_state.json"),
			L1CooldownSec:   1800,
			WarnEscalateSec: 120,
		},
		Safety: SafetyConfig{
			DailyLossLimitUSDT: 500,
			HourlyOrderLimit:   20,
			CapitalCapUSDT:     10000,
		},
		LLM: LLMConfig{
			Model:        "gpt-4o",
			MiniModel:    "gpt-4o-mini",
			BaseURL:      "https://api.openai.com/v1",
			TimeoutSec:   30,
			DailyDeepCap: 24,
			CooldownSec:  180,
		},
		Telegram: TelegramConfig{
			OffsetFile: filepath.Join(home, ".perpcore", "telegram_offset"),
		},
		Control: ControlConfig{
			KillSwitchPath: filepath.Join(home, ".perpcore", "KILL_SWITCH"),
			PausePath:      filepath.Join(home, ".perpcore", "PAUSE"),
			TestModePath:   filepath.Join(home, ".perpcore", "TEST_MODE_ACTIVE"),
			BackfillEnable: filepath.Join(home, ".perpcore", "BACKFILL_ENABLE"),
			BackfillPause:  filepath.Join(home, ".perpcore", "BACKFILL_PAUSE"),
			BackfillStop:   filepath.Join(home, ".perpcore", "BACKFILL_STOP"),
			PidDir:         filepath.Join(home, ".perpcore", "run"),
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9180,
			EnableMetrics: true,
		},
	}
}
