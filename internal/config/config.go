package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 1024
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 18850
	DefaultBufSize           = 100
	DefaultBackendTimeoutMs  = 10000
	DefaultDecisionDeadline  = 180 // seconds before an undecided session is escalated
	DefaultWatchdogSweepSecs = 15
	DefaultMaxClarifyTurns   = 2
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Backend  BackendConfig  `json:"backend"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Watchdog WatchdogConfig `json:"watchdog"`
	Journal  JournalConfig  `json:"journal"`
	Checkins CheckinsConfig `json:"checkins"`
}

type AgentConfig struct {
	Model           string `json:"model"`
	MaxTokens       int    `json:"maxTokens"`
	LLMSummaries    bool   `json:"llmSummaries"`
	MaxClarifyTurns int    `json:"maxClarifyTurns"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// BackendConfig points at the incident backend that receives the terminal
// verify / contact / falsify requests.
type BackendConfig struct {
	BaseURL   string `json:"baseUrl"`
	APIKey    string `json:"apiKey"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type ChannelsConfig struct {
	VoiceBridge VoiceBridgeConfig `json:"voicebridge"`
	Telegram    TelegramConfig    `json:"telegram"`
}

// VoiceBridgeConfig configures the websocket endpoint the external speech
// pipeline connects to (one connection per live call).
type VoiceBridgeConfig struct {
	Enabled   bool     `json:"enabled"`
	Port      int      `json:"port,omitempty"`
	AllowFrom []string `json:"allowFrom"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// WatchdogConfig bounds how long a session may stay undecided before the
// sweeper escalates it.
type WatchdogConfig struct {
	DeadlineSecs int `json:"deadlineSecs"`
	SweepSecs    int `json:"sweepSecs"`
}

type JournalConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type CheckinsConfig struct {
	Enabled   bool   `json:"enabled"`
	StorePath string `json:"storePath,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:           DefaultModel,
			MaxTokens:       DefaultMaxTokens,
			MaxClarifyTurns: DefaultMaxClarifyTurns,
		},
		Provider: ProviderConfig{},
		Backend: BackendConfig{
			TimeoutMs: DefaultBackendTimeoutMs,
		},
		Channels: ChannelsConfig{},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Watchdog: WatchdogConfig{
			DeadlineSecs: DefaultDecisionDeadline,
			SweepSecs:    DefaultWatchdogSweepSecs,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".carecall")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.MaxTokens <= 0 {
		cfg.Agent.MaxTokens = DefaultMaxTokens
	}
	if cfg.Agent.MaxClarifyTurns <= 0 {
		cfg.Agent.MaxClarifyTurns = DefaultMaxClarifyTurns
	}
	if cfg.Backend.TimeoutMs <= 0 {
		cfg.Backend.TimeoutMs = DefaultBackendTimeoutMs
	}
	if cfg.Watchdog.DeadlineSecs <= 0 {
		cfg.Watchdog.DeadlineSecs = DefaultDecisionDeadline
	}
	if cfg.Watchdog.SweepSecs <= 0 {
		cfg.Watchdog.SweepSecs = DefaultWatchdogSweepSecs
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("CARECALL_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("CARECALL_PROVIDER_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("CARECALL_BACKEND_URL"); url != "" {
		cfg.Backend.BaseURL = url
	}
	if key := os.Getenv("CARECALL_BACKEND_API_KEY"); key != "" {
		cfg.Backend.APIKey = key
	}
	if token := os.Getenv("CARECALL_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if dbPath := os.Getenv("CARECALL_JOURNAL_DB_PATH"); dbPath != "" {
		cfg.Journal.DBPath = dbPath
	}
	if secs := os.Getenv("CARECALL_DECISION_DEADLINE_SECS"); secs != "" {
		if parsed, err := strconv.Atoi(secs); err == nil {
			cfg.Watchdog.DeadlineSecs = parsed
		}
	}
	if enabled := os.Getenv("CARECALL_LLM_SUMMARIES"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Agent.LLMSummaries = parsed
		}
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
