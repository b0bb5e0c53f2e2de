package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Kestrel configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Job queue / worker pool
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Agent loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// LLM providers and keys
	LLM LLMConfig `json:"llm" mapstructure:"llm"`

	// Tool registry
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Gateway (websocket event streaming)
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// QueueConfig holds worker pool configuration
type QueueConfig struct {
	Workers            int `json:"workers" mapstructure:"workers"`
	StalledIntervalSec int `json:"stalled_interval_sec" mapstructure:"stalled_interval_sec"`
	MaxStalls          int `json:"max_stalls" mapstructure:"max_stalls"`
	HeartbeatSec       int `json:"heartbeat_sec" mapstructure:"heartbeat_sec"`
}

// AgentConfig holds agent loop configuration
type AgentConfig struct {
	MaxIterations    int     `json:"max_iterations" mapstructure:"max_iterations"`
	MalformedLimit   int     `json:"malformed_limit" mapstructure:"malformed_limit"`
	LoopWindow       int     `json:"loop_window" mapstructure:"loop_window"`
	JaccardThreshold float64 `json:"jaccard_threshold" mapstructure:"jaccard_threshold"`
	HistoryEntryCap  int     `json:"history_entry_cap" mapstructure:"history_entry_cap"`
	MaxHistoryLength int     `json:"max_history_length" mapstructure:"max_history_length"`
	WorkingContext   string  `json:"working_context" mapstructure:"working_context"`
}

// LLMConfig holds provider hierarchy and key configuration
type LLMConfig struct {
	Hierarchy          []string    `json:"hierarchy" mapstructure:"hierarchy"`
	Keys               []KeyConfig `json:"keys" mapstructure:"keys"`
	MasterKey          *KeyConfig  `json:"master_key" mapstructure:"master_key"`
	CallTimeoutSec     int         `json:"call_timeout_sec" mapstructure:"call_timeout_sec"`
	ProviderAttempts   int         `json:"provider_attempts" mapstructure:"provider_attempts"`
	RetryCapSec        int         `json:"retry_cap_sec" mapstructure:"retry_cap_sec"`
	TempErrorThreshold int         `json:"temp_error_threshold" mapstructure:"temp_error_threshold"`
	KeyCooldownSec     int         `json:"key_cooldown_sec" mapstructure:"key_cooldown_sec"`
}

// KeyConfig represents a configured LLM API key
type KeyConfig struct {
	Provider string `json:"provider" mapstructure:"provider"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ToolsConfig holds tool registry configuration
type ToolsConfig struct {
	ManifestDir string `json:"manifest_dir" mapstructure:"manifest_dir"`
	HotReload   bool   `json:"hot_reload" mapstructure:"hot_reload"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Queue: QueueConfig{
			Workers:            4,
			StalledIntervalSec: 30,
			MaxStalls:          3,
			HeartbeatSec:       10,
		},
		Agent: AgentConfig{
			MaxIterations:    10,
			MalformedLimit:   2,
			LoopWindow:       3,
			JaccardThreshold: 0.8,
			HistoryEntryCap:  5000,
			MaxHistoryLength: 200,
		},
		LLM: LLMConfig{
			Hierarchy:          []string{"anthropic", "openai", "qwen"},
			CallTimeoutSec:     30,
			ProviderAttempts:   3,
			RetryCapSec:        10,
			TempErrorThreshold: 999,
			KeyCooldownSec:     30,
		},
		Tools: ToolsConfig{
			HotReload: false,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8321,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue workers must be positive")
	}
	if c.Queue.MaxStalls < 0 {
		return fmt.Errorf("queue max stalls cannot be negative")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent max iterations must be positive")
	}
	if c.Agent.JaccardThreshold <= 0 || c.Agent.JaccardThreshold > 1 {
		return fmt.Errorf("agent jaccard threshold must be in (0, 1]")
	}

	if len(c.LLM.Hierarchy) == 0 {
		return fmt.Errorf("llm hierarchy cannot be empty")
	}
	known := map[string]bool{"anthropic": true, "openai": true, "gemini": true, "qwen": true}
	for _, p := range c.LLM.Hierarchy {
		if !known[p] {
			return fmt.Errorf("llm hierarchy: unknown provider %s", p)
		}
	}

	for i, key := range c.LLM.Keys {
		if key.Provider == "" {
			return fmt.Errorf("llm key %d: provider is required", i)
		}
		if key.APIKey == "" {
			return fmt.Errorf("llm key %d: api_key is required", i)
		}
		if !known[key.Provider] {
			return fmt.Errorf("llm key %d: unknown provider %s", i, key.Provider)
		}
	}

	if c.Gateway.Enabled && (c.Gateway.Port <= 0 || c.Gateway.Port > 65535) {
		return fmt.Errorf("gateway port must be in (0, 65535]")
	}

	return nil
}
