package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Lunar configuration
type Config struct {
	// AI provider selection and credentials
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Agent loop limits
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Telegram channel
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace path
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Provider string            `json:"provider" mapstructure:"provider"` // openai, groq, google, anthropic
	APIKeys  map[string]string `json:"api_keys" mapstructure:"api_keys"`
	Models   map[string]string `json:"models" mapstructure:"models"`
}

// AgentConfig bounds a single agent turn
type AgentConfig struct {
	MaxHistory     int `json:"max_history" mapstructure:"max_history"`
	MaxRounds      int `json:"max_rounds" mapstructure:"max_rounds"`
	MaxTokens      int `json:"max_tokens" mapstructure:"max_tokens"`
	ToolTimeout    int `json:"tool_timeout" mapstructure:"tool_timeout"` // seconds, 0 = none
	MaxToolOutput  int `json:"max_tool_output" mapstructure:"max_tool_output"`
	RetryAttempts  int `json:"retry_attempts" mapstructure:"retry_attempts"`
	CommandTimeout int `json:"command_timeout" mapstructure:"command_timeout"` // seconds
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	BotToken string `json:"bot_token" mapstructure:"bot_token"`
	// AllowedChats restricts which chat ids are served; empty serves all.
	AllowedChats []string `json:"allowed_chats" mapstructure:"allowed_chats"`
	Hotword      string   `json:"hotword" mapstructure:"hotword"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	StaticDir    string `json:"static_dir" mapstructure:"static_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

// TracingConfig controls the OpenTelemetry tracer provider
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Provider: "google",
			APIKeys:  map[string]string{},
			Models:   map[string]string{},
		},
		Agent: AgentConfig{
			MaxHistory:     50,
			MaxRounds:      25,
			MaxTokens:      4096,
			ToolTimeout:    0,
			MaxToolOutput:  10 * 1024,
			RetryAttempts:  3,
			CommandTimeout: 60,
		},
		Telegram: TelegramConfig{
			Enabled: false,
			Hotword: "@ai",
		},
		Gateway: GatewayConfig{
			Enabled:      true,
			Port:         18790,
			Host:         "127.0.0.1",
			SharedSecret: "",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Pretty:    true,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "lunar",
		},
		DataDir:       "",
		WorkspacePath: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid. A missing API key is not an
// error: the daemon runs and answers with a configuration notice instead.
func (c *Config) Validate() error {
	if c.AI.Provider != "" && !IsProvider(c.AI.Provider) {
		return fmt.Errorf("invalid AI provider %s (must be one of: %s)", c.AI.Provider, providerList())
	}
	for provider := range c.AI.APIKeys {
		if !IsProvider(provider) {
			return fmt.Errorf("api key for unknown provider %s", provider)
		}
	}

	if c.Agent.MaxHistory < 0 {
		return fmt.Errorf("agent.max_history must be >= 0")
	}
	if c.Agent.MaxRounds < 0 {
		return fmt.Errorf("agent.max_rounds must be >= 0")
	}
	if c.Agent.ToolTimeout < 0 {
		return fmt.Errorf("agent.tool_timeout must be >= 0")
	}
	if c.Agent.MaxToolOutput < 0 {
		return fmt.Errorf("agent.max_tool_output must be >= 0")
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required when Telegram channel is enabled")
	}

	if c.Gateway.Enabled && (c.Gateway.Port <= 0 || c.Gateway.Port > 65535) {
		return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
	}

	return nil
}
