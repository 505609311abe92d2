package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Providers lists the supported AI providers.
var Providers = []string{"openai", "groq", "google", "anthropic"}

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// IsProvider reports whether name is a supported provider.
func IsProvider(name string) bool {
	for _, p := range Providers {
		if p == name {
			return true
		}
	}
	return false
}

func providerList() string {
	return strings.Join(Providers, ", ")
}

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "groq":
		if !strings.HasPrefix(key, "gsk_") {
			return fmt.Errorf("invalid Groq API key format (should start with gsk_)")
		}
	case "google":
		if !strings.HasPrefix(key, "AIza") {
			return fmt.Errorf("invalid Google API key format (should start with AIza)")
		}
	default:
		return fmt.Errorf("unknown provider %s (must be one of: %s)", provider, providerList())
	}

	return nil
}

// ValidateProvider validates a provider name
func (v *Validator) ValidateProvider(provider string) error {
	if !IsProvider(provider) {
		return fmt.Errorf("invalid provider: %s (must be one of: %s)", provider, providerList())
	}
	return nil
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// Telegram bot tokens have format: <bot_id>:<token>
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}

// ValidateChatID validates a Telegram chat id
func (v *Validator) ValidateChatID(id string) error {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return fmt.Errorf("invalid telegram chat id: %s", id)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig reports every format problem it can find. Unlike
// Config.Validate these are advisory.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for provider, key := range cfg.AI.APIKeys {
		if key == "" {
			continue
		}
		if err := v.ValidateAPIKey(key, provider); err != nil {
			errors = append(errors, fmt.Errorf("ai.api_keys.%s: %w", provider, err))
		}
	}
	if cfg.AI.Provider != "" && cfg.AI.APIKeys[cfg.AI.Provider] == "" {
		errors = append(errors, fmt.Errorf("no API key configured for active provider %s", cfg.AI.Provider))
	}

	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			errors = append(errors, err)
		}
	}
	for _, id := range cfg.Telegram.AllowedChats {
		if err := v.ValidateChatID(id); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Gateway.Enabled && cfg.Gateway.SharedSecret == "" && cfg.Gateway.Host != "127.0.0.1" && cfg.Gateway.Host != "localhost" {
		errors = append(errors, fmt.Errorf("gateway listens on %s without a shared secret", cfg.Gateway.Host))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
