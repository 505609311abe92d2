package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/lunar/pkg/agent"
	"github.com/harun/lunar/pkg/kvstore"
)

// Settings are runtime AI overrides persisted in the kv store. They take
// precedence over the config file.
type Settings struct {
	Provider string            `json:"provider,omitempty"`
	APIKeys  map[string]string `json:"apiKeys,omitempty"`
	Models   map[string]string `json:"models,omitempty"`
}

// LiveSettings merges the file's AI section with stored overrides. It is
// consulted on every agent turn, so changes apply without a restart.
type LiveSettings struct {
	kv kvstore.Store

	mu   sync.RWMutex
	file AIConfig
}

// NewLiveSettings creates live settings over kv, starting from the file's
// AI section.
func NewLiveSettings(kv kvstore.Store, file AIConfig) (*LiveSettings, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	return &LiveSettings{kv: kv, file: file}, nil
}

// SetFile replaces the file layer, e.g. after a config reload.
func (l *LiveSettings) SetFile(file AIConfig) {
	l.mu.Lock()
	l.file = file
	l.mu.Unlock()
}

// Stored returns the persisted overrides.
func (l *LiveSettings) Stored(ctx context.Context) (Settings, error) {
	var s Settings
	if _, err := l.kv.Get(ctx, kvstore.KeySettings, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}
	return s, nil
}

// Effective returns the merged AI section.
func (l *LiveSettings) Effective(ctx context.Context) (AIConfig, error) {
	l.mu.RLock()
	out := AIConfig{
		Provider: l.file.Provider,
		APIKeys:  copyMap(l.file.APIKeys),
		Models:   copyMap(l.file.Models),
	}
	l.mu.RUnlock()

	stored, err := l.Stored(ctx)
	if err != nil {
		return out, err
	}
	if stored.Provider != "" {
		out.Provider = stored.Provider
	}
	for k, v := range stored.APIKeys {
		out.APIKeys[k] = v
	}
	for k, v := range stored.Models {
		out.Models[k] = v
	}
	return out, nil
}

// ActiveBackend implements agent.BackendSource.
func (l *LiveSettings) ActiveBackend(ctx context.Context) agent.BackendSettings {
	ai, _ := l.Effective(ctx)
	provider := ai.Provider
	if provider == "" {
		provider = agent.ProviderGoogle
	}
	return agent.BackendSettings{
		Provider: provider,
		Model:    ai.Models[provider],
		APIKey:   ai.APIKeys[provider],
	}
}

// SettingKeys are the keys Set accepts. Per-provider keys take the form
// api_key.<provider> and model.<provider>.
var SettingKeys = []string{"provider", "api_key.<provider>", "model.<provider>"}

// Set stores one override. An empty value removes it.
func (l *LiveSettings) Set(ctx context.Context, key, value string) error {
	value = strings.TrimSpace(value)

	l.mu.Lock()
	defer l.mu.Unlock()

	var s Settings
	if _, err := l.kv.Get(ctx, kvstore.KeySettings, &s); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	name, provider, _ := strings.Cut(key, ".")
	switch name {
	case "provider":
		if value != "" && !IsProvider(value) {
			return fmt.Errorf("invalid provider: %s (must be one of: %s)", value, providerList())
		}
		s.Provider = value
	case "api_key", "model":
		if !IsProvider(provider) {
			return fmt.Errorf("invalid provider in %s (must be one of: %s)", key, providerList())
		}
		target := &s.APIKeys
		if name == "model" {
			target = &s.Models
		}
		if *target == nil {
			*target = map[string]string{}
		}
		if value == "" {
			delete(*target, provider)
		} else {
			(*target)[provider] = value
		}
	default:
		return fmt.Errorf("unknown setting %s (known: %s)", key, strings.Join(SettingKeys, ", "))
	}

	if err := l.kv.Put(ctx, kvstore.KeySettings, s); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
