package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard, starting from base.
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== Lunar Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := *base
	cfg.AI.APIKeys = copyMap(base.AI.APIKeys)
	cfg.AI.Models = copyMap(base.AI.Models)
	validator := NewValidator()

	// Provider
	for {
		current := cfg.AI.Provider
		if current == "" {
			current = "google"
		}
		fmt.Fprintf(w.out, "AI provider (%s) [%s]: ", providerList(), current)
		provider, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if provider == "" {
			provider = current
		}
		if err := validator.ValidateProvider(provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.AI.Provider = provider
		break
	}

	// API key for the chosen provider
	for {
		fmt.Fprintf(w.out, "%s API key (press Enter to keep current): ", cfg.AI.Provider)
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if err := validator.ValidateAPIKey(key, cfg.AI.Provider); err != nil {
			fmt.Fprintf(w.out, "Warning: %v\n", err)
		}
		cfg.AI.APIKeys[cfg.AI.Provider] = key
		break
	}

	fmt.Fprintf(w.out, "Model (press Enter for the provider default): ")
	model, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if model != "" {
		cfg.AI.Models[cfg.AI.Provider] = model
	}

	fmt.Fprintf(w.out, "Workspace path [%s]: ", cfg.WorkspacePath)
	workspace, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.WorkspacePath = workspace
	}

	fmt.Fprintln(w.out)

	// Telegram Configuration
	fmt.Fprint(w.out, "Enable Telegram integration? (y/n) [n]: ")
	enable, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if strings.ToLower(enable) == "y" {
		cfg.Telegram.Enabled = true

		for {
			fmt.Fprint(w.out, "Telegram Bot Token: ")
			token, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateTelegramToken(token); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Telegram.BotToken = token
			break
		}

		fmt.Fprint(w.out, "Allowed chat ids, comma separated (empty allows all): ")
		chats, err := w.readLine()
		if err != nil {
			return nil, err
		}
		cfg.Telegram.AllowedChats = nil
		for _, id := range strings.Split(chats, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if err := validator.ValidateChatID(id); err != nil {
				fmt.Fprintf(w.out, "Warning: %v, skipped\n", err)
				continue
			}
			cfg.Telegram.AllowedChats = append(cfg.Telegram.AllowedChats, id)
		}
	} else {
		cfg.Telegram.Enabled = false
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return &cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
