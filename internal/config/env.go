package config

import (
	"strings"

	"github.com/spf13/viper"
)

var envReplacer = strings.NewReplacer(".", "_")

// envKeys are bound explicitly so AutomaticEnv can fill them even when the
// config file does not mention them.
var envKeys = []string{
	"ai.provider",
	"ai.api_keys.openai",
	"ai.api_keys.groq",
	"ai.api_keys.google",
	"ai.api_keys.anthropic",
	"telegram.enabled",
	"telegram.bot_token",
	"gateway.port",
	"gateway.host",
	"gateway.shared_secret",
	"logging.level",
	"data_dir",
	"workspace_path",
}

func bindEnv(v *viper.Viper) {
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
}
