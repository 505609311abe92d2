package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/lunar/internal/config"
	"github.com/harun/lunar/internal/daemon"
	"github.com/harun/lunar/internal/observability"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change runtime settings",
	Long: `Show or change runtime settings.
Values set here are stored in the data directory and take precedence over the
config file. A running daemon picks them up on its next turn.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration (secrets masked)",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store a runtime setting; omit the value to clear it",
	Long: fmt.Sprintf(`Store a runtime setting; omit the value to clear it.
Known keys: %s`, strings.Join(config.SettingKeys, ", ")),
	Args: cobra.RangeArgs(1, 2),
	RunE: runConfigSet,
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	return withCore(func(cfg *config.Config, core *daemon.Core) error {
		ai, err := core.Settings.Effective(cmd.Context())
		if err != nil {
			return err
		}

		shown := *cfg
		shown.AI = ai
		shown.AI.APIKeys = maskSecrets(ai.APIKeys)
		shown.Telegram.BotToken = maskSecret(cfg.Telegram.BotToken)
		shown.Gateway.SharedSecret = maskSecret(cfg.Gateway.SharedSecret)

		data, err := json.MarshalIndent(&shown, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	})
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := ""
	if len(args) == 2 {
		value = args[1]
	}

	return withCore(func(_ *config.Config, core *daemon.Core) error {
		ctx := cmd.Context()
		if err := core.Settings.Set(ctx, key, value); err != nil {
			return err
		}
		observability.RecordConfigAudit(ctx, "set", "cli", map[string]interface{}{"key": key})

		out := cmd.OutOrStdout()
		if value == "" {
			fmt.Fprintf(out, "Cleared %s\n", key)
			return nil
		}
		if strings.HasPrefix(key, "api_key") {
			value = maskSecret(value)
		}
		fmt.Fprintf(out, "Set %s = %s\n", key, value)
		return nil
	})
}

func maskSecrets(in map[string]string) map[string]string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(in))
	for _, k := range keys {
		out[k] = maskSecret(in[k])
	}
	return out
}

// maskSecret keeps the last four characters of long secrets.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}
