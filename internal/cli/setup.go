package cli

import (
	"fmt"

	"github.com/harun/lunar/internal/config"
	"github.com/spf13/cobra"
)

var setupCmd = &cobra.Command{
	Use:     "setup",
	Aliases: []string{"configure"},
	Short:   "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up Lunar.
The wizard will guide you through the AI provider, API key, Telegram and
gateway settings and writes the config file.`,
	Args: cobra.NoArgs,
	RunE: runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	base, loader, err := loadConfig()
	if err != nil {
		return err
	}

	wizard := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout())
	cfg, err := wizard.Run(base)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nConfiguration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "\nYou can now start Lunar with: lunar start")
	return nil
}
