package cli

import (
	"fmt"

	"github.com/harun/lunar/internal/config"
	"github.com/harun/lunar/internal/daemon"
	"github.com/harun/lunar/internal/logger"
	"github.com/harun/lunar/pkg/agent"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// backendFactory overrides model backend construction, mainly for tests.
var backendFactory agent.BackendFactory

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lunar",
	Short: "Lunar - personal conversational agent",
	Long: `Lunar is a personal conversational agent that answers on Telegram, the web
dashboard and the terminal. It remembers people, schedules tasks and acts on
your workspace through a small set of capabilities.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.lunar/lunar.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the config file named by --config, or the default one.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, loader, nil
}

// newLogger builds the process logger. Console output is reserved for the
// foreground daemon; interactive commands keep the terminal clean.
func newLogger(cfg *config.Config, console bool) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}

func lifecycleFor(cfg *config.Config, log *logger.Logger) *daemon.LifecycleManager {
	return daemon.NewLifecycleManager(cfg.DataDir, log.GetZerolog())
}

// withCore opens the shared core modules for the duration of fn.
func withCore(fn func(cfg *config.Config, core *daemon.Core) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	core, err := daemon.OpenCore(cfg, log, daemon.CoreOptions{Factory: backendFactory})
	if err != nil {
		return err
	}
	defer core.Close()

	return fn(cfg, core)
}
