package cli

import (
	"fmt"

	"github.com/harun/lunar/internal/daemon"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Lunar daemon in the foreground",
	Long: `Start the Lunar daemon in the foreground.
The daemon serves Telegram and the gateway, arms scheduled jobs and writes a
PID file under the data directory. Stop it with Ctrl-C or "lunar stop".`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	if lm := lifecycleFor(cfg, log); lm.IsRunning() {
		return fmt.Errorf("daemon is already running (PID file: %s)", lm.PIDFile())
	}

	d, err := daemon.New(cfg, log, daemon.Options{Core: daemon.CoreOptions{Factory: backendFactory}})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		_ = d.Close()
		return err
	}

	if err := d.WatchConfig(loader); err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Lunar daemon started")
	if gw := d.Gateway(); gw != nil {
		fmt.Fprintf(out, "Gateway: http://%s\n", gw.Addr())
	}

	d.Wait()
	return nil
}
