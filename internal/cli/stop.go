package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Lunar daemon service",
	Long: `Stop the Lunar daemon service gracefully.
Sends SIGTERM to the daemon and waits for it to shut down.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	out := cmd.OutOrStdout()
	lm := lifecycleFor(cfg, log)
	if !lm.IsRunning() {
		// Clear a PID file left behind by a crash
		_ = lm.Stop()
		fmt.Fprintln(out, "Daemon is not running")
		return nil
	}

	if err := lm.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	// Wait for process to stop with timeout
	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !lm.IsRunning() {
			fmt.Fprintln(out, "Daemon stopped successfully")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := lm.Signal(syscall.SIGKILL); err != nil {
		return err
	}

	if err := os.Remove(lm.PIDFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	fmt.Fprintln(out, "Daemon killed")
	return nil
}
