package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the Lunar daemon service.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := lm.GetPID()
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if started, err := lm.StartedAt(); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(started)))
	}

	if !cfg.Gateway.Enabled {
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	var info map[string]interface{}
	if err := newRPCClient(cfg).Call(ctx, "status", nil, &info); err != nil {
		fmt.Fprintf(out, "Gateway: unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Provider: %v\n", info["provider"])
	if model, _ := info["model"].(string); model != "" {
		fmt.Fprintf(out, "Model: %s\n", model)
	}
	if links, ok := info["channels"].(map[string]interface{}); ok {
		names := make([]string, 0, len(links))
		for name := range links {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "Channel %s: connected=%v\n", name, links[name])
		}
	}
	fmt.Fprintf(out, "Sessions: %v, Jobs: %v\n", info["sessions"], info["jobs"])
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
