package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/harun/lunar/internal/config"
	"github.com/harun/lunar/internal/daemon"
	"github.com/harun/lunar/pkg/scheduler"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel scheduled jobs",
	Long: `Inspect and cancel scheduled jobs.
When the daemon is running the request goes through its gateway so live
timers are disarmed too; otherwise the stored jobs are edited directly.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}

// jobsBackend is what jobs commands need from either the daemon or the store.
type jobsBackend interface {
	List(ctx context.Context) ([]scheduler.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

type remoteJobs struct{ client *rpcClient }

func (r remoteJobs) List(ctx context.Context) ([]scheduler.Job, error) {
	var jobs []scheduler.Job
	err := r.client.Call(ctx, "jobs.list", nil, &jobs)
	return jobs, err
}

func (r remoteJobs) Cancel(ctx context.Context, id string) (bool, error) {
	var res struct {
		Cancelled bool `json:"cancelled"`
	}
	err := r.client.Call(ctx, "jobs.cancel", map[string]interface{}{"id": id}, &res)
	return res.Cancelled, err
}

func withJobs(fn func(jobs jobsBackend) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonReachable(cfg) {
		return fn(remoteJobs{client: newRPCClient(cfg)})
	}
	return withCore(func(_ *config.Config, core *daemon.Core) error {
		return fn(core.Scheduler)
	})
}

// daemonReachable reports whether a live daemon owns the data directory and
// exposes its gateway.
func daemonReachable(cfg *config.Config) bool {
	if !cfg.Gateway.Enabled {
		return false
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return false
	}
	defer log.Close()
	return lifecycleFor(cfg, log).IsRunning()
}

func runJobsList(cmd *cobra.Command, args []string) error {
	return withJobs(func(jobs jobsBackend) error {
		list, err := jobs.List(cmd.Context())
		if err != nil {
			return err
		}
		printJobs(cmd.OutOrStdout(), list)
		return nil
	})
}

func printJobs(out io.Writer, list []scheduler.Job) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No scheduled jobs")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tTRIGGER\tTOOL\tCREATED")
	for _, job := range list {
		created := time.UnixMilli(job.CreatedAt).Format("2006-01-02 15:04")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", job.ID, job.Kind(), job.Trigger.String(), job.ToolName, created)
	}
	_ = w.Flush()
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	return withJobs(func(jobs jobsBackend) error {
		cancelled, err := jobs.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !cancelled {
			return fmt.Errorf("job %s not found", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", args[0])
		return nil
	})
}
