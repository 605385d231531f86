package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-access/cmd/odyssey/cli"
)

var (
	jobsCmd = &cobra.Command{
		Use:   "jobs",
		Short: "Trigger or inspect background jobs",
	}
	jobsTriggerCmd = &cobra.Command{
		Use:   "trigger <task>",
		Short: "Enqueue a job by task type",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobsTrigger,
	}
	jobsInspectCmd = &cobra.Command{
		Use:   "inspect [queue]",
		Short: "Print queue statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runJobsInspect,
	}
)

func init() {
	jobsCmd.AddCommand(jobsTriggerCmd, jobsInspectCmd)
}

func newJobsCLI() (*cli.JobsCLI, *slog.Logger, error) {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return nil, nil, err
	}
	opt, err := cfg.QueueRedisOpt()
	if err != nil {
		return nil, nil, err
	}
	return cli.NewJobsCLI(opt), logger, nil
}

func runJobsTrigger(cmd *cobra.Command, args []string) error {
	jobsCLI, logger, err := newJobsCLI()
	if err != nil {
		return err
	}
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
	}()
	info, err := jobsCLI.Trigger(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	return nil
}

func runJobsInspect(cmd *cobra.Command, args []string) error {
	jobsCLI, logger, err := newJobsCLI()
	if err != nil {
		return err
	}
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
	}()
	queue := ""
	if len(args) == 1 {
		queue = args[0]
	}
	stats, err := jobsCLI.InspectQueue(cmd.Context(), queue)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	return nil
}
