package cli

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-posting/internal/app"
	"github.com/odyssey-erp/odyssey-posting/jobs"
)

func newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the background job queues",
	}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show task counts for the ledger and default queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				inspector := asynq.NewInspector(rt.AsynqRedis())
				defer func() {
					if err := inspector.Close(); err != nil {
						rt.Logger.Warn("inspector close", slog.Any("error", err))
					}
				}()
				return printQueueStats(inspector, []string{rt.Config.LedgerQueue, jobs.QueueDefault}, format, cmd.OutOrStdout())
			})
		},
	}
	cmd.AddCommand(stats)
	return cmd
}

func printQueueStats(inspector jobs.QueueInspector, queues []string, format string, out io.Writer) error {
	stats, err := jobs.Stats(inspector, queues...)
	if err != nil {
		return err
	}
	if format != formatTable {
		return encode(out, format, stats)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED\tPAUSED")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%t\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived, s.Paused)
	}
	return tw.Flush()
}
