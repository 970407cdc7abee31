package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"postpilot/internal/app"
	"postpilot/internal/storage"
)

func newJobsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and steer retry jobs",
	}
	cmd.AddCommand(newJobsListCommand(opts), newJobsRetryCommand(opts), newJobsCancelCommand(opts))
	return cmd
}

func newJobsListCommand(opts *rootOptions) *cobra.Command {
	var (
		f      storage.RetryJobFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List retry jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Status = storage.RetryStatus(status)
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				jobs, err := a.Engine().ListRetryJobs(cmd.Context(), f)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, jobs, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tPOST\tPLATFORM\tKIND\tSTATUS\tATTEMPTS\tNEXT\tLAST ERROR")
					for _, j := range jobs {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
							j.ID, j.PostID, j.Platform, j.Kind, j.Status, j.Attempts, j.MaxAttempts, fmtTime(j.NextAttemptAt), j.LastError)
					}
					_ = tw.Flush()
				})
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&status, "status", "", "filter by status (pending|running|exhausted)")
	fl.StringVar(&f.Platform, "platform", "", "filter by platform")
	fl.StringVar(&f.PostID, "post", "", "filter by post id")
	fl.IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func newJobsRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Make a job due now with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				ok, err := a.Engine().ManualRetry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return emitResult(cmd.OutOrStdout(), opts, "requeued", ok)
			})
		},
	}
}

func newJobsCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Drop a retry job that is not currently running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				ok, err := a.Engine().CancelRetryJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return emitResult(cmd.OutOrStdout(), opts, "cancelled", ok)
			})
		},
	}
}
