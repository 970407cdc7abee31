package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"postpilot/internal/app"
	"postpilot/internal/engine"
	"postpilot/internal/storage"
)

func newPostCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Create and manage posts",
	}
	cmd.AddCommand(
		newPostCreateCommand(opts),
		newPostStatusCommand(opts),
		newPostCancelCommand(opts),
		newPostPublishCommand(opts),
		newPostRetryCommand(opts),
	)
	return cmd
}

func newPostCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		req   engine.PostRequest
		at    string
		src   string
		owner string
	)
	cmd := &cobra.Command{
		Use:   "create <content>",
		Short: "Create a post; a running server publishes it when due",
		Example: `  postpilot post create --owner u1 --platform x --platform facebook "Hello"
  postpilot post create --owner u1 --platform x --at 2026-11-01T09:00:00Z "Later"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.OwnerID = owner
			req.Content = args[0]
			req.Source = storage.PostSource(src)
			if strings.TrimSpace(at) != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				req.ScheduledAt = &t
			}
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				p, err := a.Engine().CreatePost(cmd.Context(), req)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, p, func(w io.Writer) { printPost(w, p) })
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&owner, "owner", "", "owner id (required)")
	f.StringSliceVarP(&req.Platforms, "platform", "p", nil, "target platform (repeatable)")
	f.StringVar(&at, "at", "", "publish time (RFC3339); empty publishes now")
	f.BoolVar(&req.Draft, "draft", false, "keep as draft until published explicitly")
	f.StringVar(&src, "source", string(storage.SourceManual), "origin of the post")
	f.StringSliceVar(&req.Images, "image", nil, "image url (repeatable)")
	f.StringSliceVar(&req.Hashtags, "hashtag", nil, "hashtag (repeatable)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newPostStatusCommand(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "status <post-id>",
		Short: "Show a post with its per-platform state and retry jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				st, err := a.Engine().GetPostStatus(cmd.Context(), args[0], owner)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, st, func(w io.Writer) {
					printPost(w, st.Post)
					if len(st.Jobs) == 0 {
						return
					}
					fmt.Fprintln(w, "\nretry jobs:")
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tPLATFORM\tSTATUS\tATTEMPTS\tNEXT")
					for _, j := range st.Jobs {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n", j.ID, j.Platform, j.Status, j.Attempts, j.MaxAttempts, fmtTime(j.NextAttemptAt))
					}
					_ = tw.Flush()
				})
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "restrict to this owner")
	return cmd
}

func newPostCancelCommand(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "cancel <post-id>",
		Short: "Cancel a scheduled post that has not started publishing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				ok, err := a.Engine().CancelPost(cmd.Context(), args[0], owner)
				if err != nil {
					return err
				}
				return emitResult(cmd.OutOrStdout(), opts, "cancelled", ok)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newPostPublishCommand(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "publish-now <post-id>",
		Short: "Make a draft or scheduled post due immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				ok, err := a.Engine().PublishNow(cmd.Context(), args[0], owner)
				if err != nil {
					return err
				}
				return emitResult(cmd.OutOrStdout(), opts, "scheduled", ok)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newPostRetryCommand(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "retry-failed <post-id>",
		Short: "Queue a manual retry for every failed platform of a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				n, err := a.Engine().RetryFailed(cmd.Context(), args[0], owner)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, map[string]int{"queued": n}, func(w io.Writer) {
					fmt.Fprintf(w, "queued %d retries\n", n)
				})
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "restrict to this owner")
	return cmd
}

func emitResult(w io.Writer, opts *rootOptions, what string, ok bool) error {
	return emit(w, opts, map[string]bool{what: ok}, func(w io.Writer) {
		if ok {
			fmt.Fprintln(w, what)
			return
		}
		fmt.Fprintf(w, "not %s (state changed)\n", what)
	})
}

func printPost(w io.Writer, p storage.Post) {
	fmt.Fprintf(w, "post %s  status=%s  owner=%s  due=%s\n", p.ID, p.Status, p.OwnerID, fmtTime(p.DueAt))
	if len(p.PlatformPosts) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLATFORM\tSTATUS\tRETRIES\tEXTERNAL ID\tLAST ERROR")
	for _, pp := range p.PlatformPosts {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", pp.Platform, pp.Status, pp.RetryCount, pp.ExternalID, pp.LastError)
	}
	_ = tw.Flush()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
