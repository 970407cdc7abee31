package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"postpilot/internal/app"
)

var formats = []string{"text", "json"}

type rootOptions struct {
	configPath string
	format     string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "postpilot",
		Short: "Schedule and publish posts to social platforms",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(formats, opts.format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.format, formats)
			}
			return nil
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (text|json)")

	cmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newPostCommand(opts),
		newJobsCommand(opts),
	)
	return cmd
}

// withApp opens the app for a one-shot command. Deliveries run inline and
// no background loop is started.
func withApp(ctx context.Context, opts *rootOptions, fn func(a *app.App) error) error {
	a, err := app.NewApp(ctx, opts.configPath, app.Options{Inline: true})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// emit writes v as JSON, or calls text for the text format.
func emit(w io.Writer, opts *rootOptions, v any, text func(io.Writer)) error {
	if opts.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the configured SQL store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := app.Migrate(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), opts, map[string]uint{"version": v}, func(w io.Writer) {
				fmt.Fprintf(w, "schema at version %d\n", v)
			})
		},
	}
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
