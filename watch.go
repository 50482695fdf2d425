package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/phobologic/sourcecrumb/internal/watch"
)

func newWatchCmd(f *buildFlags, stdout, stderr io.Writer) *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch [flags] [path]",
		Short: "Rebuild the map whenever source files change",
		Long: `Build the map once, then rebuild it each time source files under path
change. Events are debounced; with --cache only changed files are re-parsed.
Each map is written to stdout followed by a blank line. Stop with Ctrl-C.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			root := rootArg(args)
			b, err := f.setup(cmd, root, stderr)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("debounce") {
				b.cfg.Watch.Debounce = debounce
			}
			return b.watch(cmd.Context(), root, stdout)
		},
	}

	f.register(cmd.Flags())
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before rebuilding (default from config, 500ms)")
	return cmd
}

// watch builds once, then rebuilds on every debounced batch of changes.
// Only the first build is fatal; later failures are logged.
func (b *builder) watch(ctx context.Context, root string, stdout io.Writer) error {
	err := b.emit(ctx, stdout)
	b.finish(err)
	if err != nil {
		return err
	}

	w, err := watch.New(watch.Options{
		Root:      root,
		Debounce:  b.cfg.Watch.Debounce,
		Languages: b.cfg.Languages,
		Exclude:   b.cfg.Exclude,
		SkipTests: b.cfg.SkipTests,
		Logger:    b.log,
		Metrics:   b.metrics,
		OnChange: func(ctx context.Context, paths []string) error {
			b.log.Info("rebuilding", "changed", len(paths))
			err := b.emit(ctx, stdout)
			b.finish(err)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	b.log.Info("watching", "root", root, "debounce", b.cfg.Watch.Debounce)
	return w.Run(ctx)
}

func (b *builder) emit(ctx context.Context, stdout io.Writer) error {
	if err := b.build(ctx, stdout); err != nil {
		return err
	}
	_, err := fmt.Fprintln(stdout)
	return err
}
