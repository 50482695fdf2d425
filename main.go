// sourcecrumb generates a ranked tree-sitter repository map.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/phobologic/sourcecrumb/internal/config"
	"github.com/phobologic/sourcecrumb/internal/discover"
	"github.com/phobologic/sourcecrumb/internal/logging"
	"github.com/phobologic/sourcecrumb/internal/metrics"
	"github.com/phobologic/sourcecrumb/internal/output"
	"github.com/phobologic/sourcecrumb/internal/pipeline"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// buildFlags are shared by the root and watch commands.
type buildFlags struct {
	maxFiles    int
	langs       string
	symbol      string
	file        string
	noTests     bool
	cachePath   string
	maxFileSize int64
	exclude     []string
	format      string
	workers     int
	raw         bool
	configPath  string
	metricsFile string
	verbose     bool
	quiet       bool
	logFormat   string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		f           buildFlags
		showVersion bool
	)

	cmd := &cobra.Command{
		Use:   "sourcecrumb [flags] [path]",
		Short: "Generate a ranked repository map for coding agents",
		Long: `sourcecrumb parses a repository with tree-sitter, links references to the
files that define them and ranks files with PageRank. The map lists files,
symbols and dependencies, most central files first.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				_, _ = fmt.Fprintf(stdout, "sourcecrumb %s\n", version)
				return nil
			}
			b, err := f.setup(cmd, rootArg(args), stderr)
			if err != nil {
				return err
			}
			err = b.build(cmd.Context(), stdout)
			b.finish(err)
			return err
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f.register(cmd.Flags())
	cmd.Flags().BoolVarP(&showVersion, "version", "V", false, "show version and exit")

	cmd.AddCommand(newInitCmd(stdout, stderr))
	cmd.AddCommand(newWatchCmd(&f, stdout, stderr))
	return cmd
}

func (f *buildFlags) register(fs *pflag.FlagSet) {
	fs.IntVarP(&f.maxFiles, "max-files", "n", 0, "maximum number of files to include (0 = all)")
	fs.StringVarP(&f.langs, "langs", "l", "", "comma-separated languages to include")
	fs.StringVarP(&f.symbol, "symbol", "s", "", "focus on definitions whose name contains this")
	fs.StringVarP(&f.file, "file", "f", "", "focus on files whose path contains this")
	fs.BoolVar(&f.noTests, "no-tests", false, "exclude test files and directories")
	fs.StringVar(&f.cachePath, "cache", "", "per-file tag cache (.db/.sqlite for SQLite, otherwise compressed JSON)")
	fs.Int64Var(&f.maxFileSize, "max-file-size", config.DefaultMaxFileSize, "skip files larger than this many bytes")
	fs.StringArrayVar(&f.exclude, "exclude", nil, "glob of paths to skip (repeatable)")
	fs.StringVar(&f.format, "format", string(output.TOON), "output format: toon, json or yaml")
	fs.IntVar(&f.workers, "workers", 0, "parse workers (0 = number of CPUs)")
	fs.BoolVar(&f.raw, "raw", false, "omit the agent context header")
	fs.StringVar(&f.configPath, "config", "", "config file (default <path>/"+config.FileName+" if present)")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "log debug details")
	fs.BoolVarP(&f.quiet, "quiet", "q", false, "log errors only")
	fs.StringVar(&f.logFormat, "log-format", "text", "log format: text or json")
}

func rootArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

// builder holds everything resolved from flags and config for one or more
// runs over the same root.
type builder struct {
	cfg         *config.Config
	opts        pipeline.Options
	format      output.Format
	raw         bool
	log         *slog.Logger
	metrics     *metrics.Metrics
	metricsFile string
}

func (f *buildFlags) setup(cmd *cobra.Command, root string, stderr io.Writer) (*builder, error) {
	log, err := logging.New(stderr, logging.Options{
		Format:  f.logFormat,
		Verbose: f.verbose,
		Quiet:   f.quiet,
	})
	if err != nil {
		return nil, err
	}

	cfg, used, err := config.Resolve(root, f.configPath)
	if err != nil {
		return nil, err
	}
	if used != "" {
		log.Debug("loaded config", "path", used)
	}
	if err := f.override(cmd, cfg); err != nil {
		return nil, err
	}
	format, err := output.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	return &builder{
		cfg:    cfg,
		format: format,
		raw:    f.raw,
		opts: pipeline.Options{
			Root: root,
			Discover: discover.Options{
				Languages: cfg.Languages,
				Exclude:   cfg.Exclude,
				SkipTests: cfg.SkipTests,
			},
			MaxFileSize: cfg.MaxFileSize,
			MaxFiles:    cfg.MaxFiles,
			Symbol:      f.symbol,
			File:        f.file,
			CachePath:   cfg.Cache,
			Workers:     cfg.Workers,
			Rank:        cfg.Rank.Options(),
			Logger:      log,
			Metrics:     m,
		},
		log:         log,
		metrics:     m,
		metricsFile: f.metricsFile,
	}, nil
}

// override applies explicitly set flags on top of cfg and revalidates.
func (f *buildFlags) override(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("max-files") {
		cfg.MaxFiles = f.maxFiles
	}
	if flags.Changed("langs") {
		cfg.Languages = splitList(f.langs)
	}
	if flags.Changed("no-tests") {
		cfg.SkipTests = f.noTests
	}
	if flags.Changed("cache") {
		cfg.Cache = f.cachePath
	}
	if flags.Changed("max-file-size") {
		cfg.MaxFileSize = f.maxFileSize
	}
	if flags.Changed("exclude") {
		cfg.Exclude = append(cfg.Exclude, f.exclude...)
	}
	if flags.Changed("format") {
		cfg.Format = f.format
	}
	if flags.Changed("workers") {
		cfg.Workers = f.workers
	}
	return cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// build runs the pipeline once and writes the map to w.
func (b *builder) build(ctx context.Context, w io.Writer) error {
	res, err := pipeline.Run(ctx, b.opts)
	if err != nil {
		return err
	}
	return output.Write(w, res.Map, output.Options{Format: b.format, Raw: b.raw})
}

// finish counts the run and exports metrics when requested.
func (b *builder) finish(err error) {
	b.metrics.RunDone(err)
	if werr := b.metrics.WriteFile(b.metricsFile); werr != nil {
		b.log.Warn("metrics not written", "path", b.metricsFile, "error", werr)
	}
}
