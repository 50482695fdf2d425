package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const (
	sentinelStart = "<!-- sourcecrumb:start -->"
	sentinelEnd   = "<!-- sourcecrumb:end -->"

	defaultInstructionFile = "AGENTS.md"
)

// newInitCmd builds `sourcecrumb init`, which writes or refreshes a usage
// section in an agent instruction file.
func newInitCmd(stdout, stderr io.Writer) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "init [flags] [path-to-" + defaultInstructionFile + "]",
		Short: "Write a sourcecrumb usage section to an agent instruction file",
		Long: `Write a sourcecrumb usage section to an agent instruction file. The section is
wrapped in sentinel comments so later runs replace it in place without touching
surrounding content. Creates the file if it does not exist.

The path defaults to ./` + defaultInstructionFile + `.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(args, dryRun, stdout, stderr)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be written without modifying the file")
	return cmd
}

func runInit(args []string, dryRun bool, stdout, stderr io.Writer) error {
	section := generateSection()

	// --dry-run with no path: just print the section itself.
	if dryRun && len(args) == 0 {
		_, _ = fmt.Fprintln(stdout, section)
		return nil
	}

	path := defaultInstructionFile
	if len(args) > 0 {
		path = args[0]
	}

	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	updated := applySection(string(existing), section)

	if dryRun {
		_, _ = fmt.Fprint(stdout, updated)
		return nil
	}

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	_, _ = fmt.Fprintf(stderr, "wrote sourcecrumb section to %s\n", path)
	return nil
}

// generateSection returns the full sentinel-wrapped usage block.
func generateSection() string {
	body := `## sourcecrumb: Repository Map

Run ` + "`sourcecrumb`" + ` at the start of any task on an unfamiliar codebase. It
prints a ranked map of files, symbols and dependencies, so you can skip broad
initial exploration.

**Availability:** Check with ` + "`sourcecrumb --version`" + ` first; skip gracefully if
not found.

**Run it:**
` + "```" + `bash
sourcecrumb                                   # current directory, all languages
sourcecrumb /path/to/repo                     # explicit path
sourcecrumb -l go,python                      # filter by language
sourcecrumb -n 20                             # top 20 files only (large repos)
sourcecrumb -s Parse                          # focus on definitions matching Parse
sourcecrumb -f internal/cache                 # focus on files under a path
sourcecrumb --no-tests                        # leave test files out
sourcecrumb --cache .sourcecrumb-cache        # reuse tags of unchanged files
sourcecrumb --format json                     # machine-readable output
` + "```" + `

**Caching:** ` + "`--cache <file>`" + ` keeps extracted tags per file and only
re-parses files that changed. Add the cache file to ` + "`.gitignore`" + `. A
conventional path is ` + "`.sourcecrumb-cache`" + `.

**All flags:** ` + "`sourcecrumb --help`" + `

**How to use the output:**

1. **Read files in ranked order.** The ` + "`files`" + ` table is sorted by PageRank,
   most central first. Start at the top rather than with directory listings.

2. **Check ` + "`symbols`" + ` before searching for a definition.** It lists every
   class, function and method with file and line number.

3. **Check ` + "`dependencies`" + ` before reading a file to see what it uses.** Each
   row names the referencing file, the defining file and the symbols involved.
   Methods are listed as ` + "`Class.method`" + `; calls resolve by bare name, so a
   method called through an object does not show up as a dependency.

4. **Fall back to grep only for what the map cannot answer**, such as every
   usage of a symbol or a search inside a file you already picked.`

	return sentinelStart + "\n" + body + "\n" + sentinelEnd
}

// applySection inserts section into content, replacing an existing sentinel
// block if present or appending if not.
func applySection(content, section string) string {
	start := strings.Index(content, sentinelStart)
	end := strings.Index(content, sentinelEnd)

	if start >= 0 && end > start {
		return content[:start] + section + content[end+len(sentinelEnd):]
	}

	if content == "" {
		return section + "\n"
	}
	// Append, ensuring a blank line separator.
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + "\n" + section + "\n"
}
