// Package config loads the optional .sourcecrumb.toml file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/phobologic/sourcecrumb/internal/discover"
	"github.com/phobologic/sourcecrumb/internal/graph"
	"github.com/phobologic/sourcecrumb/internal/lang"
	"github.com/phobologic/sourcecrumb/internal/output"
	"github.com/phobologic/sourcecrumb/internal/pipeline"
)

// FileName is looked up in the repository root when no --config is given.
const FileName = ".sourcecrumb.toml"

const (
	DefaultMaxFileSize = pipeline.DefaultMaxFileSize
	DefaultDebounce    = 500 * time.Millisecond
)

// Config is the merged sourcecrumb configuration. Zero fields take their
// defaults; command-line flags override whatever the file sets.
type Config struct {
	MaxFiles    int         `toml:"max_files"`
	Languages   []string    `toml:"languages"`
	Exclude     []string    `toml:"exclude"`
	SkipTests   bool        `toml:"skip_tests"`
	MaxFileSize int64       `toml:"max_file_size"`
	Cache       string      `toml:"cache"`
	Format      string      `toml:"format"`
	Workers     int         `toml:"workers"`
	Rank        RankConfig  `toml:"rank"`
	Watch       WatchConfig `toml:"watch"`
}

// RankConfig tunes PageRank.
type RankConfig struct {
	Damping       float64 `toml:"damping"`
	MaxIterations int     `toml:"max_iterations"`
	Tolerance     float64 `toml:"tolerance"`
}

// WatchConfig holds settings for the watch subcommand.
type WatchConfig struct {
	Debounce time.Duration `toml:"debounce"`
}

// Options converts the rank section for the graph package.
func (r RankConfig) Options() graph.RankOptions {
	return graph.RankOptions{
		Damping:       r.Damping,
		MaxIterations: r.MaxIterations,
		Tolerance:     r.Tolerance,
	}
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Resolve loads the explicit path when given, otherwise FileName under
// root if present, otherwise the defaults. A missing explicit file is an
// error; a missing implicit one is not.
func Resolve(root, explicit string) (*Config, string, error) {
	if explicit != "" {
		cfg, err := Load(explicit)
		if err != nil {
			return nil, "", err
		}
		return cfg, explicit, nil
	}

	path := filepath.Join(root, FileName)
	if info, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return Default(), "", nil
	} else if err == nil && info.IsDir() {
		return nil, "", fmt.Errorf("%s: is a directory", path)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if strings.TrimSpace(cfg.Format) == "" {
		cfg.Format = string(output.TOON)
	}
	if cfg.Rank.Damping == 0 {
		cfg.Rank.Damping = graph.DefaultDamping
	}
	if cfg.Rank.MaxIterations == 0 {
		cfg.Rank.MaxIterations = graph.DefaultMaxIterations
	}
	if cfg.Rank.Tolerance == 0 {
		cfg.Rank.Tolerance = graph.DefaultTolerance
	}
	if cfg.Watch.Debounce <= 0 {
		cfg.Watch.Debounce = DefaultDebounce
	}
	for i := range cfg.Languages {
		cfg.Languages[i] = strings.ToLower(strings.TrimSpace(cfg.Languages[i]))
	}
}

func validate(cfg *Config) error {
	if cfg.MaxFiles < 0 {
		return fmt.Errorf("max_files must be >= 0, got %d", cfg.MaxFiles)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", cfg.Workers)
	}
	if err := ValidateLanguages(cfg.Languages); err != nil {
		return err
	}
	if _, err := output.ParseFormat(cfg.Format); err != nil {
		return err
	}
	if _, err := discover.CompileExcludes(cfg.Exclude); err != nil {
		return err
	}
	if d := cfg.Rank.Damping; d <= 0 || d >= 1 {
		return fmt.Errorf("rank.damping must be in (0, 1), got %g", d)
	}
	if cfg.Rank.MaxIterations < 1 {
		return fmt.Errorf("rank.max_iterations must be >= 1, got %d", cfg.Rank.MaxIterations)
	}
	if cfg.Rank.Tolerance <= 0 {
		return fmt.Errorf("rank.tolerance must be > 0, got %g", cfg.Rank.Tolerance)
	}
	return nil
}

// ValidateLanguages rejects names with no registered grammar.
func ValidateLanguages(names []string) error {
	for _, name := range names {
		if _, ok := lang.Languages[name]; !ok {
			return fmt.Errorf("unsupported language %q (supported: %s)", name, strings.Join(lang.Names(), ", "))
		}
	}
	return nil
}

// Validate checks cfg after command-line overrides have been applied.
func (c *Config) Validate() error {
	applyDefaults(c)
	return validate(c)
}
