package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/phobologic/sourcecrumb/internal/config"
)

func writeTestFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func mustModTime(t *testing.T, path string) time.Time {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.ModTime()
}

func createSampleRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, dir, "models.py", `class User:
    def __init__(self, name: str) -> None:
        self.name = name
`)
	writeTestFile(t, dir, "main.py", `from models import User

def greet(user: User) -> str:
    return f"Hello, {user.name}"
`)
	return dir
}

func createHelperRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, dir, "utils.py", "def helper():\n    pass\n")
	writeTestFile(t, dir, "main.py", "def greet():\n    helper()\n")
	return dir
}

func TestRunBasic(t *testing.T) {
	t.Parallel()
	dir := createSampleRepo(t)

	out, stderr, err := runCmd(t, dir)
	require.NoError(t, err, stderr)

	assert.True(t, strings.HasPrefix(out, "# Repository Map"), "missing agent context header")
	assert.Contains(t, out, "repo: "+filepath.Base(dir))
	assert.Contains(t, out, "files[2]")
	assert.Contains(t, out, "models.py")
}

func TestRunRaw(t *testing.T) {
	t.Parallel()
	dir := createSampleRepo(t)

	out, _, err := runCmd(t, "--raw", dir)
	require.NoError(t, err)
	assert.NotContains(t, out, "# Repository Map")
	assert.True(t, strings.HasPrefix(out, "repo:"), out)
}

func TestRunPathBeforeFlags(t *testing.T) {
	t.Parallel()
	dir := createSampleRepo(t)

	out, _, err := runCmd(t, dir, "--raw", "-n", "1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "repo:"))
	assert.Contains(t, out, "files[1]")
}

func TestRunMaxFiles(t *testing.T) {
	t.Parallel()
	dir := createSampleRepo(t)

	out, _, err := runCmd(t, "-n", "1", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "files[1]")
	// models.py is referenced, so it outranks main.py.
	assert.Contains(t, out, "  models.py,python,")
	assert.Contains(t, out, "dependencies[0]")
}

func TestRunVersion(t *testing.T) {
	t.Parallel()

	for _, flag := range []string{"-V", "--version"} {
		out, _, err := runCmd(t, flag)
		require.NoError(t, err)
		assert.Equal(t, "sourcecrumb dev\n", out)
	}
}

func TestRunNoFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTestFile(t, dir, "readme.txt", "nothing here")

	_, _, err := runCmd(t, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no parseable files")
}

func TestRunUnsupportedLanguage(t *testing.T) {
	t.Parallel()

	_, _, err := runCmd(t, "-l", "rust", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported language")
}

func TestRunLanguageFilter(t *testing.T) {
	t.Parallel()
	dir := createSampleRepo(t)
	writeTestFile(t, dir, "server.go", "package main\n\nfunc Serve() {}\n")

	out, _, err := runCmd(t, "--raw", "-l", "go", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "files[1]")
	assert.Contains(t, out, "server.go,go,")
}

func TestRunUnsupportedFormat(t *testing.T) {
	t.Parallel()

	_, _, err := runCmd(t, "--format", "csv", createSampleRepo(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestRunBadLogFormat(t *testing.T) {
	t.Parallel()

	_, _, err := runCmd(t, "--log-format", "xml", createSampleRepo(t))
	require.Error(t, err)
}

func TestRunCache(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"test.cache", "test.db"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := createSampleRepo(t)
			cachePath := filepath.Join(t.TempDir(), name)

			first, _, err := runCmd(t, "--cache", cachePath, dir)
			require.NoError(t, err)
			require.FileExists(t, cachePath)

			// The cache holds tags, not rendered output.
			data, err := os.ReadFile(cachePath)
			require.NoError(t, err)
			assert.NotContains(t, string(data), "# Repository Map")

			second, _, err := runCmd(t, "--cache", cachePath, dir)
			require.NoError(t, err)
			assert.Equal(t, first, second)

			raw, _, err := runCmd(t, "--raw", "--cache", cachePath, dir)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(raw, "repo:"))
		})
	}
}

func TestRunCacheSeesEdits(t *testing.T) {
	t.Parallel()
	dir := createHelperRepo(t)
	cachePath := filepath.Join(t.TempDir(), "crumbs")

	_, _, err := runCmd(t, "--raw", "--cache", cachePath, dir)
	require.NoError(t, err)

	writeTestFile(t, dir, "utils.py", "def helper():\n    pass\n\n\ndef extra():\n    pass\n")
	future := mustModTime(t, filepath.Join(dir, "utils.py")).Add(1e9)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "utils.py"), future, future))

	out, _, err := runCmd(t, "--raw", "--cache", cachePath, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "utils.py,extra,function")
}

func TestRunSymbols(t *testing.T) {
	t.Parallel()
	dir := createSampleRepo(t)

	out, _, err := runCmd(t, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "models.py,User,class,1")
	assert.Contains(t, out, "models.py,User.__init__,method,2")
	assert.Contains(t, out, "main.py,greet,function,3")
}

func TestRunDependencies(t *testing.T) {
	t.Parallel()
	dir := createSampleRepo(t)

	out, _, err := runCmd(t, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "main.py,models.py,User")
}

func TestRunCallDependency(t *testing.T) {
	t.Parallel()

	out, _, err := runCmd(t, createHelperRepo(t))
	require.NoError(t, err)
	assert.Contains(t, out, "dependencies[1]")
	assert.Contains(t, out, "main.py,utils.py,helper")
}

func TestRunNotADirectory(t *testing.T) {
	t.Parallel()
	f := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(f, []byte("hi"), 0o644))

	_, _, err := runCmd(t, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestRunMaxFileSize(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTestFile(t, dir, "small.py", "x = 1")
	writeTestFile(t, dir, "big.py", strings.Repeat("x = 1\n", 200))

	out, stderr, err := runCmd(t, "--max-file-size", "100", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "small.py")
	assert.NotContains(t, out, "big.py")
	assert.Contains(t, stderr, "level=WARN")
	assert.Contains(t, stderr, "big.py")
}

func TestRunQuietSuppressesWarnings(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTestFile(t, dir, "small.py", "x = 1")
	writeTestFile(t, dir, "big.py", strings.Repeat("x = 1\n", 200))

	_, stderr, err := runCmd(t, "-q", "--max-file-size", "100", dir)
	require.NoError(t, err)
	assert.Empty(t, stderr)
}

func TestRunVerboseJSONLogs(t *testing.T) {
	t.Parallel()

	_, stderr, err := runCmd(t, "-v", "--log-format", "json", createSampleRepo(t))
	require.NoError(t, err)

	line, _, _ := strings.Cut(strings.TrimSpace(stderr), "\n")
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec), stderr)
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Contains(t, stderr, `"run_id"`)
}

func TestRunSymbolFilter(t *testing.T) {
	t.Parallel()

	out, _, err := runCmd(t, "--symbol", "helper", createHelperRepo(t))
	require.NoError(t, err)
	assert.Contains(t, out, "utils.py")
	// main.py references helper, so it stays through the edge.
	assert.Contains(t, out, "  main.py,python,")
	assert.Contains(t, out, "helper,function")
	assert.NotContains(t, out, "greet,function")
}

func TestRunSymbolFilterNoMatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTestFile(t, dir, "main.py", "def greet():\n    pass\n")

	out, _, err := runCmd(t, "--symbol", "NoSuchSymbol", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "files[0]")
}

func TestRunFileFilter(t *testing.T) {
	t.Parallel()

	out, _, err := runCmd(t, "--raw", "--file", "utils", createHelperRepo(t))
	require.NoError(t, err)
	assert.Contains(t, out, "files[1]")
	assert.Contains(t, out, "  utils.py,python,")
	assert.Contains(t, out, "helper,function")
	// The edge into utils.py is kept even though main.py is not listed.
	assert.Contains(t, out, "main.py,utils.py,helper")
}

func TestRunSymbolAndFileFilter(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTestFile(t, dir, "pkg/utils.py", "def helper():\n    pass\n")
	writeTestFile(t, dir, "other/utils.py", "def other_helper():\n    pass\n")

	out, _, err := runCmd(t, "--symbol", "helper", "--file", "pkg", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "pkg/utils.py")
	assert.NotContains(t, out, "other/utils.py")
}

func TestRunSymbolFilterWithCache(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTestFile(t, dir, "main.py", "def greet():\n    pass\n")
	cachePath := filepath.Join(t.TempDir(), "crumbs")

	_, _, err := runCmd(t, "--cache", cachePath, dir)
	require.NoError(t, err)

	out, _, err := runCmd(t, "--symbol", "greet", "--cache", cachePath, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "greet")
}

func TestRunNoTests(t *testing.T) {
	t.Parallel()
	dir := createHelperRepo(t)
	writeTestFile(t, dir, "tests/test_utils.py", "def test_helper():\n    helper()\n")

	out, _, err := runCmd(t, "--no-tests", dir)
	require.NoError(t, err)
	assert.NotContains(t, out, "test_utils.py")

	out, _, err = runCmd(t, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "tests/test_utils.py")
}

func TestRunExclude(t *testing.T) {
	t.Parallel()
	dir := createHelperRepo(t)
	writeTestFile(t, dir, "gen/models_pb2.py", "class Msg:\n    pass\n")

	out, _, err := runCmd(t, "--exclude", "*_pb2.py", "--exclude", "nothing/**", dir)
	require.NoError(t, err)
	assert.NotContains(t, out, "models_pb2.py")
	assert.Contains(t, out, "utils.py")
}

func TestRunJSONFormat(t *testing.T) {
	t.Parallel()

	out, _, err := runCmd(t, "--format", "json", createSampleRepo(t))
	require.NoError(t, err)

	var doc struct {
		Files []struct {
			Path string  `json:"path"`
			Rank float64 `json:"rank"`
		} `json:"files"`
		Dependencies []struct {
			Source string `json:"source"`
			Target string `json:"target"`
		} `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc), out)
	require.Len(t, doc.Files, 2)
	assert.Equal(t, "models.py", doc.Files[0].Path)
	require.Len(t, doc.Dependencies, 1)
	assert.Equal(t, "main.py", doc.Dependencies[0].Source)
}

func TestRunYAMLFormat(t *testing.T) {
	t.Parallel()

	out, _, err := runCmd(t, "--format", "yaml", createSampleRepo(t))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc), out)
	assert.Contains(t, doc, "files")
	assert.Contains(t, doc, "symbols")
	assert.NotContains(t, out, "# Repository Map")
}

func TestRunConfigFile(t *testing.T) {
	t.Parallel()
	dir := createSampleRepo(t)
	writeTestFile(t, dir, config.FileName, "max_files = 1\nformat = \"json\"\n")

	out, _, err := runCmd(t, dir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "{"), out)
	assert.Contains(t, out, "models.py")
	assert.NotContains(t, out, `"main.py"`)

	// Flags win over the file.
	out, _, err = runCmd(t, "--format", "toon", "-n", "0", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "files[2]")
}

func TestRunExplicitConfig(t *testing.T) {
	t.Parallel()
	dir := createSampleRepo(t)
	cfgPath := filepath.Join(t.TempDir(), "custom.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("languages = [\"go\"]\n"), 0o644))

	_, _, err := runCmd(t, "--config", cfgPath, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no parseable files")

	_, _, err = runCmd(t, "--config", filepath.Join(t.TempDir(), "missing.toml"), dir)
	require.Error(t, err)
}

func TestRunInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := createSampleRepo(t)
	writeTestFile(t, dir, config.FileName, "bogus = 1\n")

	_, _, err := runCmd(t, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestRunMetricsFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sourcecrumb.prom")

	_, _, err := runCmd(t, "--metrics-file", path, createSampleRepo(t))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `sourcecrumb_runs_total{result="ok"} 1`)
	assert.Contains(t, string(data), "sourcecrumb_graph_nodes 2")
}

func TestRunTooManyArgs(t *testing.T) {
	t.Parallel()

	_, _, err := runCmd(t, t.TempDir(), t.TempDir())
	require.Error(t, err)
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"go", "python"}, splitList(" go, ,python,"))
	assert.Nil(t, splitList(""))
}

// lockedBuffer is a bytes.Buffer safe to read while a watch loop writes it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchRebuildsOnChange(t *testing.T) {
	t.Parallel()
	dir := createHelperRepo(t)
	cachePath := filepath.Join(t.TempDir(), "crumbs")

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var stdout, stderr lockedBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"watch", "--raw", "-v", "--debounce", "50ms", "--cache", cachePath, dir}, &stdout, &stderr)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(stderr.String(), "msg=watching")
	}, 10*time.Second, 20*time.Millisecond, "watcher never started: %s", stderr.String())
	assert.Equal(t, 1, strings.Count(stdout.String(), "repo:"))

	writeTestFile(t, dir, "extra.py", "def extra():\n    helper()\n")

	require.Eventually(t, func() bool {
		return strings.Count(stdout.String(), "repo:") == 2
	}, 10*time.Second, 20*time.Millisecond, "no rebuild: %s", stderr.String())

	out := stdout.String()
	second := out[strings.LastIndex(out, "repo:"):]
	assert.Contains(t, second, "files[3]")
	assert.Contains(t, second, "extra.py,utils.py,helper")
	assert.Contains(t, stderr.String(), "parsed=1 reused=2")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestWatchBadRoot(t *testing.T) {
	t.Parallel()
	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("hi"), 0o644))

	for _, root := range []string{filepath.Join(t.TempDir(), "missing"), file} {
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
		var stdout, stderr bytes.Buffer
		err := run(ctx, []string{"watch", root}, &stdout, &stderr)
		require.Error(t, err, root)
		require.NoError(t, ctx.Err(), "watch should fail before waiting for events")
		cancel()
		assert.Empty(t, stdout.String())
	}
}
