// Package lang provides a language registry mapping file extensions to
// tree-sitter languages and their embedded query files.
//
// The registry is populated by init() functions in the per-language files and
// is read-only afterwards, so lookups need no locking.
package lang

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/sourcecrumb/internal/model"
)

//go:embed queries/*.scm
var queryFS embed.FS

var whitespaceRe = regexp.MustCompile(`\s+`)

// Language holds tree-sitter configuration for a supported language.
type Language struct {
	Name       string
	Extensions []string
	lang       *sitter.Language
	queryOnce  sync.Once
	query      *sitter.Query
	queryErr   error

	// FindMethodClass returns the enclosing class name if a @definition.function
	// is actually a method (Python/Ruby/JS style). Returns "" if not a method.
	FindMethodClass func(node *sitter.Node, source []byte) string

	// FindReceiverType returns the receiver type name for a @definition.method
	// node (Go style). Returns "" if not applicable.
	FindReceiverType func(node *sitter.Node, source []byte) string

	// ExtractSignature returns a signature string for a definition node.
	ExtractSignature func(node *sitter.Node, kind model.SymbolKind, source []byte) string

	// ImportLeaf reduces the captured text of an import reference to the
	// identifier that can match a definition. Defaults to DefaultImportLeaf.
	ImportLeaf func(text string) string
}

// GetLanguage returns the tree-sitter Language pointer.
func (l *Language) GetLanguage() *sitter.Language {
	return l.lang
}

// NewParser creates a fresh tree-sitter parser for this language.
// Each goroutine must use its own parser (not thread-safe).
func (l *Language) NewParser() *sitter.Parser {
	p := sitter.NewParser()
	p.SetLanguage(l.lang)
	return p
}

// GetTagQuery returns the compiled tree-sitter query (safe to share across goroutines).
func (l *Language) GetTagQuery() (*sitter.Query, error) {
	l.queryOnce.Do(func() {
		data, err := querySource(l.Name)
		if err != nil {
			l.queryErr = fmt.Errorf("reading query file: %w", err)
			return
		}
		q, err := sitter.NewQuery(data, l.lang)
		if err != nil {
			l.queryErr = fmt.Errorf("compiling query: %w", err)
			return
		}
		l.query = q
	})
	return l.query, l.queryErr
}

// LeafName applies the language's import reduction to text.
func (l *Language) LeafName(text string) string {
	if l.ImportLeaf != nil {
		return l.ImportLeaf(text)
	}
	return DefaultImportLeaf(text)
}

func querySource(name string) ([]byte, error) {
	return queryFS.ReadFile(fmt.Sprintf("queries/%s.scm", name))
}

// Languages maps language names to their configuration.
// Populated by init() functions in per-language files.
var Languages = map[string]*Language{}

// extensionMap is built lazily after all init() functions have run.
var extensionMap map[string]string
var extensionOnce sync.Once

func getExtensionMap() map[string]string {
	extensionOnce.Do(func() {
		extensionMap = make(map[string]string)
		for _, l := range Languages {
			for _, ext := range l.Extensions {
				extensionMap[ext] = l.Name
			}
		}
	})
	return extensionMap
}

// ForExtension returns the language name for a file extension, or "" if unsupported.
func ForExtension(ext string) string {
	return getExtensionMap()[ext]
}

// Names returns the registered language names in sorted order.
func Names() []string {
	names := make([]string, 0, len(Languages))
	for name := range Languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	fingerprintOnce sync.Once
	fingerprint     string
)

// Fingerprint identifies the registered query set. It changes whenever a
// query file is added, removed or edited, which invalidates cached tags.
func Fingerprint() string {
	fingerprintOnce.Do(func() {
		entries, err := fs.Glob(queryFS, "queries/*.scm")
		if err != nil {
			return
		}
		sort.Strings(entries)
		h := xxhash.New()
		for _, name := range entries {
			data, err := queryFS.ReadFile(name)
			if err != nil {
				continue
			}
			_, _ = h.WriteString(name)
			_, _ = h.Write([]byte{0})
			_, _ = h.Write(data)
		}
		fingerprint = strconv.FormatUint(h.Sum64(), 16)
	})
	return fingerprint
}

// NodeText returns the source text of a tree-sitter node.
func NodeText(node *sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

// CollapseWhitespace replaces runs of whitespace with a single space and trims.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// DefaultImportLeaf strips string quotes and returns the last path element.
func DefaultImportLeaf(text string) string {
	text = strings.Trim(strings.TrimSpace(text), "\"'`")
	text = strings.TrimRight(text, "/")
	if text == "" {
		return ""
	}
	return path.Base(text)
}

// DottedLeaf returns the identifier after the last dot of a dotted path.
func DottedLeaf(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.LastIndex(text, "."); i >= 0 {
		return text[i+1:]
	}
	return text
}
