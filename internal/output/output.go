// Package output renders a RepoMap as TOON, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/phobologic/sourcecrumb/internal/model"
	"github.com/phobologic/sourcecrumb/internal/toon"
)

// Format names an output encoding.
type Format string

const (
	TOON Format = "toon"
	JSON Format = "json"
	YAML Format = "yaml"
)

// Formats lists the accepted format names.
var Formats = []Format{TOON, JSON, YAML}

// ParseFormat validates a user supplied format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported format %q (want toon, json or yaml)", s)
}

// Header is the agent-context preamble printed ahead of a TOON map.
const Header = `# Repository Map

Files are ranked by PageRank over the symbol dependency graph, most central
first. symbols lists definitions with file and line; dependencies lists
file-to-file edges with the symbols that justify them. Methods are listed as
Class.method, but calls resolve by bare name, so method calls through an
object do not add dependencies.
`

// Options controls rendering.
type Options struct {
	Format Format
	Raw    bool // omit the header
}

// Write renders rm to w. The header is only written for TOON, since it
// would make JSON and YAML unparseable.
func Write(w io.Writer, rm *model.RepoMap, opts Options) error {
	switch opts.Format {
	case TOON, "":
		if !opts.Raw {
			if _, err := io.WriteString(w, Header+"\n"); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintln(w, toon.Encode(rm))
		return err
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(newDocument(rm))
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(newDocument(rm)); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported format %q", opts.Format)
	}
}

type fileRow struct {
	Path     string  `json:"path" yaml:"path"`
	Language string  `json:"language" yaml:"language"`
	Rank     float64 `json:"rank" yaml:"rank"`
}

type symbolRow struct {
	File      string `json:"file" yaml:"file"`
	Name      string `json:"name" yaml:"name"`
	Kind      string `json:"kind" yaml:"kind"`
	Line      int    `json:"line" yaml:"line"`
	Signature string `json:"signature,omitempty" yaml:"signature,omitempty"`
}

type dependencyRow struct {
	Source  string   `json:"source" yaml:"source"`
	Target  string   `json:"target" yaml:"target"`
	Symbols []string `json:"symbols" yaml:"symbols"`
}

// document mirrors the TOON tables so every format carries the same rows.
type document struct {
	Repo         string          `json:"repo" yaml:"repo"`
	Root         string          `json:"root" yaml:"root"`
	Files        []fileRow       `json:"files" yaml:"files"`
	Symbols      []symbolRow     `json:"symbols" yaml:"symbols"`
	Dependencies []dependencyRow `json:"dependencies" yaml:"dependencies"`
}

func newDocument(rm *model.RepoMap) document {
	doc := document{
		Repo:         rm.RepoName,
		Root:         rm.Root,
		Files:        make([]fileRow, 0, len(rm.Files)),
		Symbols:      []symbolRow{},
		Dependencies: make([]dependencyRow, 0, len(rm.Dependencies)),
	}
	for i := range rm.Files {
		fi := &rm.Files[i]
		doc.Files = append(doc.Files, fileRow{Path: fi.Path, Language: fi.Language, Rank: fi.Rank})
		for j := range fi.Tags {
			tag := &fi.Tags[j]
			if !tag.IsDefinition() {
				continue
			}
			doc.Symbols = append(doc.Symbols, symbolRow{
				File:      fi.Path,
				Name:      tag.Name,
				Kind:      string(tag.SymbolKind),
				Line:      tag.Line,
				Signature: tag.Signature,
			})
		}
	}
	for i := range rm.Dependencies {
		d := &rm.Dependencies[i]
		doc.Dependencies = append(doc.Dependencies, dependencyRow{Source: d.Source, Target: d.Target, Symbols: d.Symbols})
	}
	return doc
}
