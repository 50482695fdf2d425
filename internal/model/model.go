// Package model defines core data structures for sourcecrumb.
package model

import "time"

// TagKind indicates whether a tag is a definition or a reference.
type TagKind string

const (
	Definition TagKind = "def"
	Reference  TagKind = "ref"
)

// SymbolKind indicates the syntactic kind of a symbol.
//
// A call reference carries Function, an import reference carries Module.
type SymbolKind string

const (
	Class    SymbolKind = "class"
	Function SymbolKind = "function"
	Method   SymbolKind = "method"
	Module   SymbolKind = "module"
)

// Tag represents a single symbol occurrence extracted from source code.
type Tag struct {
	Name       string     `json:"name" yaml:"name"`
	Kind       TagKind    `json:"kind" yaml:"kind"`
	SymbolKind SymbolKind `json:"symbol_kind" yaml:"symbol_kind"`
	Line       int        `json:"line" yaml:"line"`
	File       string     `json:"file" yaml:"file"`
	Signature  string     `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// IsDefinition reports whether the tag declares a class, function or method.
func (t *Tag) IsDefinition() bool { return t.Kind == Definition }

// IsReference reports whether the tag is a call or import reference.
func (t *Tag) IsReference() bool { return t.Kind == Reference }

// FileInfo holds metadata and extracted tags for a single source file.
type FileInfo struct {
	Path     string
	Language string
	ModTime  time.Time
	Size     int64
	Tags     []Tag
	Rank     float64
}

// Dependency represents an edge in the dependency graph:
// Source references symbols defined in Target.
type Dependency struct {
	Source  string
	Target  string
	Symbols []string
}

// RepoMap is the complete analyzed repository map, ready for serialization.
type RepoMap struct {
	RepoName     string
	Root         string // root path as the caller passed it
	Files        []FileInfo
	Dependencies []Dependency
}
