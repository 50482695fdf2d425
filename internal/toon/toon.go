// Package toon implements TOON (Token-Oriented Object Notation) encoding.
package toon

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/phobologic/sourcecrumb/internal/model"
)

var (
	needsQuoting = regexp.MustCompile(`[,:"\\{}\[\]]`)
	looksNumeric = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?$`)
	keywords     = map[string]struct{}{
		"true":  {},
		"false": {},
		"null":  {},
	}
)

// table is one tabular TOON array: name[len]{columns}: followed by rows.
type table struct {
	name    string
	columns []string
	rows    [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) write(b *strings.Builder) {
	fmt.Fprintf(b, "%s[%d]{%s}:", t.name, len(t.rows), strings.Join(t.columns, ","))
	for _, row := range t.rows {
		b.WriteString("\n  ")
		for i, cell := range row {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(encodeValue(cell))
		}
	}
}

// Encode converts a RepoMap into TOON format: the repo header, then the
// files, symbols and dependencies tables. Only definitions appear as
// symbols; references are already folded into dependencies.
func Encode(rm *model.RepoMap) string {
	files := table{name: "files", columns: []string{"path", "language", "rank"}}
	symbols := table{name: "symbols", columns: []string{"file", "name", "kind", "line", "signature"}}
	deps := table{name: "dependencies", columns: []string{"source", "target", "symbols"}}

	for i := range rm.Files {
		fi := &rm.Files[i]
		files.add(fi.Path, fi.Language, strconv.FormatFloat(fi.Rank, 'f', 4, 64))
		for j := range fi.Tags {
			tag := &fi.Tags[j]
			if !tag.IsDefinition() {
				continue
			}
			symbols.add(fi.Path, tag.Name, string(tag.SymbolKind), strconv.Itoa(tag.Line), tag.Signature)
		}
	}
	for i := range rm.Dependencies {
		d := &rm.Dependencies[i]
		deps.add(d.Source, d.Target, strings.Join(d.Symbols, " "))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "repo: %s\nroot: %s", encodeValue(rm.RepoName), encodeValue(rm.Root))
	for _, t := range []*table{&files, &symbols, &deps} {
		b.WriteByte('\n')
		t.write(&b)
	}
	return b.String()
}

func encodeValue(value string) string {
	switch {
	case value == "":
		return `""`
	case value != strings.TrimSpace(value), strings.ContainsAny(value, "\n\r\t"):
		return quote(value)
	}

	if _, ok := keywords[strings.ToLower(value)]; ok {
		return quote(value)
	}
	if looksNumeric.MatchString(value) {
		return value
	}
	if needsQuoting.MatchString(value) || strings.HasPrefix(value, "-") {
		return quote(value)
	}
	return value
}

var quoter = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func quote(value string) string {
	return `"` + quoter.Replace(value) + `"`
}
