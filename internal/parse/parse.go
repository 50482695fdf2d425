// Package parse extracts tags from source files using tree-sitter.
package parse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/sourcecrumb/internal/lang"
	"github.com/phobologic/sourcecrumb/internal/model"
)

var (
	// ErrSyntax reports a file whose syntax tree could not be built cleanly.
	ErrSyntax = errors.New("syntax error")
	// ErrEncoding reports a file that is not valid UTF-8.
	ErrEncoding = errors.New("unsupported encoding")
)

var captureMap = map[string]struct {
	Kind       model.TagKind
	SymbolKind model.SymbolKind
}{
	"definition.class":    {model.Definition, model.Class},
	"definition.function": {model.Definition, model.Function},
	"definition.method":   {model.Definition, model.Method},
	"reference.call":      {model.Reference, model.Function},
	"reference.import":    {model.Reference, model.Module},
}

// ExtractTags parses a source file and returns definition and reference tags
// in source order. The parser must be created for l.
// filePath is used only for Tag.File and should be the repo-relative path.
//
// A file that cannot be parsed yields no tags and an error wrapping
// ErrSyntax or ErrEncoding; callers keep the file as a tagless graph node.
func ExtractTags(ctx context.Context, l *lang.Language, parser *sitter.Parser, query *sitter.Query, source []byte, filePath string) ([]model.Tag, error) {
	if len(source) == 0 {
		return nil, nil
	}
	if !utf8.Valid(source) {
		return nil, fmt.Errorf("%s: %w", filePath, ErrEncoding)
	}

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", filePath, ErrSyntax, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, fmt.Errorf("%s: %w", filePath, ErrSyntax)
	}

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(query, root)

	var (
		tags    []model.Tag
		offsets []uint32
	)

	for {
		match, ok := qc.NextMatch()
		if !ok {
			break
		}
		match = qc.FilterPredicates(match, source)
		if len(match.Captures) == 0 {
			continue
		}

		var nameNode, defNode *sitter.Node
		var captureName string

		for _, c := range match.Captures {
			cname := query.CaptureNameForId(c.Index)
			if cname == "name" {
				nameNode = c.Node
			} else if _, ok := captureMap[cname]; ok {
				captureName = cname
				defNode = c.Node
			}
		}

		if nameNode == nil || captureName == "" || defNode == nil {
			continue
		}

		cm := captureMap[captureName]
		tag, ok := buildTag(l, cm.Kind, cm.SymbolKind, nameNode, defNode, source)
		if !ok {
			continue
		}
		tag.File = filePath
		tags = append(tags, tag)
		offsets = append(offsets, nameNode.StartByte())
	}

	sort.Stable(bySource{tags: tags, offsets: offsets})
	return tags, nil
}

func buildTag(l *lang.Language, kind model.TagKind, symbolKind model.SymbolKind, nameNode, defNode *sitter.Node, source []byte) (model.Tag, bool) {
	nameText := lang.NodeText(nameNode, source)

	if kind == model.Reference {
		if symbolKind == model.Module {
			nameText = l.LeafName(nameText)
		}
		if nameText == "" {
			return model.Tag{}, false
		}
		return model.Tag{
			Name:       nameText,
			Kind:       kind,
			SymbolKind: symbolKind,
			Line:       int(nameNode.StartPoint().Row) + 1,
		}, true
	}

	effectiveName := nameText
	switch symbolKind {
	case model.Function:
		if l.FindMethodClass != nil {
			if className := l.FindMethodClass(defNode, source); className != "" {
				symbolKind = model.Method
				effectiveName = className + "." + nameText
			}
		}
	case model.Method:
		if l.FindReceiverType != nil {
			if recv := l.FindReceiverType(defNode, source); recv != "" {
				effectiveName = recv + "." + nameText
			}
		}
	}

	var signature string
	if l.ExtractSignature != nil {
		signature = l.ExtractSignature(defNode, symbolKind, source)
	}

	return model.Tag{
		Name:       effectiveName,
		Kind:       kind,
		SymbolKind: symbolKind,
		Line:       int(nameNode.StartPoint().Row) + 1,
		Signature:  signature,
	}, true
}

// bySource orders tags by the byte offset of their name node.
type bySource struct {
	tags    []model.Tag
	offsets []uint32
}

func (s bySource) Len() int           { return len(s.tags) }
func (s bySource) Less(i, j int) bool { return s.offsets[i] < s.offsets[j] }
func (s bySource) Swap(i, j int) {
	s.tags[i], s.tags[j] = s.tags[j], s.tags[i]
	s.offsets[i], s.offsets[j] = s.offsets[j], s.offsets[i]
}
