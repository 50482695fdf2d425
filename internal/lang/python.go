package lang

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/phobologic/sourcecrumb/internal/model"
)

func init() {
	Languages["python"] = &Language{
		Name:             "python",
		Extensions:       []string{".py", ".pyi"},
		lang:             python.GetLanguage(),
		FindMethodClass:  pythonOwner,
		ExtractSignature: pythonSignature,
		ImportLeaf:       DottedLeaf,
	}
}

// pythonOwner returns the name of the class whose body directly holds the
// function, looking through one decorated_definition. Functions nested in
// other functions are not methods.
func pythonOwner(def *sitter.Node, source []byte) string {
	n := def.Parent()
	if n != nil && n.Type() == "decorated_definition" {
		n = n.Parent()
	}
	if n == nil || n.Type() != "block" {
		return ""
	}
	class := n.Parent()
	if class == nil || class.Type() != "class_definition" {
		return ""
	}
	if name := class.ChildByFieldName("name"); name != nil {
		return NodeText(name, source)
	}
	return ""
}

// pythonSignature renders "Name(Base, Mixin)" for classes and
// "name(params) -> ret" for functions, with whitespace collapsed.
func pythonSignature(def *sitter.Node, kind model.SymbolKind, source []byte) string {
	sig := ""
	if n := def.ChildByFieldName("name"); n != nil {
		sig = NodeText(n, source)
	}

	if kind == model.Class {
		if bases := def.ChildByFieldName("superclasses"); bases != nil {
			sig += CollapseWhitespace(NodeText(bases, source))
		}
		return sig
	}

	if p := def.ChildByFieldName("parameters"); p != nil {
		sig += CollapseWhitespace(NodeText(p, source))
	}
	if r := def.ChildByFieldName("return_type"); r != nil {
		sig += " -> " + NodeText(r, source)
	}
	return sig
}
