package lang

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/ruby"

	"github.com/phobologic/sourcecrumb/internal/model"
)

func init() {
	Languages["ruby"] = &Language{
		Name:             "ruby",
		Extensions:       []string{".rb", ".rake"},
		lang:             ruby.GetLanguage(),
		FindMethodClass:  rubyOwner,
		ExtractSignature: rubySignature,
	}
}

// rubyOwner names the nearest class or module around a method, so both
// `def save` and `def self.load` inside `class Store` qualify as Store.x.
func rubyOwner(def *sitter.Node, source []byte) string {
	for n := def.Parent(); n != nil; n = n.Parent() {
		switch n.Type() {
		case "class", "module":
			if name := n.ChildByFieldName("name"); name != nil {
				return NodeText(name, source)
			}
			return ""
		case "method", "singleton_method":
			// nested def: owned by the enclosing method, not a class
			return ""
		}
	}
	return ""
}

// rubySignature renders "Name < Super" for classes, the bare name for
// modules and "name(params)" for methods; `self.` is dropped from
// singleton methods since the owner already qualifies the name.
func rubySignature(def *sitter.Node, kind model.SymbolKind, source []byte) string {
	name := ""
	if n := def.ChildByFieldName("name"); n != nil {
		name = NodeText(n, source)
	}

	if kind == model.Class {
		sc := def.ChildByFieldName("superclass")
		if sc == nil || sc.NamedChildCount() == 0 {
			return name
		}
		return name + " < " + NodeText(sc.NamedChild(0), source)
	}

	if p := def.ChildByFieldName("parameters"); p != nil {
		return name + CollapseWhitespace(NodeText(p, source))
	}
	return name
}
