package lang

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/phobologic/sourcecrumb/internal/model"
)

func init() {
	Languages["javascript"] = &Language{
		Name:             "javascript",
		Extensions:       []string{".js", ".jsx", ".mjs", ".cjs"},
		lang:             javascript.GetLanguage(),
		FindMethodClass:  jsFindMethodClass,
		ExtractSignature: jsExtractSignature,
	}
	Languages["typescript"] = &Language{
		Name:             "typescript",
		Extensions:       []string{".ts", ".mts", ".cts"},
		lang:             typescript.GetLanguage(),
		FindMethodClass:  jsFindMethodClass,
		ExtractSignature: jsExtractSignature,
	}
}

var jsClassNodes = map[string]struct{}{
	"class":                      {},
	"class_declaration":          {},
	"abstract_class_declaration": {},
}

// jsFindMethodClass resolves method_definition -> class_body -> class.
// Methods of object literals have no owning class and stay functions.
func jsFindMethodClass(node *sitter.Node, source []byte) string {
	if node.Type() != "method_definition" {
		return ""
	}
	body := node.Parent()
	if body == nil || body.Type() != "class_body" {
		return ""
	}
	cls := body.Parent()
	if cls == nil {
		return ""
	}
	if _, ok := jsClassNodes[cls.Type()]; !ok {
		return ""
	}
	if name := cls.ChildByFieldName("name"); name != nil {
		return NodeText(name, source)
	}
	return ""
}

func jsExtractSignature(defNode *sitter.Node, kind model.SymbolKind, source []byte) string {
	var name string
	if n := defNode.ChildByFieldName("name"); n != nil {
		name = NodeText(n, source)
	}

	if kind == model.Class {
		for i := 0; i < int(defNode.ChildCount()); i++ {
			child := defNode.Child(i)
			switch child.Type() {
			case "class_heritage", "extends_type_clause", "extends_clause":
				return name + " " + CollapseWhitespace(NodeText(child, source))
			}
		}
		return name
	}

	fn := defNode
	if defNode.Type() == "variable_declarator" {
		if v := defNode.ChildByFieldName("value"); v != nil {
			fn = v
		}
	}

	var params, returnType string
	if p := fn.ChildByFieldName("parameters"); p != nil {
		params = CollapseWhitespace(NodeText(p, source))
	} else if p := fn.ChildByFieldName("parameter"); p != nil {
		params = "(" + NodeText(p, source) + ")"
	}
	if r := fn.ChildByFieldName("return_type"); r != nil {
		returnType = CollapseWhitespace(NodeText(r, source))
	}
	return name + params + returnType
}
