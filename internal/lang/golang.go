package lang

import (
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/phobologic/sourcecrumb/internal/model"
)

var majorVersionRe = regexp.MustCompile(`^v[0-9]+$`)

func init() {
	Languages["go"] = &Language{
		Name:             "go",
		Extensions:       []string{".go"},
		lang:             golang.GetLanguage(),
		FindReceiverType: goFindReceiverType,
		ExtractSignature: goExtractSignature,
		ImportLeaf:       goImportLeaf,
	}
}

// goImportLeaf maps an import path to its conventional package name:
// "net/http" -> http, "example.com/mod/v2" -> mod, "gopkg.in/yaml.v3" -> yaml.
func goImportLeaf(text string) string {
	text = strings.Trim(strings.TrimSpace(text), "\"`")
	parts := strings.Split(strings.TrimRight(text, "/"), "/")
	leaf := parts[len(parts)-1]
	if majorVersionRe.MatchString(leaf) && len(parts) > 1 {
		leaf = parts[len(parts)-2]
	}
	if i := strings.Index(leaf, ".v"); i > 0 && majorVersionRe.MatchString(leaf[i+1:]) {
		leaf = leaf[:i]
	}
	return leaf
}

// goFindReceiverType extracts the receiver type name from a method_declaration node.
// Navigates: method_declaration → parameter_list (receiver) → parameter_declaration → type.
func goFindReceiverType(node *sitter.Node, source []byte) string {
	receiver := node.ChildByFieldName("receiver")
	if receiver == nil {
		return ""
	}
	for j := 0; j < int(receiver.ChildCount()); j++ {
		param := receiver.Child(j)
		if param.Type() == "parameter_declaration" {
			return goExtractTypeName(param, source)
		}
	}
	return ""
}

// goExtractTypeName extracts the type name from a parameter_declaration,
// unwrapping pointer and generic receivers.
func goExtractTypeName(param *sitter.Node, source []byte) string {
	typ := param.ChildByFieldName("type")
	for typ != nil {
		switch typ.Type() {
		case "type_identifier":
			return NodeText(typ, source)
		case "pointer_type":
			typ = typ.NamedChild(0)
		case "generic_type":
			typ = typ.ChildByFieldName("type")
		default:
			return ""
		}
	}
	return ""
}

func goExtractSignature(defNode *sitter.Node, kind model.SymbolKind, source []byte) string {
	if kind == model.Class {
		if name := defNode.ChildByFieldName("name"); name != nil {
			return NodeText(name, source)
		}
		return ""
	}

	var name, params, result string
	if n := defNode.ChildByFieldName("name"); n != nil {
		name = NodeText(n, source)
	}
	if p := defNode.ChildByFieldName("parameters"); p != nil {
		params = CollapseWhitespace(NodeText(p, source))
	}
	if r := defNode.ChildByFieldName("result"); r != nil {
		result = CollapseWhitespace(NodeText(r, source))
	}

	sig := name + params
	if result != "" {
		sig += " " + result
	}
	return sig
}
