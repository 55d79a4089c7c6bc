package detector

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// CollectDefinedNames parses content and returns every name the file binds:
// function and class names, parameters, assignment and loop targets, and
// import bindings. The set deliberately over-approximates (every identifier
// inside an import or target subtree counts) since it is used to answer
// "could this name resolve here".
func CollectDefinedNames(ctx context.Context, content []byte) (map[string]bool, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse content: %w", err)
	}
	defer tree.Close()

	defined := make(map[string]bool)
	addIdents := func(n *sitter.Node) {
		walk(n, func(c *sitter.Node) bool {
			if c.Type() == "identifier" {
				defined[c.Content(content)] = true
			}
			return true
		})
	}

	walk(tree.RootNode(), func(n *sitter.Node) bool {
		switch n.Type() {
		case "function_definition", "class_definition":
			if name := n.ChildByFieldName("name"); name != nil {
				defined[name.Content(content)] = true
			}
			if params := n.ChildByFieldName("parameters"); params != nil {
				addIdents(params)
			}
		case "lambda":
			if params := n.ChildByFieldName("parameters"); params != nil {
				addIdents(params)
			}
		case "assignment", "augmented_assignment", "for_statement":
			if left := n.ChildByFieldName("left"); left != nil {
				addIdents(left)
			}
		case "named_expression":
			if name := n.ChildByFieldName("name"); name != nil {
				addIdents(name)
			}
		case "import_statement", "import_from_statement", "future_import_statement":
			addIdents(n)
			return false
		case "as_pattern", "global_statement", "nonlocal_statement":
			addIdents(n)
			return false
		}
		return true
	})

	return defined, nil
}

// pythonBuiltins is the resolution whitelist for names no file needs to
// define.
var pythonBuiltins = map[string]bool{
	"abs": true, "all": true, "any": true, "ascii": true, "bin": true,
	"bool": true, "bytearray": true, "bytes": true, "callable": true,
	"chr": true, "classmethod": true, "compile": true, "complex": true,
	"delattr": true, "dict": true, "dir": true, "divmod": true,
	"enumerate": true, "filter": true, "float": true, "format": true,
	"frozenset": true, "getattr": true, "globals": true, "hasattr": true,
	"hash": true, "help": true, "hex": true, "id": true, "input": true,
	"int": true, "isinstance": true, "issubclass": true, "iter": true,
	"len": true, "list": true, "locals": true, "map": true, "max": true,
	"memoryview": true, "min": true, "next": true, "object": true,
	"oct": true, "open": true, "ord": true, "pow": true, "print": true,
	"property": true, "range": true, "repr": true, "reversed": true,
	"round": true, "set": true, "setattr": true, "slice": true,
	"sorted": true, "staticmethod": true, "str": true, "sum": true,
	"super": true, "tuple": true, "type": true, "vars": true, "zip": true,
	"True": true, "False": true, "None": true, "NotImplemented": true,
	"Exception": true, "ValueError": true, "TypeError": true,
	"KeyError": true, "IndexError": true, "AttributeError": true,
	"RuntimeError": true, "StopIteration": true, "OSError": true,
	"IOError": true, "NotImplementedError": true, "ZeroDivisionError": true,
	"self": true, "cls": true, "__name__": true, "__file__": true,
	"__doc__": true,
}

// IsBuiltin reports whether name resolves without any file-level binding.
func IsBuiltin(name string) bool {
	return pythonBuiltins[name]
}
