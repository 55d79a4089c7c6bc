package detector

import (
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// checkImports flags imported bindings that are never read.
func (a *analyzer) checkImports(root *sitter.Node) {
	type binding struct {
		name string
		node *sitter.Node
	}
	var bindings []binding

	walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				switch child.Type() {
				case "dotted_name":
					// "import os.path" binds "os"
					name := a.text(child)
					if dot := strings.IndexByte(name, '.'); dot >= 0 {
						name = name[:dot]
					}
					bindings = append(bindings, binding{name, child})
				case "aliased_import":
					if alias := child.ChildByFieldName("alias"); alias != nil {
						bindings = append(bindings, binding{a.text(alias), child})
					}
				}
			}
			return false
		case "import_from_statement":
			module := n.ChildByFieldName("module_name")
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				if module != nil && child.StartByte() == module.StartByte() {
					continue
				}
				switch child.Type() {
				case "dotted_name":
					bindings = append(bindings, binding{a.text(child), child})
				case "aliased_import":
					if alias := child.ChildByFieldName("alias"); alias != nil {
						bindings = append(bindings, binding{a.text(alias), child})
					}
				case "wildcard_import":
					// "from x import *": bindings are unknowable, skip
					return false
				}
			}
			return false
		}
		return true
	})

	if len(bindings) == 0 {
		return
	}

	uses := make(map[string]int)
	walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "import_statement", "import_from_statement", "future_import_statement":
			return false
		case "identifier":
			uses[a.text(n)]++
		}
		return true
	})

	for _, b := range bindings {
		if uses[b.name] > 0 || strings.HasPrefix(b.name, a.rules.UnusedPrefix) {
			continue
		}
		a.add(RuleUnusedImport, b.node, fmt.Sprintf("imported name %q is never used", b.name))
	}
}

// checkUnusedVariables flags function-local bindings assigned but never read.
func (a *analyzer) checkUnusedVariables(fn *sitter.Node) {
	body := fn.ChildByFieldName("body")
	if body == nil {
		return
	}

	writes := make(map[string]*sitter.Node)  // first assignment per name
	targetOffsets := make(map[uint32]bool)   // identifier nodes in write position

	collectTargets := func(target *sitter.Node) {
		walk(target, func(n *sitter.Node) bool {
			if n.Type() == "identifier" {
				name := a.text(n)
				targetOffsets[n.StartByte()] = true
				if _, ok := writes[name]; !ok {
					writes[name] = n
				}
			}
			// Subscript and attribute targets mutate an existing object,
			// their base identifier is a read
			return n.Type() != "subscript" && n.Type() != "attribute"
		})
	}

	walk(body, func(n *sitter.Node) bool {
		switch n.Type() {
		case "function_definition", "class_definition":
			// nested scope owns its own bindings
			return false
		case "assignment":
			if left := n.ChildByFieldName("left"); left != nil {
				collectTargets(left)
			}
		case "for_statement":
			if left := n.ChildByFieldName("left"); left != nil {
				collectTargets(left)
			}
		case "named_expression":
			if name := n.ChildByFieldName("name"); name != nil {
				collectTargets(name)
			}
		}
		return true
	})

	if len(writes) == 0 {
		return
	}

	reads := make(map[string]int)
	walk(body, func(n *sitter.Node) bool {
		if n.Type() == "identifier" && !targetOffsets[n.StartByte()] {
			reads[a.text(n)]++
		}
		return true
	})

	for name, node := range writes {
		if reads[name] > 0 || strings.HasPrefix(name, a.rules.UnusedPrefix) {
			continue
		}
		a.add(RuleUnusedVariable, node, fmt.Sprintf("variable %q is assigned but never read", name))
	}
}

// terminalStatement reports whether a statement unconditionally leaves the
// enclosing block.
func terminalStatement(t string) bool {
	switch t {
	case "return_statement", "raise_statement", "break_statement", "continue_statement":
		return true
	}
	return false
}

// checkUnreachable flags the first statement following an unconditional
// exit within the same block.
func (a *analyzer) checkUnreachable(block *sitter.Node) {
	terminated := false
	for i := 0; i < int(block.NamedChildCount()); i++ {
		stmt := block.NamedChild(i)
		if stmt.Type() == "comment" {
			continue
		}
		if terminated {
			a.add(RuleUnreachableCode, stmt, "statement is unreachable")
			return
		}
		if terminalStatement(stmt.Type()) {
			terminated = true
		}
	}
}

// checkComplexity computes cyclomatic complexity for one function.
func (a *analyzer) checkComplexity(fn *sitter.Node) {
	body := fn.ChildByFieldName("body")
	if body == nil {
		return
	}

	complexity := 1
	walk(body, func(n *sitter.Node) bool {
		switch n.Type() {
		case "function_definition", "class_definition":
			return false
		case "if_statement", "elif_clause", "while_statement", "for_statement",
			"except_clause", "boolean_operator", "conditional_expression", "case_clause":
			complexity++
		}
		return true
	})

	if complexity <= a.rules.Thresholds.Complexity {
		return
	}

	name := "<lambda>"
	if n := fn.ChildByFieldName("name"); n != nil {
		name = a.text(n)
	}
	a.add(RuleHighComplexity, fn,
		fmt.Sprintf("function %q has cyclomatic complexity %d (threshold %d)", name, complexity, a.rules.Thresholds.Complexity))
}
