package detector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// AnalyzeFile parses content as Python and runs every enabled rule.
// It is a pure function: identical inputs produce identical, ordered output.
// A file that does not parse yields zero issues and a recorded parse error.
func AnalyzeFile(ctx context.Context, path string, content []byte, rules *Ruleset) (*FileResult, error) {
	if rules == nil {
		rules = DefaultRuleset()
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return &FileResult{
			Path:       path,
			Issues:     []Issue{},
			ParseError: fmt.Sprintf("syntax error in %s", path),
		}, nil
	}

	a := &analyzer{
		path:    path,
		content: content,
		rules:   rules,
	}
	a.run(root)

	sortIssues(a.issues)
	assignIDs(a.issues)

	return &FileResult{Path: path, Issues: a.issues}, nil
}

// analyzer accumulates issues for one file.
type analyzer struct {
	path    string
	content []byte
	rules   *Ruleset
	issues  []Issue

	// listNames holds identifiers assigned a list literal anywhere in the
	// file, used by the linear scan rule.
	listNames map[string]bool
}

func (a *analyzer) run(root *sitter.Node) {
	a.collectListNames(root)
	a.checkImports(root)

	walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "function_definition":
			a.checkComplexity(n)
			a.checkUnusedVariables(n)
		case "block":
			a.checkUnreachable(n)
		case "call":
			a.checkCall(n)
		case "assignment":
			a.checkHardcodedSecret(n)
			a.checkConcatAssignment(n)
		case "augmented_assignment":
			a.checkAugmentedConcat(n)
		case "while_statement":
			a.checkLoopInvariant(n)
		case "comparison_operator":
			a.checkMembershipScan(n)
		}
		return true
	})
}

// add records an issue if the rule is enabled.
func (a *analyzer) add(ruleID string, n *sitter.Node, msg string) {
	if !a.rules.enabled(ruleID) {
		return
	}
	a.issues = append(a.issues, Issue{
		RuleID:   ruleID,
		Category: a.rules.category(ruleID),
		Severity: a.rules.severity(ruleID),
		Path:     a.path,
		Line:     int(n.StartPoint().Row) + 1,
		Column:   int(n.StartPoint().Column) + 1,
		Message:  msg,
		Snippet:  firstLine(a.text(n)),
	})
}

func (a *analyzer) text(n *sitter.Node) string {
	return n.Content(a.content)
}

// callName returns the dotted name of a call target, e.g. "os.system" or
// "eval". Empty for computed targets like (f())().
func (a *analyzer) callName(call *sitter.Node) string {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier", "attribute":
		return a.text(fn)
	}
	return ""
}

// walk visits n and its named descendants. visit returning false prunes the
// subtree.
func walk(n *sitter.Node, visit func(*sitter.Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		walk(n.NamedChild(i), visit)
	}
}

// hasAnonChild reports whether n has an anonymous token child with the given
// literal type, e.g. "+=" or "not in".
func hasAnonChild(n *sitter.Node, literal string) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		if n.Child(i).Type() == literal {
			return true
		}
	}
	return false
}

// insideLoop reports whether n has a for or while ancestor.
func insideLoop(n *sitter.Node) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		switch p.Type() {
		case "for_statement", "while_statement":
			return true
		case "function_definition", "class_definition":
			return false
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (a *analyzer) collectListNames(root *sitter.Node) {
	a.listNames = make(map[string]bool)
	walk(root, func(n *sitter.Node) bool {
		if n.Type() != "assignment" {
			return true
		}
		left := n.ChildByFieldName("left")
		right := n.ChildByFieldName("right")
		if left == nil || right == nil || left.Type() != "identifier" {
			return true
		}
		switch right.Type() {
		case "list", "list_comprehension":
			a.listNames[a.text(left)] = true
		}
		return true
	})
}

// sortIssues orders issues by position, then rule, for determinism.
func sortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return a.RuleID < b.RuleID
	})
}

// assignIDs gives every issue a scan-unique, input-stable ID.
func assignIDs(issues []Issue) {
	seen := make(map[string]int, len(issues))
	for i := range issues {
		key := issues[i].RuleID + "@" + issues[i].Path +
			fmt.Sprintf(":%d:%d", issues[i].Line, issues[i].Column)
		issues[i].ID = issueID(issues[i].RuleID, issues[i].Path, issues[i].Line, issues[i].Column, seen[key])
		seen[key]++
	}
}
