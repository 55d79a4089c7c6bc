package detector

import (
	"fmt"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

var credentialIdent = regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api_?key|access_?key|private_?key|auth|credential)`)

// checkCall runs the security sink rules against one call site.
func (a *analyzer) checkCall(call *sitter.Node) {
	name := a.callName(call)
	if name == "" {
		return
	}

	for _, sink := range a.rules.Sinks.Eval {
		if name == sink {
			a.add(RuleUnsafeEval, call, fmt.Sprintf("call to %s evaluates arbitrary code", name))
			return
		}
	}

	for _, sink := range a.rules.Sinks.Deserialization {
		if name == sink {
			a.add(RuleUnsafeDeserialization, call, fmt.Sprintf("%s deserializes untrusted data unsafely", name))
			return
		}
	}
	if name == "yaml.load" && !a.hasSafeLoader(call) {
		a.add(RuleUnsafeDeserialization, call, "yaml.load without SafeLoader allows arbitrary object construction")
		return
	}

	for _, sink := range a.rules.Sinks.Shell {
		if name == sink {
			a.add(RuleShellInjection, call, fmt.Sprintf("%s passes its argument to the shell", name))
			return
		}
	}
	if strings.HasPrefix(name, "subprocess.") && a.hasKeywordTrue(call, "shell") {
		a.add(RuleShellInjection, call, name+" with shell=True passes its argument to the shell")
		return
	}

	if name == "execute" || name == "executemany" ||
		strings.HasSuffix(name, ".execute") || strings.HasSuffix(name, ".executemany") {
		if arg := firstPositionalArg(call); arg != nil && a.isInterpolated(arg) {
			a.add(RuleSQLInjection, call, "SQL statement is built by string interpolation; use parameterized queries")
		}
	}
}

// hasSafeLoader reports whether a yaml.load call passes a safe Loader.
func (a *analyzer) hasSafeLoader(call *sitter.Node) bool {
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return false
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		arg := args.NamedChild(i)
		if arg.Type() != "keyword_argument" {
			continue
		}
		kwName := arg.ChildByFieldName("name")
		kwValue := arg.ChildByFieldName("value")
		if kwName != nil && a.text(kwName) == "Loader" &&
			kwValue != nil && strings.Contains(a.text(kwValue), "Safe") {
			return true
		}
	}
	return false
}

// hasKeywordTrue reports whether the call has keyword=True.
func (a *analyzer) hasKeywordTrue(call *sitter.Node, keyword string) bool {
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return false
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		arg := args.NamedChild(i)
		if arg.Type() != "keyword_argument" {
			continue
		}
		kwName := arg.ChildByFieldName("name")
		kwValue := arg.ChildByFieldName("value")
		if kwName != nil && a.text(kwName) == keyword &&
			kwValue != nil && kwValue.Type() == "true" {
			return true
		}
	}
	return false
}

// firstPositionalArg returns the first non-keyword argument of a call.
func firstPositionalArg(call *sitter.Node) *sitter.Node {
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return nil
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		arg := args.NamedChild(i)
		if arg.Type() != "keyword_argument" {
			return arg
		}
	}
	return nil
}

// isInterpolated reports whether an expression builds a string dynamically:
// f-strings, % or + over strings, or str.format calls.
func (a *analyzer) isInterpolated(n *sitter.Node) bool {
	switch n.Type() {
	case "string":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if n.NamedChild(i).Type() == "interpolation" {
				return true
			}
		}
		return false
	case "binary_operator":
		if !hasAnonChild(n, "+") && !hasAnonChild(n, "%") {
			return false
		}
		containsString := false
		walk(n, func(c *sitter.Node) bool {
			if c.Type() == "string" {
				containsString = true
			}
			return !containsString
		})
		return containsString
	case "call":
		fn := n.ChildByFieldName("function")
		if fn != nil && fn.Type() == "attribute" {
			if attr := fn.ChildByFieldName("attribute"); attr != nil && a.text(attr) == "format" {
				return true
			}
		}
		return false
	case "identifier":
		return false
	}
	return false
}

// checkHardcodedSecret flags high-entropy string literals assigned to
// credential-like identifiers.
func (a *analyzer) checkHardcodedSecret(assign *sitter.Node) {
	left := assign.ChildByFieldName("left")
	right := assign.ChildByFieldName("right")
	if left == nil || right == nil {
		return
	}

	var name string
	switch left.Type() {
	case "identifier":
		name = a.text(left)
	case "attribute":
		if attr := left.ChildByFieldName("attribute"); attr != nil {
			name = a.text(attr)
		}
	default:
		return
	}
	if !credentialIdent.MatchString(name) {
		return
	}

	value, ok := a.stringLiteral(right)
	if !ok || len(value) < a.rules.Thresholds.MinSecretLen {
		return
	}
	if shannonEntropy(value) < a.rules.Thresholds.SecretEntropy {
		return
	}

	if a.rules.enabled(RuleHardcodedSecret) {
		// Snippet carries the identifier only, never the literal value
		a.issues = append(a.issues, Issue{
			RuleID:   RuleHardcodedSecret,
			Category: a.rules.category(RuleHardcodedSecret),
			Severity: a.rules.severity(RuleHardcodedSecret),
			Path:     a.path,
			Line:     int(assign.StartPoint().Row) + 1,
			Column:   int(assign.StartPoint().Column) + 1,
			Message:  fmt.Sprintf("identifier %q is assigned a high-entropy string literal", name),
			Snippet:  name + " = ...",
		})
	}
}

// stringLiteral extracts the value of a plain (non-interpolated) string
// literal node, without quotes.
func (a *analyzer) stringLiteral(n *sitter.Node) (string, bool) {
	if n.Type() != "string" {
		return "", false
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if n.NamedChild(i).Type() == "interpolation" {
			return "", false
		}
	}
	raw := a.text(n)
	raw = strings.TrimLeft(raw, "rbfuRBFU")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(raw, q) && strings.HasSuffix(raw, q) && len(raw) >= 2*len(q) {
			return raw[len(q) : len(raw)-len(q)], true
		}
	}
	return raw, true
}
