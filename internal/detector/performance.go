package detector

import (
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// checkAugmentedConcat flags `acc += <string-ish>` inside a loop.
func (a *analyzer) checkAugmentedConcat(aug *sitter.Node) {
	if !hasAnonChild(aug, "+=") || !insideLoop(aug) {
		return
	}
	right := aug.ChildByFieldName("right")
	if right == nil || !subtreeHasString(right) {
		return
	}
	left := aug.ChildByFieldName("left")
	target := ""
	if left != nil && left.Type() == "identifier" {
		target = a.text(left)
	} else {
		return
	}
	a.add(RuleStringConcatInLoop, aug,
		fmt.Sprintf("string concatenation onto %q in a loop is quadratic; accumulate parts and join once", target))
}

// checkConcatAssignment flags the `acc = acc + <string-ish>` form in a loop.
func (a *analyzer) checkConcatAssignment(assign *sitter.Node) {
	if !insideLoop(assign) {
		return
	}
	left := assign.ChildByFieldName("left")
	right := assign.ChildByFieldName("right")
	if left == nil || right == nil || left.Type() != "identifier" || right.Type() != "binary_operator" {
		return
	}
	if !hasAnonChild(right, "+") || !subtreeHasString(right) {
		return
	}
	rl := right.ChildByFieldName("left")
	if rl == nil || rl.Type() != "identifier" || a.text(rl) != a.text(left) {
		return
	}
	a.add(RuleStringConcatInLoop, assign,
		fmt.Sprintf("string concatenation onto %q in a loop is quadratic; accumulate parts and join once", a.text(left)))
}

// checkLoopInvariant flags while conditions that recompute a call whose
// inputs the loop body never mutates.
func (a *analyzer) checkLoopInvariant(while *sitter.Node) {
	cond := while.ChildByFieldName("condition")
	body := while.ChildByFieldName("body")
	if cond == nil || body == nil {
		return
	}

	// Identifiers feeding calls in the condition
	deps := make(map[string]bool)
	hasCall := false
	walk(cond, func(n *sitter.Node) bool {
		if n.Type() != "call" {
			return true
		}
		hasCall = true
		if args := n.ChildByFieldName("arguments"); args != nil {
			walk(args, func(c *sitter.Node) bool {
				if c.Type() == "identifier" {
					deps[a.text(c)] = true
				}
				return true
			})
		}
		if fn := n.ChildByFieldName("function"); fn != nil && fn.Type() == "attribute" {
			if obj := fn.ChildByFieldName("object"); obj != nil && obj.Type() == "identifier" {
				deps[a.text(obj)] = true
			}
		}
		return true
	})
	if !hasCall || len(deps) == 0 {
		return
	}

	mutated := a.mutatedNames(body)
	for name := range deps {
		if mutated[name] {
			return
		}
	}

	a.add(RuleLoopInvariant, cond,
		"while condition recomputes a call whose inputs the loop body never changes; hoist it out of the loop")
}

// mutatedNames collects identifiers the block assigns to or calls mutating
// methods on.
func (a *analyzer) mutatedNames(body *sitter.Node) map[string]bool {
	mutated := make(map[string]bool)

	markTargets := func(target *sitter.Node) {
		walk(target, func(n *sitter.Node) bool {
			if n.Type() == "identifier" {
				mutated[a.text(n)] = true
			}
			return true
		})
	}

	walk(body, func(n *sitter.Node) bool {
		switch n.Type() {
		case "assignment", "augmented_assignment":
			if left := n.ChildByFieldName("left"); left != nil {
				markTargets(left)
			}
		case "for_statement":
			if left := n.ChildByFieldName("left"); left != nil {
				markTargets(left)
			}
		case "delete_statement":
			markTargets(n)
		case "call":
			// x.append(...) and friends mutate x
			if fn := n.ChildByFieldName("function"); fn != nil && fn.Type() == "attribute" {
				if obj := fn.ChildByFieldName("object"); obj != nil && obj.Type() == "identifier" {
					mutated[a.text(obj)] = true
				}
			}
		}
		return true
	})
	return mutated
}

// checkMembershipScan flags `x in somelist` inside a loop when the right
// operand is a list literal or a name bound to one.
func (a *analyzer) checkMembershipScan(cmp *sitter.Node) {
	if !hasAnonChild(cmp, "in") && !hasAnonChild(cmp, "not in") {
		return
	}
	if !insideLoop(cmp) {
		return
	}
	if cmp.NamedChildCount() < 2 {
		return
	}

	right := cmp.NamedChild(int(cmp.NamedChildCount()) - 1)
	switch right.Type() {
	case "list", "list_comprehension":
		a.add(RuleLinearScanInLoop, cmp,
			"membership test against a list inside a loop is linear per iteration; use a set")
	case "identifier":
		if a.listNames[a.text(right)] {
			a.add(RuleLinearScanInLoop, cmp,
				fmt.Sprintf("membership test against list %q inside a loop is linear per iteration; use a set", a.text(right)))
		}
	}
}

// subtreeHasString reports whether the expression contains a string literal
// or f-string anywhere.
func subtreeHasString(n *sitter.Node) bool {
	found := false
	walk(n, func(c *sitter.Node) bool {
		if c.Type() == "string" {
			found = true
		}
		return !found
	})
	return found
}
