package fixer

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/reviewd/internal/detector"
)

// SuggestionSource produces a fix suggestion for an issue, or
// ErrNoSuggestion when it has nothing to offer.
type SuggestionSource interface {
	Name() string
	Suggest(ctx context.Context, issue detector.Issue, content string) (*Suggestion, error)
}

// RuleBasedSource maps known rules to fix templates. It is deterministic
// and cheap, so it runs first in the chain.
type RuleBasedSource struct{}

// NewRuleBasedSource creates the template source.
func NewRuleBasedSource() *RuleBasedSource {
	return &RuleBasedSource{}
}

// Name identifies the source in outcomes.
func (r *RuleBasedSource) Name() string { return "rule_based" }

// Suggest returns the template fix for the issue's rule.
func (r *RuleBasedSource) Suggest(ctx context.Context, issue detector.Issue, content string) (*Suggestion, error) {
	line, ok := lineAt(content, issue.Line)
	if !ok {
		return nil, fmt.Errorf("%w: issue line %d out of range", ErrNoSuggestion, issue.Line)
	}

	switch issue.RuleID {
	case detector.RuleUnusedImport:
		return &Suggestion{
			IssueID:     issue.ID,
			RuleID:      issue.RuleID,
			FixType:     FixTypeDelete,
			Line:        issue.Line,
			Original:    line,
			Confidence:  0.9,
			Explanation: "remove the unused import",
			Source:      r.Name(),
		}, nil

	case detector.RuleUnusedVariable:
		return &Suggestion{
			IssueID:     issue.ID,
			RuleID:      issue.RuleID,
			FixType:     FixTypeDelete,
			Line:        issue.Line,
			Original:    line,
			Confidence:  0.6,
			Explanation: "remove the assignment to the unused variable",
			Source:      r.Name(),
		}, nil

	case detector.RuleUnreachableCode:
		return &Suggestion{
			IssueID:     issue.ID,
			RuleID:      issue.RuleID,
			FixType:     FixTypeDelete,
			Line:        issue.Line,
			Original:    line,
			Confidence:  0.75,
			Explanation: "remove the unreachable statement",
			Source:      r.Name(),
		}, nil

	case detector.RuleUnsafeEval:
		if !strings.Contains(line, "eval(") {
			return nil, ErrNoSuggestion
		}
		if importsModule(content, "ast") {
			return &Suggestion{
				IssueID:     issue.ID,
				RuleID:      issue.RuleID,
				FixType:     FixTypeReplace,
				Line:        issue.Line,
				Original:    "eval(",
				Suggested:   "ast.literal_eval(",
				Confidence:  0.7,
				Explanation: "ast.literal_eval only evaluates literal structures, not arbitrary code",
				Source:      r.Name(),
			}, nil
		}
		// The file never imports ast, so the rewrite has to bring the
		// import along or the replacement call would not resolve.
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		return &Suggestion{
			IssueID:     issue.ID,
			RuleID:      issue.RuleID,
			FixType:     FixTypeRefactor,
			Line:        issue.Line,
			Original:    line,
			Suggested:   indent + "import ast\n" + strings.Replace(line, "eval(", "ast.literal_eval(", 1),
			Confidence:  0.7,
			Explanation: "ast.literal_eval only evaluates literal structures, not arbitrary code",
			Source:      r.Name(),
		}, nil

	case detector.RuleUnsafeDeserialization:
		if !strings.Contains(line, "yaml.load(") {
			return nil, ErrNoSuggestion
		}
		return &Suggestion{
			IssueID:     issue.ID,
			RuleID:      issue.RuleID,
			FixType:     FixTypeReplace,
			Line:        issue.Line,
			Original:    "yaml.load(",
			Suggested:   "yaml.safe_load(",
			Confidence:  0.85,
			Explanation: "yaml.safe_load refuses arbitrary object construction",
			Source:      r.Name(),
		}, nil
	}

	return nil, ErrNoSuggestion
}

// importsModule reports whether content binds the module name through a
// plain import statement. Aliased imports and from-imports bind other
// names, so they do not count.
func importsModule(content, module string) bool {
	for _, line := range strings.Split(content, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "import ")
		if !ok {
			continue
		}
		for _, part := range strings.Split(rest, ",") {
			if strings.TrimSpace(part) == module {
				return true
			}
		}
	}
	return false
}

// lineAt returns the 1-indexed line of content.
func lineAt(content string, line int) (string, bool) {
	lines := strings.Split(content, "\n")
	if line < 1 || line > len(lines) {
		return "", false
	}
	return lines[line-1], true
}
