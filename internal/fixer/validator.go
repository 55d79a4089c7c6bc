package fixer

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/reviewd/internal/detector"
)

// Validator runs the safety gates over a proposed fix. Gates short-circuit:
// the first failure is returned alone.
type Validator struct {
	threshold float64
	rules     *detector.Ruleset
}

// NewValidator creates a validator with the given confidence threshold.
func NewValidator(threshold float64, rules *detector.Ruleset) *Validator {
	if rules == nil {
		rules = detector.DefaultRuleset()
	}
	return &Validator{threshold: threshold, rules: rules}
}

// Validate returns nil when the fix may be applied, or the failing gate's
// errors.
func (v *Validator) Validate(ctx context.Context, path string, original, patched []byte, issue detector.Issue, sug *Suggestion) []string {
	// Gate 1: confidence
	if sug.Confidence < v.threshold {
		return []string{fmt.Sprintf("confidence %.2f below threshold %.2f", sug.Confidence, v.threshold)}
	}

	// Gate 2: patched content must re-parse
	patchedRes, err := detector.AnalyzeFile(ctx, path, patched, v.rules)
	if err != nil {
		return []string{fmt.Sprintf("failed to analyze patched content: %v", err)}
	}
	if patchedRes.Failed() {
		return []string{"patched content does not parse"}
	}

	// Gate 3: no equal-or-worse dangerous sink
	if errs := v.checkSinks(ctx, path, original, patchedRes, issue, sug); len(errs) > 0 {
		return errs
	}

	// Gate 4: identifiers in the suggested code must resolve in file scope
	if errs := v.checkIdentifiers(ctx, patched, sug); len(errs) > 0 {
		return errs
	}

	return nil
}

// checkSinks rejects suggestions whose code contains a dangerous sink at
// least as severe as the issue being fixed, and any patch that increases a
// security rule's finding count with equal-or-worse severity.
func (v *Validator) checkSinks(ctx context.Context, path string, original []byte, patchedRes *detector.FileResult, issue detector.Issue, sug *Suggestion) []string {
	// Textual pass first: fragments like "exec(" never parse, so the AST
	// pass below cannot see them.
	for ruleID, names := range map[string][]string{
		detector.RuleUnsafeEval:            v.rules.Sinks.Eval,
		detector.RuleUnsafeDeserialization: v.rules.Sinks.Deserialization,
		detector.RuleShellInjection:        v.rules.Sinks.Shell,
	} {
		if v.rules.SeverityOf(ruleID).Rank() < issue.Severity.Rank() {
			continue
		}
		for _, name := range names {
			if containsSinkCall(sug.Suggested, name) {
				return []string{fmt.Sprintf("suggested code introduces dangerous sink: %s", name)}
			}
		}
	}

	if sug.Suggested != "" {
		snippetRes, err := detector.AnalyzeFile(ctx, path, []byte(strings.TrimSpace(sug.Suggested)+"\n"), v.rules)
		if err == nil && !snippetRes.Failed() {
			for _, si := range snippetRes.Issues {
				if si.Category == detector.CategorySecurity && si.Severity.Rank() >= issue.Severity.Rank() {
					return []string{fmt.Sprintf("suggested code introduces dangerous sink: %s", si.RuleID)}
				}
			}
		}
	}

	origRes, err := detector.AnalyzeFile(ctx, path, original, v.rules)
	if err != nil || origRes.Failed() {
		// Cannot compare against a baseline that never parsed
		return nil
	}

	origCounts := securityCounts(origRes.Issues)
	for ruleID, count := range securityCounts(patchedRes.Issues) {
		if count <= origCounts[ruleID] {
			continue
		}
		severity := severityOfRule(patchedRes.Issues, ruleID)
		if severity.Rank() >= issue.Severity.Rank() {
			return []string{fmt.Sprintf("patch adds security finding: %s", ruleID)}
		}
	}
	return nil
}

// checkIdentifiers verifies every root identifier in the suggested code is
// a builtin or bound somewhere in the patched file.
func (v *Validator) checkIdentifiers(ctx context.Context, patched []byte, sug *Suggestion) []string {
	idents := rootIdentifiers(sug.Suggested)
	if len(idents) == 0 {
		return nil
	}

	defined, err := detector.CollectDefinedNames(ctx, patched)
	if err != nil {
		return []string{fmt.Sprintf("failed to resolve file scope: %v", err)}
	}

	for _, name := range idents {
		if detector.IsBuiltin(name) || defined[name] {
			continue
		}
		return []string{fmt.Sprintf("identifier %q does not resolve in file scope", name)}
	}
	return nil
}

// containsSinkCall reports whether fragment calls name directly. A match
// preceded by an identifier character or a dot is some other function
// ("literal_eval(" is not "eval(", "x.eval(" is a method).
func containsSinkCall(fragment, name string) bool {
	needle := name + "("
	for at := 0; ; {
		idx := strings.Index(fragment[at:], needle)
		if idx < 0 {
			return false
		}
		idx += at
		if idx == 0 {
			return true
		}
		prev := fragment[idx-1]
		if prev != '_' && prev != '.' &&
			!(prev >= 'a' && prev <= 'z') && !(prev >= 'A' && prev <= 'Z') &&
			!(prev >= '0' && prev <= '9') {
			return true
		}
		at = idx + 1
	}
}

func securityCounts(issues []detector.Issue) map[string]int {
	counts := make(map[string]int)
	for _, i := range issues {
		if i.Category == detector.CategorySecurity {
			counts[i.RuleID]++
		}
	}
	return counts
}

func severityOfRule(issues []detector.Issue, ruleID string) detector.Severity {
	for _, i := range issues {
		if i.RuleID == ruleID {
			return i.Severity
		}
	}
	return detector.SeverityInfo
}

var pythonKeywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true,
	"assert": true, "async": true, "await": true, "break": true,
	"class": true, "continue": true, "def": true, "del": true,
	"elif": true, "else": true, "except": true, "finally": true,
	"for": true, "from": true, "global": true, "if": true, "import": true,
	"in": true, "is": true, "lambda": true, "nonlocal": true, "not": true,
	"or": true, "pass": true, "raise": true, "return": true, "try": true,
	"while": true, "with": true, "yield": true,
}

// rootIdentifiers extracts identifiers from a code fragment, skipping
// attribute accesses (anything preceded by a dot), string and comment
// content, and keywords. Fragments need not parse, so this is a scanner,
// not an AST walk.
func rootIdentifiers(fragment string) []string {
	var out []string
	seen := make(map[string]bool)

	runes := []rune(fragment)
	i := 0
	prevNonSpace := rune(0)
	for i < len(runes) {
		r := runes[i]

		// Skip string literals
		if r == '"' || r == '\'' {
			quote := r
			i++
			for i < len(runes) && runes[i] != quote {
				if runes[i] == '\\' {
					i++
				}
				i++
			}
			i++
			prevNonSpace = quote
			continue
		}
		// Skip comments
		if r == '#' {
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			continue
		}

		if unicode.IsLetter(r) || r == '_' {
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			name := string(runes[start:i])
			if prevNonSpace != '.' && !pythonKeywords[name] && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
			prevNonSpace = rune(name[len(name)-1])
			continue
		}

		if !unicode.IsSpace(r) {
			prevNonSpace = r
		}
		i++
	}
	return out
}
