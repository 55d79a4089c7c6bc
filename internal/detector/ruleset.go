package detector

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Rule identifiers.
const (
	RuleUnusedImport          = "unused_import"
	RuleUnusedVariable        = "unused_variable"
	RuleUnreachableCode       = "unreachable_code"
	RuleHighComplexity        = "high_complexity"
	RuleUnsafeEval            = "unsafe_eval"
	RuleUnsafeDeserialization = "unsafe_deserialization"
	RuleShellInjection        = "shell_injection"
	RuleSQLInjection          = "sql_injection"
	RuleHardcodedSecret       = "hardcoded_secret"
	RuleStringConcatInLoop    = "string_concat_in_loop"
	RuleLoopInvariant         = "loop_invariant_condition"
	RuleLinearScanInLoop      = "linear_scan_in_loop"
)

// RuleConfig is the per-rule ruleset entry.
type RuleConfig struct {
	Enabled  *bool  `toml:"enabled"`
	Severity string `toml:"severity"`
}

// Thresholds are numeric rule knobs.
type Thresholds struct {
	Complexity    int     `toml:"complexity"`
	SecretEntropy float64 `toml:"secret_entropy"`
	MinSecretLen  int     `toml:"min_secret_len"`
}

// Sinks are the call-site denylists for the security rules. Entries in a
// ruleset file are added to the defaults, not replacing them.
type Sinks struct {
	Eval            []string `toml:"eval"`
	Deserialization []string `toml:"deserialization"`
	Shell           []string `toml:"shell"`
}

// Ruleset is the full detector configuration, loadable from TOML.
type Ruleset struct {
	Rules      map[string]RuleConfig `toml:"rules"`
	Thresholds Thresholds            `toml:"thresholds"`
	Sinks      Sinks                 `toml:"sinks"`

	// UnusedPrefix marks intentionally-unused bindings (default "_").
	UnusedPrefix string `toml:"unused_prefix"`
}

type ruleMeta struct {
	category Category
	severity Severity
}

var ruleDefaults = map[string]ruleMeta{
	RuleUnusedImport:          {CategoryQuality, SeverityLow},
	RuleUnusedVariable:        {CategoryQuality, SeverityLow},
	RuleUnreachableCode:       {CategoryQuality, SeverityMedium},
	RuleHighComplexity:        {CategoryQuality, SeverityMedium},
	RuleUnsafeEval:            {CategorySecurity, SeverityCritical},
	RuleUnsafeDeserialization: {CategorySecurity, SeverityCritical},
	RuleShellInjection:        {CategorySecurity, SeverityCritical},
	RuleSQLInjection:          {CategorySecurity, SeverityHigh},
	RuleHardcodedSecret:       {CategorySecurity, SeverityCritical},
	RuleStringConcatInLoop:    {CategoryPerformance, SeverityLow},
	RuleLoopInvariant:         {CategoryPerformance, SeverityLow},
	RuleLinearScanInLoop:      {CategoryPerformance, SeverityLow},
}

// DefaultRuleset returns the built-in ruleset with every rule enabled.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		Rules: map[string]RuleConfig{},
		Thresholds: Thresholds{
			Complexity:    10,
			SecretEntropy: 3.0,
			MinSecretLen:  8,
		},
		Sinks: Sinks{
			Eval: []string{"eval", "exec"},
			Deserialization: []string{
				"pickle.load", "pickle.loads",
				"marshal.load", "marshal.loads",
			},
			Shell: []string{"os.system", "os.popen"},
		},
		UnusedPrefix: "_",
	}
}

// LoadRuleset reads a TOML ruleset file and merges it onto the defaults.
func LoadRuleset(path string) (*Ruleset, error) {
	base := DefaultRuleset()

	var loaded Ruleset
	if _, err := toml.DecodeFile(path, &loaded); err != nil {
		return nil, fmt.Errorf("failed to load ruleset %s: %w", path, err)
	}

	for id, rc := range loaded.Rules {
		if _, known := ruleDefaults[id]; !known {
			return nil, fmt.Errorf("ruleset %s: unknown rule %q", path, id)
		}
		if rc.Severity != "" {
			switch Severity(rc.Severity) {
			case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
			default:
				return nil, fmt.Errorf("ruleset %s: rule %q: invalid severity %q", path, id, rc.Severity)
			}
		}
		base.Rules[id] = rc
	}

	if loaded.Thresholds.Complexity > 0 {
		base.Thresholds.Complexity = loaded.Thresholds.Complexity
	}
	if loaded.Thresholds.SecretEntropy > 0 {
		base.Thresholds.SecretEntropy = loaded.Thresholds.SecretEntropy
	}
	if loaded.Thresholds.MinSecretLen > 0 {
		base.Thresholds.MinSecretLen = loaded.Thresholds.MinSecretLen
	}

	base.Sinks.Eval = append(base.Sinks.Eval, loaded.Sinks.Eval...)
	base.Sinks.Deserialization = append(base.Sinks.Deserialization, loaded.Sinks.Deserialization...)
	base.Sinks.Shell = append(base.Sinks.Shell, loaded.Sinks.Shell...)

	if loaded.UnusedPrefix != "" {
		base.UnusedPrefix = loaded.UnusedPrefix
	}

	return base, nil
}

// SeverityOf returns the effective severity for a rule, honoring overrides.
func (rs *Ruleset) SeverityOf(ruleID string) Severity {
	return rs.severity(ruleID)
}

// enabled reports whether a rule is active.
func (rs *Ruleset) enabled(ruleID string) bool {
	if rc, ok := rs.Rules[ruleID]; ok && rc.Enabled != nil {
		return *rc.Enabled
	}
	_, known := ruleDefaults[ruleID]
	return known
}

// severity returns the effective severity for a rule.
func (rs *Ruleset) severity(ruleID string) Severity {
	if rc, ok := rs.Rules[ruleID]; ok && rc.Severity != "" {
		return Severity(rc.Severity)
	}
	return ruleDefaults[ruleID].severity
}

// category returns the rule's category.
func (rs *Ruleset) category(ruleID string) Category {
	return ruleDefaults[ruleID].category
}
