package detector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analyze(t *testing.T, source string) *FileResult {
	t.Helper()
	result, err := AnalyzeFile(context.Background(), "test.py", []byte(source), nil)
	require.NoError(t, err)
	return result
}

func ruleIDs(issues []Issue) []string {
	ids := make([]string, 0, len(issues))
	for _, i := range issues {
		ids = append(ids, i.RuleID)
	}
	return ids
}

func TestAnalyzeFile_UnusedImport(t *testing.T) {
	result := analyze(t, `import os
import sys

print(sys.argv)
`)
	require.Len(t, result.Issues, 1)
	issue := result.Issues[0]
	assert.Equal(t, RuleUnusedImport, issue.RuleID)
	assert.Equal(t, 1, issue.Line)
	assert.Contains(t, issue.Message, `"os"`)
}

func TestAnalyzeFile_UnusedImport_Variants(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   bool
	}{
		{
			name:   "aliased import unused",
			source: "import numpy as np\n",
			want:   true,
		},
		{
			name:   "aliased import used",
			source: "import numpy as np\nx = np.zeros(3)\n",
			want:   false,
		},
		{
			name:   "from import unused",
			source: "from os import path\n",
			want:   true,
		},
		{
			name:   "dotted import binds root",
			source: "import os.path\nprint(os.getcwd())\n",
			want:   false,
		},
		{
			name:   "underscore prefix excluded",
			source: "import _private\n",
			want:   false,
		},
		{
			name:   "wildcard import skipped",
			source: "from os import *\n",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := analyze(t, tt.source)
			if tt.want {
				assert.Contains(t, ruleIDs(result.Issues), RuleUnusedImport)
			} else {
				assert.NotContains(t, ruleIDs(result.Issues), RuleUnusedImport)
			}
		})
	}
}

func TestAnalyzeFile_UnusedVariable(t *testing.T) {
	result := analyze(t, `def f():
    x = 1
    y = 2
    _ignored = 3
    return y
`)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, RuleUnusedVariable, result.Issues[0].RuleID)
	assert.Contains(t, result.Issues[0].Message, `"x"`)
}

func TestAnalyzeFile_UnreachableCode(t *testing.T) {
	result := analyze(t, `def f(a):
    if a:
        return 1
        print("never")
    return 0
`)
	require.Len(t, result.Issues, 1)
	issue := result.Issues[0]
	assert.Equal(t, RuleUnreachableCode, issue.RuleID)
	assert.Equal(t, 4, issue.Line)
}

func TestAnalyzeFile_HighComplexity(t *testing.T) {
	source := `def busy(a, b, c):
    if a:
        pass
    if b:
        pass
    if c:
        pass
    for i in a:
        if i and b or c:
            pass
    while a:
        if b:
            pass
        a = False
    return 1
`
	rules := DefaultRuleset()
	rules.Thresholds.Complexity = 5

	result, err := AnalyzeFile(context.Background(), "test.py", []byte(source), rules)
	require.NoError(t, err)
	assert.Contains(t, ruleIDs(result.Issues), RuleHighComplexity)

	// Default threshold of 10 leaves it alone
	result = analyze(t, source)
	assert.NotContains(t, ruleIDs(result.Issues), RuleHighComplexity)
}

func TestAnalyzeFile_SecuritySinks(t *testing.T) {
	tests := []struct {
		name   string
		source string
		rule   string
	}{
		{
			name:   "eval",
			source: "eval(user_input)\n",
			rule:   RuleUnsafeEval,
		},
		{
			name:   "exec",
			source: "exec(code)\n",
			rule:   RuleUnsafeEval,
		},
		{
			name:   "pickle loads",
			source: "import pickle\ndata = pickle.loads(blob)\n",
			rule:   RuleUnsafeDeserialization,
		},
		{
			name:   "yaml load without safe loader",
			source: "import yaml\ncfg = yaml.load(stream)\n",
			rule:   RuleUnsafeDeserialization,
		},
		{
			name:   "os.system",
			source: "import os\nos.system(cmd)\n",
			rule:   RuleShellInjection,
		},
		{
			name:   "subprocess shell true",
			source: "import subprocess\nsubprocess.run(cmd, shell=True)\n",
			rule:   RuleShellInjection,
		},
		{
			name:   "fstring sql",
			source: "cursor.execute(f\"SELECT * FROM users WHERE id = {uid}\")\n",
			rule:   RuleSQLInjection,
		},
		{
			name:   "percent sql",
			source: "cursor.execute(\"SELECT * FROM users WHERE id = %s\" % uid)\n",
			rule:   RuleSQLInjection,
		},
		{
			name:   "format sql",
			source: "cursor.execute(\"SELECT * FROM t WHERE id = {}\".format(uid))\n",
			rule:   RuleSQLInjection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := analyze(t, tt.source)
			assert.Contains(t, ruleIDs(result.Issues), tt.rule)
		})
	}
}

func TestAnalyzeFile_SafeCallsNotFlagged(t *testing.T) {
	result := analyze(t, `import yaml
import subprocess

cfg = yaml.load(stream, Loader=yaml.SafeLoader)
subprocess.run(["ls", "-l"])
cursor.execute("SELECT * FROM users WHERE id = %s", (uid,))
`)
	for _, issue := range result.Issues {
		assert.NotEqual(t, CategorySecurity, issue.Category, "unexpected: %+v", issue)
	}
}

func TestAnalyzeFile_HardcodedSecret(t *testing.T) {
	result := analyze(t, `api_key = "sk-9fK2mX7qLp4RtW8v"
greeting = "hello hello hello"
password = "aaaaaaaa"
`)
	require.Len(t, result.Issues, 1)
	issue := result.Issues[0]
	assert.Equal(t, RuleHardcodedSecret, issue.RuleID)
	assert.Equal(t, 1, issue.Line)
	// The literal value must not leak into the finding
	assert.NotContains(t, issue.Snippet, "sk-9fK2mX7qLp4RtW8v")
	assert.NotContains(t, issue.Message, "sk-9fK2mX7qLp4RtW8v")
}

func TestAnalyzeFile_PerformanceRules(t *testing.T) {
	tests := []struct {
		name   string
		source string
		rule   string
		want   bool
	}{
		{
			name: "string concat in loop",
			source: `def join_all(items):
    out = ""
    for item in items:
        out += str(item) + ","
    return out
`,
			rule: RuleStringConcatInLoop,
			want: true,
		},
		{
			name: "concat outside loop ok",
			source: `def f(a):
    out = ""
    out += a + "x"
    return out
`,
			rule: RuleStringConcatInLoop,
			want: false,
		},
		{
			name: "loop invariant len",
			source: `def f(items, data):
    i = 0
    while i < len(data):
        items.append(i)
        i += 1
`,
			rule: RuleLoopInvariant,
			want: true,
		},
		{
			name: "condition input mutated ok",
			source: `def f(data):
    while len(data) > 0:
        data.pop()
`,
			rule: RuleLoopInvariant,
			want: false,
		},
		{
			name: "linear scan in loop",
			source: `def f(items):
    allowed = [1, 2, 3]
    hits = 0
    for item in items:
        if item in allowed:
            hits += 1
    return hits
`,
			rule: RuleLinearScanInLoop,
			want: true,
		},
		{
			name: "membership outside loop ok",
			source: `def f(item):
    allowed = [1, 2, 3]
    return item in allowed
`,
			rule: RuleLinearScanInLoop,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := analyze(t, tt.source)
			if tt.want {
				assert.Contains(t, ruleIDs(result.Issues), tt.rule)
			} else {
				assert.NotContains(t, ruleIDs(result.Issues), tt.rule)
			}
		})
	}
}

func TestAnalyzeFile_ParseErrorYieldsZeroIssues(t *testing.T) {
	result := analyze(t, "def broken(:\n    eval(x)\n")
	assert.True(t, result.Failed())
	assert.Empty(t, result.Issues)
}

func TestAnalyzeFile_Deterministic(t *testing.T) {
	source := `import os
import pickle

def f(user_input):
    x = 1
    data = pickle.loads(user_input)
    eval(user_input)
    return data
`
	first := analyze(t, source)
	for i := 0; i < 5; i++ {
		again := analyze(t, source)
		require.Equal(t, first.Issues, again.Issues)
	}
	// IDs are unique within the run
	seen := map[string]bool{}
	for _, issue := range first.Issues {
		assert.False(t, seen[issue.ID], "duplicate id %s", issue.ID)
		seen[issue.ID] = true
	}
}

func TestAnalyzeFile_IssuesOrderedByPosition(t *testing.T) {
	result := analyze(t, `import os

eval(x)
`)
	require.True(t, len(result.Issues) >= 2)
	for i := 1; i < len(result.Issues); i++ {
		prev, curr := result.Issues[i-1], result.Issues[i]
		assert.True(t, prev.Line < curr.Line || (prev.Line == curr.Line && prev.Column <= curr.Column))
	}
}

func TestScanFiles_ContinuesPastParseFailure(t *testing.T) {
	svc, err := NewService(nil, nil)
	require.NoError(t, err)
	defer svc.Close()

	files := []FileInput{
		{Path: "a.py", Content: []byte("import os\n")},
		{Path: "broken.py", Content: []byte("def f(:\n")},
		{Path: "c.py", Content: []byte("eval(x)\n")},
	}

	result, err := svc.ScanFiles(context.Background(), files)
	require.NoError(t, err)
	require.Len(t, result.Files, 3)

	assert.False(t, result.Files[0].Failed())
	assert.True(t, result.Files[1].Failed())
	assert.False(t, result.Files[2].Failed())

	assert.Equal(t, 3, result.Summary.FilesScanned)
	assert.Equal(t, 1, result.Summary.FilesFailed)
	assert.Equal(t, 1, result.Summary.ByRule[RuleUnsafeEval])
}

func TestScanFile_Closed(t *testing.T) {
	svc, err := NewService(nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	_, err = svc.ScanFile(context.Background(), "a.py", []byte("x = 1\n"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoadRuleset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	content := `
unused_prefix = "ignore_"

[thresholds]
complexity = 15

[rules.unused_import]
enabled = false

[rules.sql_injection]
severity = "critical"

[sinks]
shell = ["commands.getoutput"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	rules, err := LoadRuleset(path)
	require.NoError(t, err)

	assert.Equal(t, 15, rules.Thresholds.Complexity)
	assert.Equal(t, "ignore_", rules.UnusedPrefix)
	assert.False(t, rules.enabled(RuleUnusedImport))
	assert.True(t, rules.enabled(RuleUnsafeEval))
	assert.Equal(t, SeverityCritical, rules.severity(RuleSQLInjection))
	assert.Contains(t, rules.Sinks.Shell, "commands.getoutput")
	assert.Contains(t, rules.Sinks.Shell, "os.system")
}

func TestLoadRuleset_UnknownRule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	require.NoError(t, os.WriteFile(path, []byte("[rules.no_such_rule]\nenabled = true\n"), 0600))

	_, err := LoadRuleset(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown rule")
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Greater(t, SeverityLow.Rank(), SeverityInfo.Rank())
}
