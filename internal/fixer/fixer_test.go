package fixer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/backup"
	"github.com/fyrsmithlabs/reviewd/internal/detector"
)

func newTestService(t *testing.T) (Service, *backup.Service) {
	t.Helper()
	backups, err := backup.NewService(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	svc, err := NewService(DefaultServiceConfig(), nil, backups, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, backups
}

func writeSource(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.py")
	require.NoError(t, os.WriteFile(path, []byte(source), 0644))
	return path
}

func findIssue(t *testing.T, path, ruleID string) detector.Issue {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	result, err := detector.AnalyzeFile(context.Background(), path, content, nil)
	require.NoError(t, err)
	for _, issue := range result.Issues {
		if issue.RuleID == ruleID {
			return issue
		}
	}
	t.Fatalf("no %s issue found in %s", ruleID, path)
	return detector.Issue{}
}

func TestRuleBasedSource_Suggest(t *testing.T) {
	source := NewRuleBasedSource()

	tests := []struct {
		name     string
		content  string
		ruleID   string
		line     int
		wantType FixType
		wantErr  error
	}{
		{
			name:     "unused import deleted",
			content:  "import os\n",
			ruleID:   detector.RuleUnusedImport,
			wantType: FixTypeDelete,
		},
		{
			name:     "unreachable code deleted",
			content:  "x = 1\n",
			ruleID:   detector.RuleUnreachableCode,
			wantType: FixTypeDelete,
		},
		{
			name:     "eval replaced in place when ast is imported",
			content:  "import ast\ny = eval(data)\n",
			ruleID:   detector.RuleUnsafeEval,
			line:     2,
			wantType: FixTypeReplace,
		},
		{
			name:     "eval rewrite brings the ast import along",
			content:  "y = eval(data)\n",
			ruleID:   detector.RuleUnsafeEval,
			wantType: FixTypeRefactor,
		},
		{
			name:     "yaml.load replaced with safe_load",
			content:  "y = yaml.load(data)\n",
			ruleID:   detector.RuleUnsafeDeserialization,
			wantType: FixTypeReplace,
		},
		{
			name:    "no template for complexity",
			content: "def f():\n    pass\n",
			ruleID:  detector.RuleHighComplexity,
			wantErr: ErrNoSuggestion,
		},
		{
			name:    "pickle has no safe substitute",
			content: "y = pickle.load(f)\n",
			ruleID:  detector.RuleUnsafeDeserialization,
			wantErr: ErrNoSuggestion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := tt.line
			if line == 0 {
				line = 1
			}
			issue := detector.Issue{RuleID: tt.ruleID, Line: line}
			sug, err := source.Suggest(context.Background(), issue, tt.content)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, sug.FixType)
			assert.Equal(t, "rule_based", sug.Source)
			assert.Greater(t, sug.Confidence, 0.0)
		})
	}
}

func TestImportsModule(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"plain import", "import ast\n", true},
		{"comma list", "import os, ast\n", true},
		{"aliased import binds another name", "import ast as tree\n", false},
		{"from import binds the member", "from ast import literal_eval\n", false},
		{"absent", "import os\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, importsModule(tt.content, "ast"))
		})
	}
}

type stubSource struct {
	name string
	sug  *Suggestion
	err  error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Suggest(ctx context.Context, issue detector.Issue, content string) (*Suggestion, error) {
	return s.sug, s.err
}

func TestSuggest_ChainFallsThrough(t *testing.T) {
	backups, err := backup.NewService(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	want := &Suggestion{RuleID: "anything", FixType: FixTypeDelete, Line: 1, Confidence: 0.8, Source: "second"}
	chain := []SuggestionSource{
		&stubSource{name: "first", err: errors.New("backend down")},
		&stubSource{name: "second", sug: want},
	}
	svc, err := NewService(nil, chain, backups, nil, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	got, err := svc.Suggest(context.Background(), detector.Issue{RuleID: "anything", Line: 1}, "x = 1\n")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSuggest_NoSourceApplies(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Suggest(context.Background(), detector.Issue{RuleID: detector.RuleHighComplexity, Line: 1}, "def f():\n    pass\n")
	assert.ErrorIs(t, err, ErrNoSuggestion)
}

func TestApply_RemovesUnusedImport(t *testing.T) {
	svc, _ := newTestService(t)
	path := writeSource(t, "import os\nimport sys\n\nprint(sys.argv)\n")
	issue := findIssue(t, path, detector.RuleUnusedImport)

	outcome, err := svc.Apply(context.Background(), &ApplyRequest{
		WorkflowID: "wf-1",
		Path:       path,
		Issue:      issue,
	})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.False(t, outcome.RollbackPerformed)
	assert.NotEmpty(t, outcome.Diff)
	assert.NotEmpty(t, outcome.BackupRef)
	assert.NotEmpty(t, outcome.FixID)

	patched, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "import sys\n\nprint(sys.argv)\n", string(patched))
}

func TestApply_ReplacesUnsafeEval(t *testing.T) {
	svc, _ := newTestService(t)
	path := writeSource(t, "import ast\n\ndef run(user_input):\n    return eval(user_input)\n")
	issue := findIssue(t, path, detector.RuleUnsafeEval)

	outcome, err := svc.Apply(context.Background(), &ApplyRequest{
		WorkflowID: "wf-1",
		Path:       path,
		Issue:      issue,
	})
	require.NoError(t, err)
	require.True(t, outcome.Success, "validation errors: %v", outcome.ValidationErrors)

	patched, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(patched), "ast.literal_eval(user_input)")
	assert.NotContains(t, string(patched), "return eval(")
}

func TestApply_EvalFixAddsMissingAstImport(t *testing.T) {
	svc, _ := newTestService(t)
	path := writeSource(t, "def run(user_input):\n    return eval(user_input)\n")
	issue := findIssue(t, path, detector.RuleUnsafeEval)

	outcome, err := svc.Apply(context.Background(), &ApplyRequest{
		WorkflowID: "wf-1",
		Path:       path,
		Issue:      issue,
	})
	require.NoError(t, err)
	require.True(t, outcome.Success, "validation errors: %v", outcome.ValidationErrors)

	patched, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(patched), "    import ast\n")
	assert.Contains(t, string(patched), "ast.literal_eval(user_input)")
	assert.NotContains(t, string(patched), "return eval(")
}

func TestApply_PreservesFileMode(t *testing.T) {
	svc, _ := newTestService(t)
	path := writeSource(t, "import os\nimport sys\n\nprint(sys.argv)\n")
	require.NoError(t, os.Chmod(path, 0600))
	issue := findIssue(t, path, detector.RuleUnusedImport)

	outcome, err := svc.Apply(context.Background(), &ApplyRequest{
		WorkflowID: "wf-1",
		Path:       path,
		Issue:      issue,
	})
	require.NoError(t, err)
	require.True(t, outcome.Success)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestApply_IdempotentWhenIssueAbsent(t *testing.T) {
	svc, _ := newTestService(t)
	path := writeSource(t, "import os\nimport sys\n\nprint(sys.argv)\n")
	issue := findIssue(t, path, detector.RuleUnusedImport)

	first, err := svc.Apply(context.Background(), &ApplyRequest{WorkflowID: "wf-1", Path: path, Issue: issue})
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := svc.Apply(context.Background(), &ApplyRequest{WorkflowID: "wf-1", Path: path, Issue: issue})
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Empty(t, second.Diff)
	assert.Empty(t, second.BackupRef)
	assert.False(t, second.RollbackPerformed)
}

func TestApply_RejectsSinkSubstitution(t *testing.T) {
	svc, _ := newTestService(t)
	original := "import ast\n\ndef run(user_input):\n    return eval(user_input)\n"
	path := writeSource(t, original)
	issue := findIssue(t, path, detector.RuleUnsafeEval)

	outcome, err := svc.Apply(context.Background(), &ApplyRequest{
		WorkflowID: "wf-1",
		Path:       path,
		Issue:      issue,
		Suggestion: &Suggestion{
			IssueID:    issue.ID,
			RuleID:     issue.RuleID,
			FixType:    FixTypeReplace,
			Line:       issue.Line,
			Original:   "eval(",
			Suggested:  "exec(",
			Confidence: 0.95,
			Source:     "ai",
		},
	})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.False(t, outcome.RollbackPerformed)
	require.NotEmpty(t, outcome.ValidationErrors)
	assert.Contains(t, outcome.ValidationErrors[0], "dangerous sink")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(content))
}

func TestApply_RejectsLowConfidence(t *testing.T) {
	svc, _ := newTestService(t)
	path := writeSource(t, "import os\nimport sys\n\nprint(sys.argv)\n")
	issue := findIssue(t, path, detector.RuleUnusedImport)

	outcome, err := svc.Apply(context.Background(), &ApplyRequest{
		Path:  path,
		Issue: issue,
		Suggestion: &Suggestion{
			RuleID:     issue.RuleID,
			FixType:    FixTypeDelete,
			Line:       issue.Line,
			Original:   "import os",
			Confidence: 0.2,
		},
	})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	require.NotEmpty(t, outcome.ValidationErrors)
	assert.Contains(t, outcome.ValidationErrors[0], "confidence")
}

func TestApply_RejectsUnresolvedIdentifier(t *testing.T) {
	svc, _ := newTestService(t)
	path := writeSource(t, "import os\nimport sys\n\nprint(sys.argv)\n")
	issue := findIssue(t, path, detector.RuleUnusedImport)

	outcome, err := svc.Apply(context.Background(), &ApplyRequest{
		Path:  path,
		Issue: issue,
		Suggestion: &Suggestion{
			RuleID:     issue.RuleID,
			FixType:    FixTypeReplace,
			Line:       issue.Line,
			Original:   "import os",
			Suggested:  "cleanup_imports(sys)",
			Confidence: 0.9,
		},
	})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	require.NotEmpty(t, outcome.ValidationErrors)
	assert.Contains(t, outcome.ValidationErrors[0], "does not resolve")
}

func TestApply_RollsBackWhenIssueRemains(t *testing.T) {
	svc, _ := newTestService(t)
	original := "import os\nimport sys\n\nprint(sys.argv)\n"
	path := writeSource(t, original)
	issue := findIssue(t, path, detector.RuleUnusedImport)

	// Swapping one unused import for another passes every pre-write gate but
	// leaves the rule count unchanged, forcing a rollback.
	outcome, err := svc.Apply(context.Background(), &ApplyRequest{
		WorkflowID: "wf-1",
		Path:       path,
		Issue:      issue,
		Suggestion: &Suggestion{
			RuleID:     issue.RuleID,
			FixType:    FixTypeReplace,
			Line:       issue.Line,
			Suggested:  "import json",
			Confidence: 0.9,
		},
	})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.True(t, outcome.RollbackPerformed)
	assert.NotEmpty(t, outcome.BackupRef)
	require.NotEmpty(t, outcome.ValidationErrors)
	assert.Contains(t, outcome.ValidationErrors[0], "still present")

	restored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(restored), "rollback must be byte-exact")
}

func TestApply_RefusedWhileHalted(t *testing.T) {
	backupDir := t.TempDir()
	backups, err := backup.NewService(backupDir, zap.NewNop())
	require.NoError(t, err)
	svc, err := NewService(DefaultServiceConfig(), nil, backups, nil, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	path := writeSource(t, "import os\nimport sys\n\nprint(sys.argv)\n")
	issue := findIssue(t, path, detector.RuleUnusedImport)

	// Corrupt a snapshot on disk so the restore attempt halts the file.
	b, err := backups.Snapshot(path, []byte("import os\n"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(backupDir, b.Ref+".bak"), []byte("garbage"), 0600))
	require.ErrorIs(t, backups.Restore(b.Ref), backup.ErrCorrupted)
	require.True(t, backups.IsHalted(path))

	outcome, err := svc.Apply(context.Background(), &ApplyRequest{Path: path, Issue: issue})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	require.NotEmpty(t, outcome.ValidationErrors)
	assert.Contains(t, outcome.ValidationErrors[0], "halted")

	backups.ClearHalt(path)
	outcome, err = svc.Apply(context.Background(), &ApplyRequest{Path: path, Issue: issue})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestApplyPatch(t *testing.T) {
	tests := []struct {
		name    string
		content string
		sug     *Suggestion
		want    string
		wantErr string
	}{
		{
			name:    "delete line",
			content: "a = 1\nb = 2\nc = 3\n",
			sug:     &Suggestion{FixType: FixTypeDelete, Line: 2, Original: "b = 2"},
			want:    "a = 1\nc = 3\n",
		},
		{
			name:    "delete rejects changed line",
			content: "a = 1\nb = 9\n",
			sug:     &Suggestion{FixType: FixTypeDelete, Line: 2, Original: "b = 2"},
			wantErr: "changed since suggestion",
		},
		{
			name:    "replace substring",
			content: "y = eval(data)\n",
			sug:     &Suggestion{FixType: FixTypeReplace, Line: 1, Original: "eval(", Suggested: "ast.literal_eval("},
			want:    "y = ast.literal_eval(data)\n",
		},
		{
			name:    "replace whole line",
			content: "a = 1\nb = 2\n",
			sug:     &Suggestion{FixType: FixTypeReplace, Line: 1, Suggested: "a = 10"},
			want:    "a = 10\nb = 2\n",
		},
		{
			name:    "replace rejects missing text",
			content: "a = 1\n",
			sug:     &Suggestion{FixType: FixTypeReplace, Line: 1, Original: "eval(", Suggested: "x("},
			wantErr: "does not contain expected text",
		},
		{
			name:    "insert after line",
			content: "import sys\nprint(sys.argv)\n",
			sug:     &Suggestion{FixType: FixTypeInsert, Line: 1, Suggested: "import json"},
			want:    "import sys\nimport json\nprint(sys.argv)\n",
		},
		{
			name:    "refactor multi-line",
			content: "x = compute()\n",
			sug:     &Suggestion{FixType: FixTypeRefactor, Line: 1, Suggested: "tmp = compute()\nx = tmp"},
			want:    "tmp = compute()\nx = tmp\n",
		},
		{
			name:    "line out of range",
			content: "a = 1\n",
			sug:     &Suggestion{FixType: FixTypeDelete, Line: 9},
			wantErr: "out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, diff, err := applyPatch(tt.content, tt.sug)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, diff)
		})
	}
}

func TestContainsSinkCall(t *testing.T) {
	tests := []struct {
		fragment string
		sink     string
		want     bool
	}{
		{"exec(payload)", "exec", true},
		{"return eval(x)", "eval", true},
		{"ast.literal_eval(x)", "eval", false},
		{"obj.eval(x)", "eval", false},
		{"pickle.load(f)", "pickle.load", true},
		{"pickle.loads(f)", "pickle.load", false},
		{"evaluate(x)", "eval", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, containsSinkCall(tt.fragment, tt.sink),
			"fragment %q sink %q", tt.fragment, tt.sink)
	}
}

func TestRootIdentifiers(t *testing.T) {
	tests := []struct {
		name     string
		fragment string
		want     []string
	}{
		{
			name:     "attribute base only",
			fragment: "yaml.safe_load(stream)",
			want:     []string{"yaml", "stream"},
		},
		{
			name:     "skips strings and comments",
			fragment: `log("eval failed")  # uses eval`,
			want:     []string{"log"},
		},
		{
			name:     "skips keywords",
			fragment: "return json.dumps(data) if ok else None",
			want:     []string{"json", "data", "ok"},
		},
		{
			name:     "empty fragment",
			fragment: "",
			want:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rootIdentifiers(tt.fragment))
		})
	}
}

func TestSanitizeReply(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"plain line", "x = ast.literal_eval(s)", "x = ast.literal_eval(s)"},
		{"fenced block", "```python\nx = 1\n```", "x = 1"},
		{"leading blank lines", "\n\n  y = 2  \n", "y = 2"},
		{"empty reply", "```\n```", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeReply(tt.reply))
		})
	}
}
