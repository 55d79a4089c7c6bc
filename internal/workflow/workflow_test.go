package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/backup"
	"github.com/fyrsmithlabs/reviewd/internal/detector"
	"github.com/fyrsmithlabs/reviewd/internal/fixer"
	"github.com/fyrsmithlabs/reviewd/internal/patterns"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() *Config {
	return &Config{
		MaxConcurrent:   2,
		MaxRetries:      2,
		StepTimeout:     10 * time.Second,
		InstanceTimeout: 30 * time.Second,
		RetryBackoff:    time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
	}
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	det, err := detector.NewService(nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { det.Close() })

	backups, err := backup.NewService(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	fix, err := fixer.NewService(nil, nil, backups, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { fix.Close() })

	store, err := patterns.NewService(nil, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return Deps{
		Detector:    det,
		Fixer:       fix,
		Patterns:    store,
		Checkpoints: NewMemoryCheckpointStore(),
	}
}

func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func TestRun_FixesAndSucceeds(t *testing.T) {
	deps := newTestDeps(t)
	svc, err := NewService(testConfig(), deps, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	repo := writeRepo(t, map[string]string{
		"app.py": "import os\nimport sys\n\nprint(sys.argv)\n",
	})

	exec, err := svc.Run(context.Background(), &ReviewRequest{RepoPath: repo})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, exec.Status)
	require.Len(t, exec.Outcomes, 1)
	assert.True(t, exec.Outcomes[0].Success)
	assert.Equal(t, 1, exec.Summary.TotalIssues)

	fixed, err := os.ReadFile(filepath.Join(repo, "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "import sys\n\nprint(sys.argv)\n", string(fixed))
}

func TestRun_NoApplicableFixesStillSucceeds(t *testing.T) {
	deps := newTestDeps(t)
	svc, err := NewService(testConfig(), deps, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	// pickle.load has no safe template, so the issue is skipped
	repo := writeRepo(t, map[string]string{
		"load.py": "import pickle\n\ndef load(f):\n    return pickle.load(f)\n",
	})

	exec, err := svc.Run(context.Background(), &ReviewRequest{RepoPath: repo})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, exec.Status)
	assert.Empty(t, exec.Outcomes)
	assert.Equal(t, 1, exec.Skipped)
}

func TestRun_CleanRepo(t *testing.T) {
	deps := newTestDeps(t)
	svc, err := NewService(testConfig(), deps, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	repo := writeRepo(t, map[string]string{
		"ok.py": "import sys\n\nprint(sys.argv)\n",
	})

	exec, err := svc.Run(context.Background(), &ReviewRequest{RepoPath: repo})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, exec.Status)
	assert.Equal(t, 0, exec.Summary.TotalIssues)
}

type flakyReporter struct {
	failures int32
	calls    int32
}

func (f *flakyReporter) PublishReview(ctx context.Context, exec *Execution) error {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failures {
		return errors.New("broker unavailable")
	}
	return nil
}

func TestRun_RetriesTransientStepFailure(t *testing.T) {
	deps := newTestDeps(t)
	reporter := &flakyReporter{failures: 2}
	deps.Reporter = reporter

	svc, err := NewService(testConfig(), deps, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	repo := writeRepo(t, map[string]string{"ok.py": "x = 1\nprint(x)\n"})

	exec, err := svc.Run(context.Background(), &ReviewRequest{RepoPath: repo})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, exec.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&reporter.calls))
}

func TestRun_ReporterExhaustsRetries(t *testing.T) {
	deps := newTestDeps(t)
	deps.Reporter = &flakyReporter{failures: 99}

	svc, err := NewService(testConfig(), deps, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	repo := writeRepo(t, map[string]string{"ok.py": "x = 1\nprint(x)\n"})

	exec, err := svc.Run(context.Background(), &ReviewRequest{RepoPath: repo})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "exhausted")
}

type brokenFixer struct{}

func (b *brokenFixer) Suggest(ctx context.Context, issue detector.Issue, content string) (*fixer.Suggestion, error) {
	return &fixer.Suggestion{RuleID: issue.RuleID, FixType: fixer.FixTypeDelete, Line: issue.Line, Confidence: 0.9}, nil
}

func (b *brokenFixer) Apply(ctx context.Context, req *fixer.ApplyRequest) (*fixer.FixOutcome, error) {
	return nil, errors.New("disk write failed")
}

func (b *brokenFixer) Close() error { return nil }

func TestRun_FixStepFailureRollsBack(t *testing.T) {
	deps := newTestDeps(t)
	deps.Fixer = &brokenFixer{}

	svc, err := NewService(testConfig(), deps, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	repo := writeRepo(t, map[string]string{
		"app.py": "import os\nimport sys\n\nprint(sys.argv)\n",
	})

	exec, err := svc.Run(context.Background(), &ReviewRequest{RepoPath: repo})
	require.Error(t, err)
	assert.Equal(t, StatusRolledBack, exec.Status)
}

func TestStart_AsyncAndGet(t *testing.T) {
	deps := newTestDeps(t)
	svc, err := NewService(testConfig(), deps, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	repo := writeRepo(t, map[string]string{
		"app.py": "import os\nimport sys\n\nprint(sys.argv)\n",
	})

	id, err := svc.Start(context.Background(), &ReviewRequest{RepoPath: repo})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		exec, err := svc.Get(context.Background(), id)
		return err == nil && exec.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	exec, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, exec.Status)
}

func TestGet_Unknown(t *testing.T) {
	deps := newTestDeps(t)
	svc, err := NewService(testConfig(), deps, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResume_PicksUpUnfinishedWorkflow(t *testing.T) {
	deps := newTestDeps(t)
	store := deps.Checkpoints

	repo := writeRepo(t, map[string]string{
		"app.py": "import os\nimport sys\n\nprint(sys.argv)\n",
	})

	// Simulate a crash: a RUNNING checkpoint persisted mid-fix by a
	// previous process.
	crashed := &Execution{
		ID:        "wf-crashed",
		Request:   ReviewRequest{RepoPath: repo, Scope: "repo:app"},
		Status:    StatusRunning,
		Step:      StepFix,
		Cursor:    0,
		StartedAt: time.Now(),
	}
	state, err := encodeState(crashed)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), &Checkpoint{
		WorkflowID: crashed.ID,
		Sequence:   3,
		Status:     crashed.Status,
		Step:       crashed.Step,
		State:      state,
		CreatedAt:  time.Now(),
	}))

	svc, err := NewService(testConfig(), deps, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	resumed, err := svc.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	require.Eventually(t, func() bool {
		exec, err := svc.Get(context.Background(), crashed.ID)
		return err == nil && exec.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	exec, err := svc.Get(context.Background(), crashed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, exec.Status)
	require.Len(t, exec.Outcomes, 1)
	assert.True(t, exec.Outcomes[0].Success)
}

func TestResume_MidFixRescansFromStart(t *testing.T) {
	deps := newTestDeps(t)
	store := deps.Checkpoints

	repo := writeRepo(t, map[string]string{
		"app.py": "import os\nimport sys\n\nprint(1)\n",
	})

	// Crash mid-fix with the cursor already advanced. The scan the cursor
	// indexed is gone after a restart, so carrying the cursor into the
	// fresh, shorter issue list would silently skip open issues.
	crashed := &Execution{
		ID:        "wf-midfix",
		Request:   ReviewRequest{RepoPath: repo, Scope: "repo:app"},
		Status:    StatusRunning,
		Step:      StepFix,
		Cursor:    1,
		StartedAt: time.Now(),
	}
	state, err := encodeState(crashed)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), &Checkpoint{
		WorkflowID: crashed.ID,
		Sequence:   4,
		Status:     crashed.Status,
		Step:       crashed.Step,
		State:      state,
		CreatedAt:  time.Now(),
	}))

	svc, err := NewService(testConfig(), deps, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	resumed, err := svc.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	require.Eventually(t, func() bool {
		exec, err := svc.Get(context.Background(), crashed.ID)
		return err == nil && exec.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	exec, err := svc.Get(context.Background(), crashed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, exec.Status)
	require.Len(t, exec.Outcomes, 2)
	for _, o := range exec.Outcomes {
		assert.True(t, o.Success)
		assert.NotEmpty(t, o.Diff)
	}

	fixed, err := os.ReadFile(filepath.Join(repo, "app.py"))
	require.NoError(t, err)
	assert.NotContains(t, string(fixed), "import os")
	assert.NotContains(t, string(fixed), "import sys")
}

func TestRun_FixesMultipleIssuesInOneFile(t *testing.T) {
	deps := newTestDeps(t)
	svc, err := NewService(testConfig(), deps, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	// Fixing the first import renumbers the second; every fix must land
	// against the file's current line numbers, not the scan-time ones.
	repo := writeRepo(t, map[string]string{
		"app.py": "import os\nimport sys\n\nprint(1)\n",
	})

	exec, err := svc.Run(context.Background(), &ReviewRequest{RepoPath: repo})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, exec.Status)
	assert.Equal(t, 2, exec.Summary.TotalIssues)
	require.Len(t, exec.Outcomes, 2)
	for _, o := range exec.Outcomes {
		assert.True(t, o.Success)
		assert.NotEmpty(t, o.Diff, "every reported fix must carry a real change")
	}

	fixed, err := os.ReadFile(filepath.Join(repo, "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "\nprint(1)\n", string(fixed))
}

func TestRelocateIssue(t *testing.T) {
	stale := detector.Issue{
		ID:      "unused_import@app.py:2:1",
		RuleID:  detector.RuleUnusedImport,
		Line:    2,
		Message: `imported name "sys" is never used`,
	}

	moved, ok := relocateIssue([]detector.Issue{
		{ID: "unused_import@app.py:1:1", RuleID: detector.RuleUnusedImport, Line: 1, Message: `imported name "sys" is never used`},
	}, stale)
	require.True(t, ok)
	assert.Equal(t, 1, moved.Line)

	same, ok := relocateIssue(nil, stale)
	assert.False(t, ok)
	assert.Equal(t, stale, same)

	_, ok = relocateIssue([]detector.Issue{
		{RuleID: detector.RuleUnusedImport, Line: 1, Message: `imported name "os" is never used`},
	}, stale)
	assert.False(t, ok)
}

func TestCheckpointStores(t *testing.T) {
	stores := map[string]CheckpointStore{
		"memory": NewMemoryCheckpointStore(),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for seq := 1; seq <= 3; seq++ {
				require.NoError(t, store.Save(ctx, &Checkpoint{
					WorkflowID: "wf-1",
					Sequence:   seq,
					Status:     StatusRunning,
					Step:       StepAnalyze,
					State:      "{}",
					CreatedAt:  time.Now(),
				}))
			}

			latest, err := store.Latest(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, 3, latest.Sequence)

			ids, err := store.Incomplete(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"wf-1"}, ids)

			require.NoError(t, store.Save(ctx, &Checkpoint{
				WorkflowID: "wf-1",
				Sequence:   4,
				Status:     StatusSucceeded,
				Step:       StepLearn,
				State:      "{}",
				CreatedAt:  time.Now(),
			}))
			ids, err = store.Incomplete(ctx)
			require.NoError(t, err)
			assert.Empty(t, ids)

			_, err = store.Latest(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
