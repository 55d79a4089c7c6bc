package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

type recordingWorkflows struct {
	mu    sync.Mutex
	repos []string
}

func (r *recordingWorkflows) Start(ctx context.Context, req *workflow.ReviewRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repos = append(r.repos, req.RepoPath)
	return "wf-1", nil
}

func (r *recordingWorkflows) Run(ctx context.Context, req *workflow.ReviewRequest) (*workflow.Execution, error) {
	return nil, nil
}

func (r *recordingWorkflows) Get(ctx context.Context, id string) (*workflow.Execution, error) {
	return nil, workflow.ErrNotFound
}

func (r *recordingWorkflows) Resume(ctx context.Context) (int, error) { return 0, nil }

func (r *recordingWorkflows) Close() error { return nil }

func (r *recordingWorkflows) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.repos...)
}

func TestWatcher_DebouncesBurstIntoOneReview(t *testing.T) {
	repo := t.TempDir()
	workflows := &recordingWorkflows{}

	w, err := New(&Config{Paths: []string{repo}, Debounce: 50 * time.Millisecond}, workflows, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Burst of writes within the debounce window
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(repo, "app.py"), []byte("x = 1\n"), 0644))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(workflows.started()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Quiet period, then another change: a second review
	require.NoError(t, os.WriteFile(filepath.Join(repo, "app.py"), []byte("x = 2\n"), 0644))
	require.Eventually(t, func() bool {
		return len(workflows.started()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{repo, repo}, workflows.started())

	cancel()
	<-done
}

func TestWatcher_IgnoresNonPythonFiles(t *testing.T) {
	repo := t.TempDir()
	workflows := &recordingWorkflows{}

	w, err := New(&Config{Paths: []string{repo}, Debounce: 30 * time.Millisecond}, workflows, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.NoError(t, os.WriteFile(filepath.Join(repo, "notes.txt"), []byte("hi"), 0644))
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, workflows.started())

	cancel()
	<-done
}

func TestNew_Validation(t *testing.T) {
	_, err := New(&Config{}, &recordingWorkflows{}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(&Config{Paths: []string{t.TempDir()}}, nil, zap.NewNop())
	assert.Error(t, err)
}
