// Package watch triggers reviews when Python sources change on disk.
// Events are debounced so a burst of writes (editor save-all, git checkout)
// becomes one review pass.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Config configures the watcher.
type Config struct {
	// Paths are the repository roots to watch.
	Paths []string `koanf:"paths"`

	// Debounce is the quiet period before a changed repo is reviewed
	// (default: 2s).
	Debounce time.Duration `koanf:"debounce"`
}

// Watcher debounces filesystem events into review submissions.
type Watcher struct {
	config    *Config
	workflows workflow.Service
	watcher   *fsnotify.Watcher
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer // repo root -> debounce timer
	stopped bool
}

// New creates a watcher over the configured paths.
func New(cfg *Config, workflows workflow.Service, logger *zap.Logger) (*Watcher, error) {
	if cfg == nil || len(cfg.Paths) == 0 {
		return nil, errors.New("at least one watch path is required")
	}
	if workflows == nil {
		return nil, errors.New("workflow service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	w := &Watcher{
		config:    cfg,
		workflows: workflows,
		watcher:   fsw,
		logger:    logger,
		pending:   make(map[string]*time.Timer),
	}

	for _, root := range cfg.Paths {
		if err := w.addRecursive(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return w, nil
}

// addRecursive watches root and every non-hidden directory beneath it.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (strings.HasPrefix(name, ".") || name == "__pycache__" ||
			name == "node_modules" || name == "venv") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// Run processes events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	// New directories need their own watch before anything inside them
	// can be seen.
	if event.Op.Has(fsnotify.Create) {
		if err := w.addRecursive(event.Name); err == nil {
			w.logger.Debug("watching new path", zap.String("path", event.Name))
		}
	}

	if !strings.HasSuffix(event.Name, ".py") {
		return
	}
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
		return
	}

	root := w.rootFor(event.Name)
	if root == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if timer, ok := w.pending[root]; ok {
		timer.Reset(w.config.Debounce)
		return
	}
	w.pending[root] = time.AfterFunc(w.config.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, root)
		w.mu.Unlock()
		w.trigger(ctx, root)
	})
}

// rootFor maps a changed file to its configured watch root.
func (w *Watcher) rootFor(path string) string {
	for _, root := range w.config.Paths {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}

func (w *Watcher) trigger(ctx context.Context, root string) {
	id, err := w.workflows.Start(ctx, &workflow.ReviewRequest{RepoPath: root})
	if err != nil {
		w.logger.Error("failed to start review for changed repository",
			zap.String("repo", root),
			zap.Error(err))
		return
	}
	w.logger.Info("review triggered by file change",
		zap.String("repo", root),
		zap.String("workflow_id", id))
}

// stop cancels pending timers and closes the underlying watcher.
func (w *Watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	for root, timer := range w.pending {
		timer.Stop()
		delete(w.pending, root)
	}
	w.mu.Unlock()
	w.watcher.Close()
}
