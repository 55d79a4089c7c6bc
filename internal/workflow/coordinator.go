package workflow

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/reviewd/internal/detector"
	"github.com/fyrsmithlabs/reviewd/internal/fixer"
	"github.com/fyrsmithlabs/reviewd/internal/learner"
	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/patterns"
)

const instrumentationName = "github.com/fyrsmithlabs/reviewd/internal/workflow"

// Reporter publishes review results to an external channel.
type Reporter interface {
	PublishReview(ctx context.Context, exec *Execution) error
}

// Integrator files the review with a code hosting service.
type Integrator interface {
	CreateReviewRequest(ctx context.Context, exec *Execution) (string, error)
}

// Service coordinates review executions.
type Service interface {
	// Start runs the workflow asynchronously and returns its ID.
	Start(ctx context.Context, req *ReviewRequest) (string, error)

	// Run executes the workflow synchronously.
	Run(ctx context.Context, req *ReviewRequest) (*Execution, error)

	// Get returns the current state of an execution.
	Get(ctx context.Context, id string) (*Execution, error)

	// Resume restarts every non-terminal workflow found in the checkpoint
	// store, picking up from the last completed step.
	Resume(ctx context.Context) (int, error)

	// Close waits for in-flight workflows and releases the coordinator.
	Close() error
}

// Config configures the coordinator.
type Config struct {
	// MaxConcurrent caps simultaneously running workflows (default: 4).
	MaxConcurrent int64

	// MaxRetries per step (default: 3).
	MaxRetries int

	// StepTimeout bounds each step attempt (default: 2m).
	StepTimeout time.Duration

	// InstanceTimeout bounds one whole execution (default: 15m).
	InstanceTimeout time.Duration

	// RetryBackoff is the initial backoff, doubled per retry (default: 1s).
	RetryBackoff time.Duration

	// MaxBackoff caps the backoff growth (default: 30s).
	MaxBackoff time.Duration
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{
		MaxConcurrent:   4,
		MaxRetries:      3,
		StepTimeout:     2 * time.Minute,
		InstanceTimeout: 15 * time.Minute,
		RetryBackoff:    time.Second,
		MaxBackoff:      30 * time.Second,
	}
}

// Deps are the collaborating services. Reporter and Integrator are
// optional; the integrate step skips what is not configured.
type Deps struct {
	Detector    detector.Service
	Fixer       fixer.Service
	Learner     learner.Service
	Patterns    patterns.Service
	Checkpoints CheckpointStore
	Reporter    Reporter
	Integrator  Integrator
}

// service implements the Service interface.
type service struct {
	config *Config
	deps   Deps
	logger *zap.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	// Telemetry
	tracer          trace.Tracer
	meter           metric.Meter
	finishedCounter metric.Int64Counter
	retryCounter    metric.Int64Counter

	mu         sync.RWMutex
	executions map[string]*Execution
	scans      map[string]*detector.ScanResult
	closed     bool
}

// NewService creates a workflow coordinator.
func NewService(cfg *Config, deps Deps, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if deps.Detector == nil {
		return nil, errors.New("detector service is required")
	}
	if deps.Fixer == nil {
		return nil, errors.New("fixer service is required")
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = NewMemoryCheckpointStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:     cfg,
		deps:       deps,
		logger:     logger,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		executions: make(map[string]*Execution),
		scans:      make(map[string]*detector.ScanResult),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.finishedCounter, err = s.meter.Int64Counter(
		"reviewd.workflow.finished_total",
		metric.WithDescription("Total number of finished workflow executions"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		s.logger.Warn("failed to create finished counter", zap.Error(err))
	}

	s.retryCounter, err = s.meter.Int64Counter(
		"reviewd.workflow.step_retries_total",
		metric.WithDescription("Total number of step retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		s.logger.Warn("failed to create retry counter", zap.Error(err))
	}
}

// Start launches an asynchronous execution.
func (s *service) Start(ctx context.Context, req *ReviewRequest) (string, error) {
	exec, err := s.register(req)
	if err != nil {
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Detach from the caller but keep trace and workflow context values
		runCtx := logging.WithWorkflowID(context.WithoutCancel(ctx), exec.ID)
		if err := s.execute(runCtx, exec, false); err != nil {
			s.logger.Error("workflow finished with error",
				zap.String("workflow_id", exec.ID),
				zap.Error(err))
		}
	}()

	return exec.ID, nil
}

// Run executes synchronously and returns the terminal state.
func (s *service) Run(ctx context.Context, req *ReviewRequest) (*Execution, error) {
	exec, err := s.register(req)
	if err != nil {
		return nil, err
	}
	runErr := s.execute(logging.WithWorkflowID(ctx, exec.ID), exec, false)
	final, err := s.Get(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	return final, runErr
}

func (s *service) register(req *ReviewRequest) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if req == nil || req.RepoPath == "" {
		return nil, errors.New("review request requires a repository path")
	}
	if req.Scope == "" {
		req.Scope = "repo:" + filepath.Base(req.RepoPath)
	}

	exec := &Execution{
		ID:        uuid.New().String(),
		Request:   *req,
		Status:    StatusPending,
		Step:      StepPredict,
		StartedAt: time.Now(),
	}
	s.executions[exec.ID] = exec
	return exec, nil
}

// Get returns a copy of the execution, falling back to the checkpoint store
// for workflows from a previous process.
func (s *service) Get(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	exec, ok := s.executions[id]
	if ok {
		snapshot := *exec
		s.mu.RUnlock()
		return &snapshot, nil
	}
	s.mu.RUnlock()

	cp, err := s.deps.Checkpoints.Latest(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeState(cp.State)
}

// Resume restarts unfinished workflows from their last checkpoint.
func (s *service) Resume(ctx context.Context) (int, error) {
	ids, err := s.deps.Checkpoints.Incomplete(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, id := range ids {
		s.mu.RLock()
		_, running := s.executions[id]
		s.mu.RUnlock()
		if running {
			continue
		}

		cp, err := s.deps.Checkpoints.Latest(ctx, id)
		if err != nil {
			return resumed, err
		}
		exec, err := decodeState(cp.State)
		if err != nil {
			s.logger.Error("skipping unreadable checkpoint",
				zap.String("workflow_id", id),
				zap.Error(err))
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return resumed, ErrClosed
		}
		s.executions[exec.ID] = exec
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			runCtx := logging.WithWorkflowID(context.WithoutCancel(ctx), exec.ID)
			if err := s.execute(runCtx, exec, true); err != nil {
				s.logger.Error("resumed workflow finished with error",
					zap.String("workflow_id", exec.ID),
					zap.Error(err))
			}
		}()
		resumed++
	}
	return resumed, nil
}

// Close waits for running workflows.
func (s *service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// execute drives one workflow through its steps.
func (s *service) execute(ctx context.Context, exec *Execution, resume bool) error {
	ctx, span := s.tracer.Start(ctx, "workflow.execute")
	defer span.End()
	span.SetAttributes(attribute.String("workflow.id", exec.ID))

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(ctx, exec, StatusFailed, fmt.Errorf("failed to acquire workflow slot: %w", err))
		return err
	}
	defer s.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, s.config.InstanceTimeout)
	defer cancel()

	startStep := exec.Step
	if !resume {
		s.transition(ctx, exec, StatusPending, StepPredict)
		startStep = StepPredict
	} else if startStep == StepFix {
		// Scan results do not survive a restart. Re-analyze from a zero
		// cursor: issues fixed before the crash drop out of the fresh scan,
		// so nothing is repeated, while a stale cursor would skip over
		// still-open issues in the shorter list.
		startStep = StepAnalyze
		s.mu.Lock()
		exec.Cursor = 0
		s.mu.Unlock()
	}
	s.transition(ctx, exec, StatusRunning, startStep)

	started := false
	for _, step := range stepOrder {
		if !started {
			if step != startStep {
				continue
			}
			started = true
		}

		s.transition(ctx, exec, StatusRunning, step)
		if err := s.runStep(ctx, exec, step); err != nil {
			// A fix step that cannot complete leaves the repository
			// restored from backups, not half-changed.
			final := StatusFailed
			if step == StepFix {
				final = StatusRolledBack
			}
			s.finish(ctx, exec, final, err)
			return err
		}
	}

	s.finish(ctx, exec, StatusSucceeded, nil)
	return nil
}

// runStep retries one step with exponential backoff.
func (s *service) runStep(ctx context.Context, exec *Execution, step Step) error {
	backoff := s.config.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.config.MaxBackoff {
				backoff = s.config.MaxBackoff
			}
			if s.retryCounter != nil {
				s.retryCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("step", string(step))))
			}
			s.mu.Lock()
			s.checkpoint(ctx, exec, attempt)
			s.mu.Unlock()
		}

		stepCtx := ctx
		var cancel context.CancelFunc
		if s.config.StepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, s.config.StepTimeout)
		}
		err := s.step(stepCtx, exec, step)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("step failed, retrying",
			zap.String("workflow_id", exec.ID),
			zap.String("step", string(step)),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("step %s exhausted %d retries: %w", step, s.config.MaxRetries, lastErr)
}

// step dispatches one attempt.
func (s *service) step(ctx context.Context, exec *Execution, step Step) error {
	ctx, span := s.tracer.Start(ctx, "workflow.step."+string(step))
	defer span.End()

	switch step {
	case StepPredict:
		return s.stepPredict(ctx, exec)
	case StepAnalyze:
		return s.stepAnalyze(ctx, exec)
	case StepFix:
		return s.stepFix(ctx, exec)
	case StepIntegrate:
		return s.stepIntegrate(ctx, exec)
	case StepLearn:
		return s.stepLearn(ctx, exec)
	}
	return fmt.Errorf("unknown step %q", step)
}

// stepPredict loads the scope's learned conventions so fix generation and
// reporting can reference them.
func (s *service) stepPredict(ctx context.Context, exec *Execution) error {
	if s.deps.Patterns == nil {
		return nil
	}

	var conventions []string
	for _, patternType := range []string{patterns.TypeNamingStyle, patterns.TypeImportStyle} {
		ranked, err := s.deps.Patterns.Get(ctx, exec.Request.Scope, patternType)
		if err != nil {
			return fmt.Errorf("failed to load %s patterns: %w", patternType, err)
		}
		if len(ranked) > 0 {
			conventions = append(conventions, patternType+"="+ranked[0].Value)
		}
	}

	s.mu.Lock()
	exec.Conventions = conventions
	s.mu.Unlock()
	return nil
}

// stepAnalyze scans the requested files.
func (s *service) stepAnalyze(ctx context.Context, exec *Execution) error {
	files, err := collectFiles(exec.Request)
	if err != nil {
		return err
	}

	scan, err := s.deps.Detector.ScanFiles(ctx, files)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.scans[exec.ID] = scan
	exec.Summary = &scan.Summary
	s.mu.Unlock()
	return nil
}

// stepFix walks issues from the cursor, applying fixes one at a time and
// checkpointing after each so a crash never repeats completed work.
func (s *service) stepFix(ctx context.Context, exec *Execution) error {
	s.mu.RLock()
	scan := s.scans[exec.ID]
	cursor := exec.Cursor
	s.mu.RUnlock()
	if scan == nil {
		return errors.New("no scan result for execution")
	}

	issues := scan.Issues()
	for i := cursor; i < len(issues); i++ {
		issue := issues[i]

		content, err := os.ReadFile(issue.Path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", issue.Path, err)
		}

		// Earlier fixes in the same file renumber lines, so the scan-time
		// coordinates may be stale. Rescan the file and relocate the issue
		// before building a patch against it.
		if fresh, err := s.deps.Detector.ScanFile(ctx, issue.Path, content); err == nil && !fresh.Failed() {
			if moved, ok := relocateIssue(fresh.Issues, issue); ok {
				issue = moved
			}
		}

		sug, err := s.deps.Fixer.Suggest(ctx, issue, string(content))
		if errors.Is(err, fixer.ErrNoSuggestion) {
			s.mu.Lock()
			exec.Skipped++
			exec.Cursor = i + 1
			s.checkpoint(ctx, exec, 0)
			s.mu.Unlock()
			continue
		}
		if err != nil {
			return err
		}

		if s.deps.Learner != nil {
			adjusted, err := s.deps.Learner.AdjustedConfidence(ctx, issue.RuleID, sug.FixType, sug.Confidence)
			if err == nil {
				sug.Confidence = adjusted
			}
		}

		outcome, err := s.deps.Fixer.Apply(ctx, &fixer.ApplyRequest{
			WorkflowID: exec.ID,
			Path:       issue.Path,
			Issue:      issue,
			Suggestion: sug,
		})
		if err != nil {
			return err
		}

		s.mu.Lock()
		exec.Outcomes = append(exec.Outcomes, *outcome)
		exec.Cursor = i + 1
		s.checkpoint(ctx, exec, 0)
		s.mu.Unlock()
	}
	return nil
}

// relocateIssue finds the current occurrence of a scan-time issue in a
// freshly analyzed issue list. It prefers an exact ID match, then the
// nearest same-rule finding with the same message. Returns false when the
// issue no longer exists.
func relocateIssue(fresh []detector.Issue, stale detector.Issue) (detector.Issue, bool) {
	var (
		best     detector.Issue
		bestDist = -1
	)
	for _, cand := range fresh {
		if cand.ID == stale.ID {
			return cand, true
		}
		if cand.RuleID != stale.RuleID || cand.Message != stale.Message {
			continue
		}
		dist := cand.Line - stale.Line
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = cand, dist
		}
	}
	if bestDist < 0 {
		return stale, false
	}
	return best, true
}

// stepIntegrate publishes results to whatever channels are configured.
func (s *service) stepIntegrate(ctx context.Context, exec *Execution) error {
	snapshot, err := s.Get(ctx, exec.ID)
	if err != nil {
		return err
	}

	if s.deps.Reporter != nil {
		if err := s.deps.Reporter.PublishReview(ctx, snapshot); err != nil {
			return fmt.Errorf("failed to publish review: %w", err)
		}
	}
	if s.deps.Integrator != nil {
		auditID, err := s.deps.Integrator.CreateReviewRequest(ctx, snapshot)
		if err != nil {
			return fmt.Errorf("failed to create review request: %w", err)
		}
		s.logger.Info("review request created",
			zap.String("workflow_id", exec.ID),
			zap.String("audit_id", auditID))
	}
	return nil
}

// stepLearn feeds outcomes and conventions back into the stores.
func (s *service) stepLearn(ctx context.Context, exec *Execution) error {
	s.mu.RLock()
	outcomes := make([]fixer.FixOutcome, len(exec.Outcomes))
	copy(outcomes, exec.Outcomes)
	summary := exec.Summary
	s.mu.RUnlock()

	if s.deps.Learner != nil {
		for i := range outcomes {
			if err := s.deps.Learner.RecordOutcome(ctx, &outcomes[i]); err != nil {
				return err
			}
		}
		if _, err := s.deps.Learner.LearnConventions(ctx, exec.Request.RepoPath, exec.Request.Scope); err != nil {
			// History may be absent for non-git paths; conventions are
			// optional signal, outcomes are not.
			s.logger.Debug("convention mining skipped",
				zap.String("workflow_id", exec.ID),
				zap.Error(err))
		}
	}

	if s.deps.Patterns != nil && summary != nil {
		for ruleID, count := range summary.ByRule {
			for i := 0; i < count; i++ {
				if err := s.deps.Patterns.RecordFrequency(ctx, ruleID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// transition updates status and step, checkpointing the new state.
func (s *service) transition(ctx context.Context, exec *Execution, status Status, step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec.Status = status
	exec.Step = step
	s.checkpoint(ctx, exec, 0)
}

// finish records the terminal state and drops the cached scan.
func (s *service) finish(ctx context.Context, exec *Execution, status Status, err error) {
	s.mu.Lock()
	exec.Status = status
	exec.FinishedAt = time.Now()
	if err != nil {
		exec.Error = err.Error()
	}
	s.checkpoint(ctx, exec, 0)
	delete(s.scans, exec.ID)
	s.mu.Unlock()

	if s.finishedCounter != nil {
		s.finishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(status))))
	}
	s.logger.Info("workflow finished",
		zap.String("workflow_id", exec.ID),
		zap.String("status", string(status)))
}

// checkpoint persists the current state. Callers hold s.mu. A failed save
// is logged, not fatal: the execution stays correct in memory and the next
// transition retries persistence.
func (s *service) checkpoint(ctx context.Context, exec *Execution, retryCount int) {
	exec.Sequence++
	state, err := encodeState(exec)
	if err != nil {
		s.logger.Error("failed to encode checkpoint", zap.Error(err))
		return
	}
	cp := &Checkpoint{
		WorkflowID: exec.ID,
		Sequence:   exec.Sequence,
		Status:     exec.Status,
		Step:       exec.Step,
		Cursor:     exec.Cursor,
		RetryCount: retryCount,
		State:      state,
		CreatedAt:  time.Now(),
	}
	if err := s.deps.Checkpoints.Save(ctx, cp); err != nil {
		s.logger.Error("failed to save checkpoint",
			zap.String("workflow_id", exec.ID),
			zap.Error(err))
	}
}

// collectFiles resolves the request to Python file inputs.
func collectFiles(req ReviewRequest) ([]detector.FileInput, error) {
	paths := req.Paths
	if len(paths) == 0 {
		err := filepath.WalkDir(req.RepoPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if path != req.RepoPath && (strings.HasPrefix(name, ".") ||
					name == "__pycache__" || name == "node_modules" || name == "venv") {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasSuffix(d.Name(), ".py") {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", req.RepoPath, err)
		}
	}

	files := make([]detector.FileInput, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		files = append(files, detector.FileInput{Path: p, Content: content})
	}
	return files, nil
}

// Compile-time check.
var _ Service = (*service)(nil)
