package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	stdhttp "net/http"
	"path/filepath"
	"time"

	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/backup"
	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/detector"
	"github.com/fyrsmithlabs/reviewd/internal/fixer"
	"github.com/fyrsmithlabs/reviewd/internal/history"
	"github.com/fyrsmithlabs/reviewd/internal/hosting"
	apihttp "github.com/fyrsmithlabs/reviewd/internal/http"
	"github.com/fyrsmithlabs/reviewd/internal/learner"
	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/patterns"
	"github.com/fyrsmithlabs/reviewd/internal/reporting"
	"github.com/fyrsmithlabs/reviewd/internal/secrets"
	"github.com/fyrsmithlabs/reviewd/internal/storage"
	"github.com/fyrsmithlabs/reviewd/internal/telemetry"
	"github.com/fyrsmithlabs/reviewd/internal/watch"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// app is the wired service graph shared by the serve and review commands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	db        *sql.DB

	patterns  patterns.Service
	learner   learner.Service
	workflows workflow.Service
	reporter  reporting.Publisher
}

// buildApp constructs every service from configuration. On error the
// partially built graph is torn down before returning.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	zl := logger.Underlying()

	a := &app{cfg: cfg, logger: logger}

	a.telemetry, err = telemetry.New(ctx, &telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a.db, err = storage.Open(ctx, cfg.Storage.Path)
	if err != nil {
		a.teardown()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	scrubber, err := secrets.New(secrets.DefaultConfig())
	if err != nil {
		a.teardown()
		return nil, fmt.Errorf("failed to create secret scrubber: %w", err)
	}

	var store patterns.Store
	switch cfg.Patterns.Backend {
	case "sqlite":
		store, err = patterns.NewSQLiteStore(a.db, cfg.Patterns.HalfLife)
		if err != nil {
			a.teardown()
			return nil, fmt.Errorf("failed to create pattern store: %w", err)
		}
	default:
		store = patterns.NewMemoryStore(cfg.Patterns.HalfLife)
	}

	a.patterns, err = patterns.NewService(&patterns.Config{
		HalfLife:   cfg.Patterns.HalfLife,
		TTL:        cfg.Patterns.TTL,
		MaxResults: cfg.Patterns.MaxPerScope,
	}, store, scrubber, zl)
	if err != nil {
		a.teardown()
		return nil, fmt.Errorf("failed to create pattern service: %w", err)
	}

	rules := detector.DefaultRuleset()
	if cfg.Detector.RulesetPath != "" {
		rules, err = detector.LoadRuleset(cfg.Detector.RulesetPath)
		if err != nil {
			a.teardown()
			return nil, fmt.Errorf("failed to load ruleset: %w", err)
		}
	}

	det, err := detector.NewService(&detector.Config{
		RulesetPath:         cfg.Detector.RulesetPath,
		ComplexityThreshold: cfg.Detector.ComplexityThreshold,
		UnusedPrefix:        cfg.Detector.UnusedPrefix,
		MaxWorkers:          cfg.Detector.MaxWorkers,
		MaxFileSize:         cfg.Detector.MaxFileSize,
	}, zl)
	if err != nil {
		a.teardown()
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	backups, err := backup.NewService(cfg.Fixer.BackupDir, zl)
	if err != nil {
		a.teardown()
		return nil, fmt.Errorf("failed to create backup service: %w", err)
	}

	chain := []fixer.SuggestionSource{fixer.NewRuleBasedSource()}
	if cfg.AI.Enabled {
		model, aiErr := openai.New()
		if aiErr != nil {
			logger.Warn(ctx, "ai suggestions disabled", zap.Error(aiErr))
		} else {
			chain = append(chain, fixer.NewAISource(model, cfg.AI.RequestsPerMinute, cfg.Fixer.AITimeout))
		}
	}

	fix, err := fixer.NewService(&fixer.Config{
		ConfidenceThreshold: cfg.Fixer.ConfidenceThreshold,
	}, chain, backups, rules, zl)
	if err != nil {
		a.teardown()
		return nil, fmt.Errorf("failed to create fixer: %w", err)
	}

	a.learner, err = learner.NewService(&learner.Config{
		HistoryCommits: cfg.Learner.HistoryCommits,
		MinCommits:     cfg.Learner.MinCommits,
		SensitivePaths: cfg.Learner.SensitivePaths,
	}, a.db, history.NewReader(zl), a.patterns, zl)
	if err != nil {
		a.teardown()
		return nil, fmt.Errorf("failed to create learner: %w", err)
	}

	deps := workflow.Deps{
		Detector:    det,
		Fixer:       fix,
		Learner:     a.learner,
		Patterns:    a.patterns,
		Checkpoints: workflow.NewSQLiteCheckpointStore(a.db),
	}

	if cfg.Reporting.Enabled {
		a.reporter, err = reporting.NewPublisher(&reporting.Config{
			URL:           cfg.Reporting.URL,
			SubjectPrefix: cfg.Reporting.SubjectPrefix,
			Name:          "reviewd",
		}, zl)
		if err != nil {
			a.teardown()
			return nil, fmt.Errorf("failed to connect to reporting broker: %w", err)
		}
		deps.Reporter = a.reporter
	}

	if cfg.Hosting.Enabled {
		host, hostErr := hosting.NewService(&hosting.Config{
			Token: cfg.Hosting.Token,
			Owner: cfg.Hosting.Owner,
			Repo:  cfg.Hosting.Repo,
		}, zl)
		if hostErr != nil {
			a.teardown()
			return nil, fmt.Errorf("failed to create hosting integration: %w", hostErr)
		}
		deps.Integrator = host
	}

	a.workflows, err = workflow.NewService(&workflow.Config{
		MaxConcurrent:   cfg.Workflow.MaxConcurrent,
		MaxRetries:      cfg.Workflow.MaxRetries,
		StepTimeout:     cfg.Workflow.StepTimeout,
		InstanceTimeout: cfg.Workflow.InstanceTimeout,
		RetryBackoff:    cfg.Workflow.RetryBackoff,
	}, deps, zl)
	if err != nil {
		a.teardown()
		return nil, fmt.Errorf("failed to create workflow coordinator: %w", err)
	}

	return a, nil
}

// teardown releases whatever has been built so far, in reverse dependency
// order. Safe on a partially constructed app.
func (a *app) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.workflows != nil {
		if err := a.workflows.Close(); err != nil {
			a.logger.Warn(ctx, "failed to close workflow coordinator", zap.Error(err))
		}
	}
	if a.learner != nil {
		if err := a.learner.Close(); err != nil {
			a.logger.Warn(ctx, "failed to close learner", zap.Error(err))
		}
	}
	if a.patterns != nil {
		if err := a.patterns.Close(); err != nil {
			a.logger.Warn(ctx, "failed to close pattern service", zap.Error(err))
		}
	}
	if a.reporter != nil {
		if err := a.reporter.Close(); err != nil {
			a.logger.Warn(ctx, "failed to close reporting publisher", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn(ctx, "failed to close database", zap.Error(err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn(ctx, "failed to shut down telemetry", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// runServe runs the daemon: resume unfinished reviews, serve the API, and
// optionally watch repositories for changes.
func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}

	a.logger.Info(ctx, "starting reviewd",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.String("addr", cfg.Server.Addr))

	resumed, err := a.workflows.Resume(ctx)
	if err != nil {
		a.logger.Warn(ctx, "failed to resume unfinished reviews", zap.Error(err))
	} else if resumed > 0 {
		a.logger.Info(ctx, "resumed unfinished reviews", zap.Int("count", resumed))
	}

	srv, err := apihttp.NewServer(a.workflows, a.logger.Underlying(), &apihttp.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		a.teardown()
		return fmt.Errorf("failed to create http server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var watcherDone chan struct{}
	if cfg.Watch.Enabled && len(cfg.Watch.Paths) > 0 {
		w, err := watch.New(&watch.Config{
			Paths:    cfg.Watch.Paths,
			Debounce: cfg.Watch.Debounce,
		}, a.workflows, a.logger.Underlying())
		if err != nil {
			a.teardown()
			return fmt.Errorf("failed to create filesystem watcher: %w", err)
		}
		watcherDone = make(chan struct{})
		go func() {
			defer close(watcherDone)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error(ctx, "filesystem watcher stopped", zap.Error(err))
			}
		}()
		a.logger.Info(ctx, "watching repositories", zap.Strings("paths", cfg.Watch.Paths))
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		a.sweepLoop(ctx, cfg.Patterns.SweepEvery)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	}

	a.logger.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn(shutdownCtx, "http shutdown failed", zap.Error(err))
	}
	if watcherDone != nil {
		<-watcherDone
	}
	<-sweepDone

	a.teardown()
	return runErr
}

// sweepLoop periodically expires stale patterns.
func (a *app) sweepLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.patterns.Sweep(ctx)
			if err != nil {
				a.logger.Warn(ctx, "pattern sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				a.logger.Info(ctx, "expired patterns removed", zap.Int("count", removed))
			}
		}
	}
}

// runReview executes one synchronous review pass and prints the result.
func runReview(ctx context.Context, cfg *config.Config, path, scope string) error {
	repoPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve repository path: %w", err)
	}
	if scope == "" {
		scope = "repo:" + filepath.Base(repoPath)
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.teardown()

	exec, err := a.workflows.Run(ctx, &workflow.ReviewRequest{
		RepoPath: repoPath,
		Scope:    scope,
	})
	if err != nil {
		return fmt.Errorf("review failed: %w", err)
	}

	printExecution(exec)

	if exec.Status != workflow.StatusSucceeded {
		if exec.Error != "" {
			return fmt.Errorf("review finished %s: %s", exec.Status, exec.Error)
		}
		return fmt.Errorf("review finished %s", exec.Status)
	}
	return nil
}

func printExecution(exec *workflow.Execution) {
	applied, rolledBack := 0, 0
	for _, o := range exec.Outcomes {
		if o.Success {
			applied++
		}
		if o.RollbackPerformed {
			rolledBack++
		}
	}

	fmt.Printf("Review %s: %s\n", exec.ID, exec.Status)
	if exec.Summary != nil {
		fmt.Printf("  Files scanned: %d\n", exec.Summary.FilesScanned)
		fmt.Printf("  Issues found:  %d\n", exec.Summary.TotalIssues)
		for ruleID, count := range exec.Summary.ByRule {
			fmt.Printf("    %-24s %d\n", ruleID, count)
		}
	}
	fmt.Printf("  Fixes applied: %d (rolled back: %d, skipped: %d)\n",
		applied, rolledBack, exec.Skipped)
	if !exec.FinishedAt.IsZero() {
		fmt.Printf("  Duration:      %s\n", exec.FinishedAt.Sub(exec.StartedAt).Round(time.Millisecond))
	}
}
