package fixer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/backup"
	"github.com/fyrsmithlabs/reviewd/internal/detector"
)

const instrumentationName = "github.com/fyrsmithlabs/reviewd/internal/fixer"

// Service generates and applies fixes.
type Service interface {
	// Suggest runs the source chain for one issue.
	Suggest(ctx context.Context, issue detector.Issue, content string) (*Suggestion, error)

	// Apply validates and applies a fix to the file on disk, rolling back
	// on any post-patch regression. It always returns a FixOutcome; the
	// error is non-nil only for system failures.
	Apply(ctx context.Context, req *ApplyRequest) (*FixOutcome, error)

	// Close releases the service.
	Close() error
}

// Config configures the fixer service.
type Config struct {
	// ConfidenceThreshold below which suggestions are rejected (default: 0.7).
	ConfidenceThreshold float64
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{ConfidenceThreshold: 0.7}
}

// ApplyRequest is one fix attempt.
type ApplyRequest struct {
	WorkflowID string
	Path       string
	Issue      detector.Issue

	// Suggestion, when nil, is generated through the source chain.
	Suggestion *Suggestion
}

// service implements the Service interface.
type service struct {
	config    *Config
	chain     []SuggestionSource
	validator *Validator
	backups   *backup.Service
	rules     *detector.Ruleset
	logger    *zap.Logger

	// Telemetry
	tracer          trace.Tracer
	meter           metric.Meter
	appliedCounter  metric.Int64Counter
	rollbackCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates a fixer service. The chain order is the fallback
// order; a nil chain gets the rule-based source only.
func NewService(cfg *Config, chain []SuggestionSource, backups *backup.Service, rules *detector.Ruleset, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if backups == nil {
		return nil, errors.New("backup service is required")
	}
	if rules == nil {
		rules = detector.DefaultRuleset()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(chain) == 0 {
		chain = []SuggestionSource{NewRuleBasedSource()}
	}

	s := &service{
		config:    cfg,
		chain:     chain,
		validator: NewValidator(cfg.ConfidenceThreshold, rules),
		backups:   backups,
		rules:     rules,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.appliedCounter, err = s.meter.Int64Counter(
		"reviewd.fixer.applied_total",
		metric.WithDescription("Total number of fixes committed"),
		metric.WithUnit("{fix}"),
	)
	if err != nil {
		s.logger.Warn("failed to create applied counter", zap.Error(err))
	}

	s.rollbackCounter, err = s.meter.Int64Counter(
		"reviewd.fixer.rollbacks_total",
		metric.WithDescription("Total number of fixes rolled back"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		s.logger.Warn("failed to create rollback counter", zap.Error(err))
	}
}

// Suggest runs the source chain in order, falling through on error.
func (s *service) Suggest(ctx context.Context, issue detector.Issue, content string) (*Suggestion, error) {
	ctx, span := s.tracer.Start(ctx, "fixer.suggest")
	defer span.End()

	span.SetAttributes(attribute.String("issue.rule", issue.RuleID))

	for _, source := range s.chain {
		sug, err := source.Suggest(ctx, issue, content)
		if err == nil && sug != nil {
			span.SetAttributes(attribute.String("suggestion.source", source.Name()))
			return sug, nil
		}
		if err != nil && !errors.Is(err, ErrNoSuggestion) {
			s.logger.Warn("suggestion source failed, falling through",
				zap.String("source", source.Name()),
				zap.String("rule", issue.RuleID),
				zap.Error(err))
		}
	}
	return nil, ErrNoSuggestion
}

// Apply runs the full fix protocol against the file on disk.
func (s *service) Apply(ctx context.Context, req *ApplyRequest) (*FixOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "fixer.apply")
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow.id", req.WorkflowID),
		attribute.String("file.path", req.Path),
		attribute.String("issue.rule", req.Issue.RuleID),
	)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	outcome := &FixOutcome{
		FixID:      uuid.New().String(),
		IssueID:    req.Issue.ID,
		WorkflowID: req.WorkflowID,
		RuleID:     req.Issue.RuleID,
		AppliedAt:  time.Now(),
	}

	if s.backups.IsHalted(req.Path) {
		outcome.ValidationErrors = []string{"automated fixes halted: corrupted backup on record for this file"}
		return outcome, nil
	}

	content, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", req.Path, err)
	}

	current, err := detector.AnalyzeFile(ctx, req.Path, content, s.rules)
	if err != nil {
		return nil, err
	}
	if current.Failed() {
		outcome.ValidationErrors = []string{"file does not parse"}
		return outcome, nil
	}

	// Idempotent no-op: nothing to fix anymore
	if !issuePresent(current.Issues, req.Issue) {
		outcome.Success = true
		return outcome, nil
	}

	sug := req.Suggestion
	if sug == nil {
		sug, err = s.Suggest(ctx, req.Issue, string(content))
		if errors.Is(err, ErrNoSuggestion) {
			outcome.ValidationErrors = []string{"no suggestion available"}
			return outcome, nil
		}
		if err != nil {
			return nil, err
		}
	}
	outcome.FixType = sug.FixType

	patched, diff, err := applyPatch(string(content), sug)
	if err != nil {
		outcome.ValidationErrors = []string{fmt.Sprintf("failed to build patch: %v", err)}
		return outcome, nil
	}

	if errs := s.validator.Validate(ctx, req.Path, content, []byte(patched), req.Issue, sug); len(errs) > 0 {
		outcome.ValidationErrors = errs
		span.SetAttributes(attribute.StringSlice("validation.errors", errs))
		return outcome, nil
	}

	// Snapshot strictly before any write
	b, err := s.backups.Snapshot(req.Path, content)
	if err != nil {
		outcome.ValidationErrors = []string{fmt.Sprintf("backup failed: %v", err)}
		if errors.Is(err, backup.ErrCorrupted) || errors.Is(err, backup.ErrHalted) {
			return outcome, err
		}
		return outcome, nil
	}
	outcome.BackupRef = b.Ref

	if err := writeFileAtomic(req.Path, []byte(patched)); err != nil {
		return outcome, fmt.Errorf("failed to write patch: %w", err)
	}

	// Re-detect the mutated file before committing
	after, err := detector.AnalyzeFile(ctx, req.Path, []byte(patched), s.rules)
	reason := ""
	switch {
	case err != nil:
		reason = fmt.Sprintf("post-patch analysis failed: %v", err)
	case after.Failed():
		reason = "patched file does not parse"
	case issuePresent(after.Issues, req.Issue) && ruleCount(after.Issues, req.Issue.RuleID) >= ruleCount(current.Issues, req.Issue.RuleID):
		reason = "original issue still present after patch"
	case introducesSevere(current.Issues, after.Issues):
		reason = "patch introduced a new critical or high issue"
	}

	if reason == "" {
		outcome.Success = true
		outcome.Diff = diff
		if s.appliedCounter != nil {
			s.appliedCounter.Add(ctx, 1)
		}
		s.logger.Info("fix applied",
			zap.String("rule", req.Issue.RuleID),
			zap.String("path", req.Path),
			zap.String("fix_id", outcome.FixID))
		return outcome, nil
	}

	// Roll back byte-exactly
	if restoreErr := s.backups.Restore(b.Ref); restoreErr != nil {
		span.RecordError(restoreErr)
		span.SetStatus(codes.Error, restoreErr.Error())
		outcome.ValidationErrors = []string{reason, fmt.Sprintf("rollback failed: %v", restoreErr)}
		return outcome, restoreErr
	}
	outcome.RollbackPerformed = true
	outcome.ValidationErrors = []string{reason}
	if s.rollbackCounter != nil {
		s.rollbackCounter.Add(ctx, 1)
	}
	s.logger.Warn("fix rolled back",
		zap.String("rule", req.Issue.RuleID),
		zap.String("path", req.Path),
		zap.String("reason", reason))
	return outcome, nil
}

// Close releases the service.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// issuePresent matches by ID first, then by rule and line (IDs shift when
// unrelated edits renumber lines).
func issuePresent(issues []detector.Issue, target detector.Issue) bool {
	for _, i := range issues {
		if i.ID == target.ID {
			return true
		}
		if i.RuleID == target.RuleID && i.Line == target.Line {
			return true
		}
	}
	return false
}

func ruleCount(issues []detector.Issue, ruleID string) int {
	n := 0
	for _, i := range issues {
		if i.RuleID == ruleID {
			n++
		}
	}
	return n
}

// introducesSevere reports whether the patch added critical or high issues.
func introducesSevere(before, after []detector.Issue) bool {
	for _, sev := range []detector.Severity{detector.SeverityCritical, detector.SeverityHigh} {
		beforeN, afterN := 0, 0
		for _, i := range before {
			if i.Severity == sev {
				beforeN++
			}
		}
		for _, i := range after {
			if i.Severity == sev {
				afterN++
			}
		}
		if afterN > beforeN {
			return true
		}
	}
	return false
}

// applyPatch builds the patched content and a unified-style diff.
func applyPatch(content string, sug *Suggestion) (string, string, error) {
	lines := strings.Split(content, "\n")
	idx := sug.Line - 1
	if idx < 0 || idx >= len(lines) {
		return "", "", fmt.Errorf("line %d out of range", sug.Line)
	}

	var diff strings.Builder
	fmt.Fprintf(&diff, "@@ line %d @@\n", sug.Line)

	switch sug.FixType {
	case FixTypeDelete:
		if sug.Original != "" && lines[idx] != sug.Original {
			return "", "", fmt.Errorf("line %d changed since suggestion", sug.Line)
		}
		fmt.Fprintf(&diff, "-%s\n", lines[idx])
		lines = append(lines[:idx], lines[idx+1:]...)

	case FixTypeReplace:
		old := lines[idx]
		switch {
		case sug.Original != "" && strings.Contains(old, sug.Original):
			lines[idx] = strings.Replace(old, sug.Original, sug.Suggested, 1)
		case sug.Original == "":
			lines[idx] = sug.Suggested
		default:
			return "", "", fmt.Errorf("line %d does not contain expected text", sug.Line)
		}
		fmt.Fprintf(&diff, "-%s\n+%s\n", old, lines[idx])

	case FixTypeInsert:
		fmt.Fprintf(&diff, "+%s\n", sug.Suggested)
		lines = append(lines[:idx+1], append([]string{sug.Suggested}, lines[idx+1:]...)...)

	case FixTypeRefactor:
		old := lines[idx]
		replacement := strings.Split(sug.Suggested, "\n")
		fmt.Fprintf(&diff, "-%s\n", old)
		for _, l := range replacement {
			fmt.Fprintf(&diff, "+%s\n", l)
		}
		lines = append(lines[:idx], append(replacement, lines[idx+1:]...)...)

	default:
		return "", "", fmt.Errorf("unknown fix type %q", sug.FixType)
	}

	return strings.Join(lines, "\n"), diff.String(), nil
}

// writeFileAtomic writes via temp file and rename alongside the target,
// carrying over the target's existing permission bits.
func writeFileAtomic(path string, content []byte) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".reviewd-fix-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Compile-time check.
var _ Service = (*service)(nil)
