package learner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/fixer"
	"github.com/fyrsmithlabs/reviewd/internal/history"
	"github.com/fyrsmithlabs/reviewd/internal/patterns"
)

const instrumentationName = "github.com/fyrsmithlabs/reviewd/internal/learner"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("learner service is closed")

// Service records fix outcomes and learns from them.
type Service interface {
	// RecordOutcome persists one fix attempt, applied or rejected.
	RecordOutcome(ctx context.Context, outcome *fixer.FixOutcome) error

	// AdjustedConfidence scales a base confidence by the observed success
	// rate for the rule and fix type, Laplace-smoothed so sparse history
	// moves the needle gently.
	AdjustedConfidence(ctx context.Context, ruleID string, fixType fixer.FixType, base float64) (float64, error)

	// LearnConventions mines naming and import style from recent commits
	// and reinforces the winning styles in the pattern store.
	LearnConventions(ctx context.Context, repoPath, scope string) (*ConventionReport, error)

	// Close releases the service.
	Close() error
}

// Config configures the learner.
type Config struct {
	// HistoryCommits is how far back convention mining looks (default: 200).
	HistoryCommits int

	// MinCommits below which mining falls back to built-in defaults
	// (default: 10).
	MinCommits int

	// SensitivePaths excludes commits from mining when any touched path
	// contains one of these fragments.
	SensitivePaths []string
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{
		HistoryCommits: 200,
		MinCommits:     10,
		SensitivePaths: []string{".env", "secrets/", "credentials", ".pem", ".key"},
	}
}

// ConventionReport summarizes one mining pass.
type ConventionReport struct {
	CommitsAnalyzed  int            `json:"commits_analyzed"`
	SkippedSensitive int            `json:"skipped_sensitive"`
	UsedDefaults     bool           `json:"used_defaults"`
	NamingCounts     map[string]int `json:"naming_counts"`
	ImportCounts     map[string]int `json:"import_counts"`
	Applied          []string       `json:"applied"`
}

// service implements the Service interface.
type service struct {
	config   *Config
	db       *sql.DB
	reader   history.Reader
	patterns patterns.Service
	logger   *zap.Logger

	// Telemetry
	tracer          trace.Tracer
	meter           metric.Meter
	outcomeCounter metric.Int64Counter
	learnedCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates a learner backed by the shared SQLite handle.
func NewService(cfg *Config, db *sql.DB, reader history.Reader, store patterns.Service, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if store == nil {
		return nil, errors.New("pattern store is required")
	}
	if reader == nil {
		reader = history.NewReader(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:   cfg,
		db:       db,
		reader:   reader,
		patterns: store,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.outcomeCounter, err = s.meter.Int64Counter(
		"reviewd.learner.outcomes_total",
		metric.WithDescription("Total number of fix outcomes recorded"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		s.logger.Warn("failed to create outcome counter", zap.Error(err))
	}

	s.learnedCounter, err = s.meter.Int64Counter(
		"reviewd.learner.conventions_total",
		metric.WithDescription("Total number of conventions reinforced"),
		metric.WithUnit("{convention}"),
	)
	if err != nil {
		s.logger.Warn("failed to create convention counter", zap.Error(err))
	}
}

func (s *service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// RecordOutcome persists the outcome append-only, keyed by fix ID.
func (s *service) RecordOutcome(ctx context.Context, outcome *fixer.FixOutcome) error {
	ctx, span := s.tracer.Start(ctx, "learner.record_outcome")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if outcome == nil || outcome.FixID == "" {
		return errors.New("outcome requires a fix id")
	}

	span.SetAttributes(
		attribute.String("fix.id", outcome.FixID),
		attribute.String("fix.rule", outcome.RuleID),
		attribute.Bool("fix.success", outcome.Success),
	)

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO fix_outcomes
			(fix_id, issue_id, workflow_id, rule_id, fix_type, success,
			 rollback_performed, validation_errors, backup_ref, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		outcome.FixID,
		outcome.IssueID,
		outcome.WorkflowID,
		outcome.RuleID,
		string(outcome.FixType),
		boolToInt(outcome.Success),
		boolToInt(outcome.RollbackPerformed),
		strings.Join(outcome.ValidationErrors, "\n"),
		outcome.BackupRef,
		outcome.AppliedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record fix outcome: %w", err)
	}

	if s.outcomeCounter != nil {
		s.outcomeCounter.Add(ctx, 1)
	}
	return nil
}

// AdjustedConfidence applies Laplace smoothing: with no history the factor
// is 1/2-neutral at (0+1)/(0+2), and converges to the true success rate as
// attempts accumulate.
func (s *service) AdjustedConfidence(ctx context.Context, ruleID string, fixType fixer.FixType, base float64) (float64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var applied, succeeded int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(success), 0)
		FROM fix_outcomes
		WHERE rule_id = ? AND fix_type = ?`,
		ruleID, string(fixType),
	).Scan(&applied, &succeeded)
	if err != nil {
		return 0, fmt.Errorf("failed to read outcome stats: %w", err)
	}

	if applied == 0 {
		return base, nil
	}

	adjusted := base * float64(succeeded+1) / float64(applied+2)
	if adjusted > 1 {
		adjusted = 1
	}
	if adjusted < 0 {
		adjusted = 0
	}
	return adjusted, nil
}

// Close releases the service. The database handle is shared and stays open.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time check.
var _ Service = (*service)(nil)
