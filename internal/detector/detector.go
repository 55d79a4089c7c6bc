package detector

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/fyrsmithlabs/reviewd/internal/detector"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("detector service is closed")

// Service runs static analysis over single files and batches.
type Service interface {
	// ScanFile analyzes one file.
	ScanFile(ctx context.Context, path string, content []byte) (*FileResult, error)

	// ScanFiles analyzes a batch concurrently, continuing past files that
	// fail to parse. Results preserve input order.
	ScanFiles(ctx context.Context, files []FileInput) (*ScanResult, error)

	// Ruleset returns the effective ruleset.
	Ruleset() *Ruleset

	// Close releases the service.
	Close() error
}

// Config configures the detector service.
type Config struct {
	// RulesetPath is an optional TOML ruleset file.
	RulesetPath string

	// ComplexityThreshold overrides the ruleset threshold when > 0.
	ComplexityThreshold int

	// UnusedPrefix overrides the intentionally-unused marker when set.
	UnusedPrefix string

	// MaxWorkers bounds batch scan concurrency (default: 4).
	MaxWorkers int

	// MaxFileSize skips files larger than this many bytes (default: 2MB).
	MaxFileSize int64
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{
		MaxWorkers:  4,
		MaxFileSize: 2 * 1024 * 1024,
	}
}

// service implements the Service interface.
type service struct {
	config *Config
	rules  *Ruleset
	logger *zap.Logger

	// Telemetry
	tracer       trace.Tracer
	meter        metric.Meter
	scanCounter  metric.Int64Counter
	issueCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates a detector service, loading the ruleset file when
// configured.
func NewService(cfg *Config, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rules := DefaultRuleset()
	if cfg.RulesetPath != "" {
		loaded, err := LoadRuleset(cfg.RulesetPath)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	if cfg.ComplexityThreshold > 0 {
		rules.Thresholds.Complexity = cfg.ComplexityThreshold
	}
	if cfg.UnusedPrefix != "" {
		rules.UnusedPrefix = cfg.UnusedPrefix
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 2 * 1024 * 1024
	}

	s := &service{
		config: cfg,
		rules:  rules,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.scanCounter, err = s.meter.Int64Counter(
		"reviewd.detector.scans_total",
		metric.WithDescription("Total number of files scanned"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		s.logger.Warn("failed to create scan counter", zap.Error(err))
	}

	s.issueCounter, err = s.meter.Int64Counter(
		"reviewd.detector.issues_total",
		metric.WithDescription("Total number of issues detected"),
		metric.WithUnit("{issue}"),
	)
	if err != nil {
		s.logger.Warn("failed to create issue counter", zap.Error(err))
	}
}

// ScanFile analyzes one file.
func (s *service) ScanFile(ctx context.Context, path string, content []byte) (*FileResult, error) {
	ctx, span := s.tracer.Start(ctx, "detector.scan_file")
	defer span.End()

	span.SetAttributes(
		attribute.String("file.path", path),
		attribute.Int("file.size", len(content)),
	)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	if int64(len(content)) > s.config.MaxFileSize {
		return &FileResult{
			Path:       path,
			Issues:     []Issue{},
			ParseError: "file exceeds size limit",
		}, nil
	}

	result, err := AnalyzeFile(ctx, path, content, s.rules)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.scanCounter != nil {
		s.scanCounter.Add(ctx, 1)
	}
	if s.issueCounter != nil && len(result.Issues) > 0 {
		s.issueCounter.Add(ctx, int64(len(result.Issues)))
	}
	if result.Failed() {
		s.logger.Debug("file skipped: parse error",
			zap.String("path", path),
			zap.String("reason", result.ParseError))
	}

	return result, nil
}

// ScanFiles analyzes a batch with a bounded worker pool.
func (s *service) ScanFiles(ctx context.Context, files []FileInput) (*ScanResult, error) {
	ctx, span := s.tracer.Start(ctx, "detector.scan_files")
	defer span.End()

	span.SetAttributes(attribute.Int("batch.size", len(files)))

	results := make([]FileResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxWorkers)
	for i, f := range files {
		g.Go(func() error {
			r, err := s.ScanFile(gctx, f.Path, f.Content)
			if err != nil {
				return err
			}
			results[i] = *r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	summary := Summary{
		BySeverity: make(map[Severity]int),
		ByRule:     make(map[string]int),
	}
	for _, r := range results {
		summary.FilesScanned++
		if r.Failed() {
			summary.FilesFailed++
			continue
		}
		summary.TotalIssues += len(r.Issues)
		for _, issue := range r.Issues {
			summary.BySeverity[issue.Severity]++
			summary.ByRule[issue.RuleID]++
		}
	}

	return &ScanResult{Files: results, Summary: summary}, nil
}

// Ruleset returns the effective ruleset.
func (s *service) Ruleset() *Ruleset {
	return s.rules
}

// Close releases the service.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Compile-time check.
var _ Service = (*service)(nil)
