package patterns

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/secrets"
)

const instrumentationName = "github.com/fyrsmithlabs/reviewd/internal/patterns"

// Service is the scrubbed, ranked front of a pattern Store.
type Service interface {
	// Upsert anonymizes the value and reinforces the pattern. Untrusted
	// values that cannot be positively cleared are rejected.
	Upsert(ctx context.Context, req *UpsertRequest) (*Pattern, error)

	// Get returns patterns ranked by recency-decayed confidence, ties
	// broken by raw frequency.
	Get(ctx context.Context, scope, patternType string) ([]RankedPattern, error)

	// RecordFrequency bumps the observation count for a rule.
	RecordFrequency(ctx context.Context, ruleID string) error

	// Frequencies returns all rule observation counts.
	Frequencies(ctx context.Context) (map[string]int, error)

	// Sweep removes patterns past the hard TTL.
	Sweep(ctx context.Context) (int, error)

	// Close releases the service and its store.
	Close() error
}

// Config configures the pattern service.
type Config struct {
	// HalfLife controls exponential confidence decay (default: 90 days).
	HalfLife time.Duration

	// TTL is the hard retention limit for untouched patterns (default: 365 days).
	TTL time.Duration

	// MaxResults caps Get results per query (default: 1000).
	MaxResults int
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{
		HalfLife:   90 * 24 * time.Hour,
		TTL:        365 * 24 * time.Hour,
		MaxResults: 1000,
	}
}

// service implements the Service interface.
type service struct {
	config   *Config
	store    Store
	scrubber secrets.Scrubber
	logger   *zap.Logger

	// now is swappable for decay tests.
	now func() time.Time

	// Telemetry
	tracer          trace.Tracer
	meter           metric.Meter
	upsertCounter   metric.Int64Counter
	rejectedCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates a pattern service over the given store.
func NewService(cfg *Config, store Store, scrubber secrets.Scrubber, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if store == nil {
		store = NewMemoryStore(cfg.HalfLife)
	}
	if scrubber == nil {
		scrubber = secrets.MustNew(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:   cfg,
		store:    store,
		scrubber: scrubber,
		logger:   logger,
		now:      time.Now,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.upsertCounter, err = s.meter.Int64Counter(
		"reviewd.patterns.upserts_total",
		metric.WithDescription("Total number of pattern upserts"),
		metric.WithUnit("{upsert}"),
	)
	if err != nil {
		s.logger.Warn("failed to create upsert counter", zap.Error(err))
	}

	s.rejectedCounter, err = s.meter.Int64Counter(
		"reviewd.patterns.rejected_total",
		metric.WithDescription("Total number of pattern values rejected by secret scanning"),
		metric.WithUnit("{value}"),
	)
	if err != nil {
		s.logger.Warn("failed to create rejected counter", zap.Error(err))
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

// Upsert anonymizes and persists one observation.
func (s *service) Upsert(ctx context.Context, req *UpsertRequest) (*Pattern, error) {
	ctx, span := s.tracer.Start(ctx, "patterns.upsert")
	defer span.End()

	span.SetAttributes(
		attribute.String("pattern.scope", req.Scope),
		attribute.String("pattern.type", req.Type),
		attribute.String("pattern.source", string(req.Source)),
	)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req.Scope == "" || req.Type == "" || req.Value == "" {
		return nil, fmt.Errorf("scope, type, and value are required")
	}

	scrubbed := s.scrubber.Scrub(req.Value)
	if scrubbed.HasFindings() && req.Source == SourceUntrusted {
		// Redaction is not enough for repository-derived values; reject
		if s.rejectedCounter != nil {
			s.rejectedCounter.Add(ctx, 1)
		}
		span.SetStatus(codes.Error, "secret rejected")
		return nil, ErrSecretRejected
	}

	anonymized := *req
	anonymized.Value = scrubbed.Scrubbed

	if req.Source == SourceUntrusted {
		safe, err := secrets.ConfirmSafe(anonymized.Value)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: %s", ErrSecretRejected, err)
		}
		if !safe {
			if s.rejectedCounter != nil {
				s.rejectedCounter.Add(ctx, 1)
			}
			span.SetStatus(codes.Error, "secret rejected")
			return nil, ErrSecretRejected
		}
	}

	p, err := s.store.Upsert(ctx, &anonymized, s.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to upsert pattern: %w", err)
	}

	if s.upsertCounter != nil {
		s.upsertCounter.Add(ctx, 1)
	}

	return p, nil
}

// Get returns patterns ranked by effective confidence.
func (s *service) Get(ctx context.Context, scope, patternType string) ([]RankedPattern, error) {
	ctx, span := s.tracer.Start(ctx, "patterns.get")
	defer span.End()

	span.SetAttributes(
		attribute.String("pattern.scope", scope),
		attribute.String("pattern.type", patternType),
	)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	raw, err := s.store.Get(ctx, scope, patternType)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get patterns: %w", err)
	}

	now := s.now()
	ranked := make([]RankedPattern, 0, len(raw))
	for _, p := range raw {
		ranked = append(ranked, RankedPattern{
			Pattern:   p,
			Effective: DecayConfidence(p.Confidence, now.Sub(p.UpdatedAt), s.config.HalfLife),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Effective != ranked[j].Effective {
			return ranked[i].Effective > ranked[j].Effective
		}
		if ranked[i].Frequency != ranked[j].Frequency {
			return ranked[i].Frequency > ranked[j].Frequency
		}
		return ranked[i].Value < ranked[j].Value
	})

	if len(ranked) > s.config.MaxResults {
		ranked = ranked[:s.config.MaxResults]
	}
	return ranked, nil
}

// RecordFrequency bumps the observation count for a rule.
func (s *service) RecordFrequency(ctx context.Context, ruleID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.store.RecordFrequency(ctx, ruleID); err != nil {
		return fmt.Errorf("failed to record frequency: %w", err)
	}
	return nil
}

// Frequencies returns all rule observation counts.
func (s *service) Frequencies(ctx context.Context) (map[string]int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.Frequencies(ctx)
}

// Sweep removes patterns past the hard TTL.
func (s *service) Sweep(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "patterns.sweep")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	removed, err := s.store.Sweep(ctx, s.now(), s.config.TTL)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to sweep patterns: %w", err)
	}
	if removed > 0 {
		s.logger.Info("swept stale patterns", zap.Int("removed", removed))
	}
	span.SetAttributes(attribute.Int("patterns.removed", removed))
	return removed, nil
}

// Close releases the service and its store.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.store.Close()
}

// Compile-time check.
var _ Service = (*service)(nil)
