package config

import (
	"fmt"
	"time"
)

// Config is the top-level reviewd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Detector  DetectorConfig  `koanf:"detector"`
	Patterns  PatternsConfig  `koanf:"patterns"`
	Fixer     FixerConfig     `koanf:"fixer"`
	Learner   LearnerConfig   `koanf:"learner"`
	Workflow  WorkflowConfig  `koanf:"workflow"`
	Reporting ReportingConfig `koanf:"reporting"`
	Hosting   HostingConfig   `koanf:"hosting"`
	AI        AIConfig        `koanf:"ai"`
	Watch     WatchConfig     `koanf:"watch"`
	Storage   StorageConfig   `koanf:"storage"`
}

// ServerConfig controls the HTTP API surface.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig mirrors logging.Config fields.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// TelemetryConfig controls OTLP export.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	ServiceName string  `koanf:"service_name"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // grpc or http
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// DetectorConfig controls static analysis.
type DetectorConfig struct {
	RulesetPath         string `koanf:"ruleset_path"`
	ComplexityThreshold int    `koanf:"complexity_threshold"`
	UnusedPrefix        string `koanf:"unused_prefix"`
	MaxWorkers          int    `koanf:"max_workers"`
	MaxFileSize         int64  `koanf:"max_file_size"`
}

// PatternsConfig controls the pattern store.
type PatternsConfig struct {
	Backend      string        `koanf:"backend"` // memory or sqlite
	HalfLife     time.Duration `koanf:"half_life"`
	TTL          time.Duration `koanf:"ttl"`
	SweepEvery   time.Duration `koanf:"sweep_every"`
	MaxPerScope  int           `koanf:"max_per_scope"`
}

// FixerConfig controls suggestion generation and application.
type FixerConfig struct {
	ConfidenceThreshold float64       `koanf:"confidence_threshold"`
	BackupDir           string        `koanf:"backup_dir"`
	AITimeout           time.Duration `koanf:"ai_timeout"`
}

// LearnerConfig controls outcome learning and history analysis.
type LearnerConfig struct {
	HistoryCommits int      `koanf:"history_commits"`
	MinCommits     int      `koanf:"min_commits"`
	SensitivePaths []string `koanf:"sensitive_paths"`
}

// WorkflowConfig controls the coordinator.
type WorkflowConfig struct {
	MaxConcurrent   int64         `koanf:"max_concurrent"`
	MaxRetries      int           `koanf:"max_retries"`
	StepTimeout     time.Duration `koanf:"step_timeout"`
	InstanceTimeout time.Duration `koanf:"instance_timeout"`
	RetryBackoff    time.Duration `koanf:"retry_backoff"`
}

// ReportingConfig controls the NATS record stream.
type ReportingConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// HostingConfig controls the code hosting integration.
type HostingConfig struct {
	Enabled bool   `koanf:"enabled"`
	Token   string `koanf:"token"`
	Owner   string `koanf:"owner"`
	Repo    string `koanf:"repo"`
}

// AIConfig controls the optional AI suggestion provider.
type AIConfig struct {
	Enabled           bool    `koanf:"enabled"`
	RequestsPerMinute float64 `koanf:"requests_per_minute"`
}

// WatchConfig controls filesystem watch mode.
type WatchConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Paths    []string      `koanf:"paths"`
	Debounce time.Duration `koanf:"debounce"`
}

// StorageConfig controls the SQLite database location.
type StorageConfig struct {
	Path string `koanf:"path"`
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Detector.ComplexityThreshold < 1 {
		return fmt.Errorf("detector.complexity_threshold must be >= 1, got %d", c.Detector.ComplexityThreshold)
	}
	if c.Fixer.ConfidenceThreshold < 0 || c.Fixer.ConfidenceThreshold > 1 {
		return fmt.Errorf("fixer.confidence_threshold must be in [0,1], got %f", c.Fixer.ConfidenceThreshold)
	}
	if c.Workflow.MaxConcurrent < 1 {
		return fmt.Errorf("workflow.max_concurrent must be >= 1, got %d", c.Workflow.MaxConcurrent)
	}
	if c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("workflow.max_retries must be >= 0, got %d", c.Workflow.MaxRetries)
	}
	if c.Patterns.Backend != "memory" && c.Patterns.Backend != "sqlite" {
		return fmt.Errorf("patterns.backend must be memory or sqlite, got %q", c.Patterns.Backend)
	}
	if c.Telemetry.Enabled && c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	if c.Patterns.HalfLife <= 0 {
		return fmt.Errorf("patterns.half_life must be positive, got %s", c.Patterns.HalfLife)
	}
	if c.Patterns.TTL <= 0 {
		return fmt.Errorf("patterns.ttl must be positive, got %s", c.Patterns.TTL)
	}
	return nil
}
