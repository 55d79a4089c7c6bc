// Package config provides configuration loading for reviewd.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_ADDR, DETECTOR_COMPLEXITY_THRESHOLD, etc.)
//  2. YAML config file (~/.config/reviewd/config.yaml)
//  3. Hardcoded defaults
//
// The config file MUST have 0600 or 0400 permissions and live under
// ~/.config/reviewd/ or /etc/reviewd/. Files over 1MB are rejected.
//
// Environment variables split on the first underscore into section.field:
//
//	SERVER_ADDR                   -> server.addr
//	DETECTOR_COMPLEXITY_THRESHOLD -> detector.complexity_threshold
//	WORKFLOW_STEP_TIMEOUT         -> workflow.step_timeout
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "reviewd", "config.yaml")
	}

	// Validate config path (even if file doesn't exist)
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a TOCTOU race
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}

		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Override with environment variables.
	// Split on the first underscore only: section.field_name
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a fully defaulted, valid configuration without touching
// the filesystem or environment.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// EnsureConfigDir creates the reviewd config directory if it doesn't exist.
// The directory is created with 0700 permissions (owner only).
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "reviewd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so a link cannot escape the allowed directories
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Symlink evaluation fails for paths that don't exist yet
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "reviewd"),
		"/etc/reviewd",
	}

	allowed := false
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			allowed = true
			break
		}
	}

	if !allowed {
		return fmt.Errorf("config file must be in ~/.config/reviewd/ or /etc/reviewd/")
	}

	return nil
}

// validateConfigFileProperties checks file permissions and size using
// FileInfo from an already-opened descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	// Windows has a different permission model
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":9180"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "reviewd"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.Detector.ComplexityThreshold == 0 {
		cfg.Detector.ComplexityThreshold = 10
	}
	if cfg.Detector.UnusedPrefix == "" {
		cfg.Detector.UnusedPrefix = "_"
	}
	if cfg.Detector.MaxWorkers == 0 {
		cfg.Detector.MaxWorkers = 4
	}
	if cfg.Detector.MaxFileSize == 0 {
		cfg.Detector.MaxFileSize = 2 * 1024 * 1024
	}

	if cfg.Patterns.Backend == "" {
		cfg.Patterns.Backend = "memory"
	}
	if cfg.Patterns.HalfLife == 0 {
		cfg.Patterns.HalfLife = 90 * 24 * time.Hour
	}
	if cfg.Patterns.TTL == 0 {
		cfg.Patterns.TTL = 365 * 24 * time.Hour
	}
	if cfg.Patterns.SweepEvery == 0 {
		cfg.Patterns.SweepEvery = time.Hour
	}
	if cfg.Patterns.MaxPerScope == 0 {
		cfg.Patterns.MaxPerScope = 1000
	}

	if cfg.Fixer.ConfidenceThreshold == 0 {
		cfg.Fixer.ConfidenceThreshold = 0.7
	}
	if cfg.Fixer.AITimeout == 0 {
		cfg.Fixer.AITimeout = 30 * time.Second
	}
	if cfg.Fixer.BackupDir == "" {
		cfg.Fixer.BackupDir = ".reviewd/backups"
	}

	if cfg.Learner.HistoryCommits == 0 {
		cfg.Learner.HistoryCommits = 200
	}
	if cfg.Learner.MinCommits == 0 {
		cfg.Learner.MinCommits = 10
	}
	if len(cfg.Learner.SensitivePaths) == 0 {
		cfg.Learner.SensitivePaths = []string{".env", "secrets/", "credentials", ".pem", ".key"}
	}

	if cfg.Workflow.MaxConcurrent == 0 {
		cfg.Workflow.MaxConcurrent = 4
	}
	if cfg.Workflow.MaxRetries == 0 {
		cfg.Workflow.MaxRetries = 3
	}
	if cfg.Workflow.StepTimeout == 0 {
		cfg.Workflow.StepTimeout = 2 * time.Minute
	}
	if cfg.Workflow.InstanceTimeout == 0 {
		cfg.Workflow.InstanceTimeout = 15 * time.Minute
	}
	if cfg.Workflow.RetryBackoff == 0 {
		cfg.Workflow.RetryBackoff = time.Second
	}

	if cfg.Reporting.SubjectPrefix == "" {
		cfg.Reporting.SubjectPrefix = "reviewd"
	}
	if cfg.Reporting.URL == "" {
		cfg.Reporting.URL = "nats://127.0.0.1:4222"
	}

	if cfg.AI.RequestsPerMinute == 0 {
		cfg.AI.RequestsPerMinute = 10
	}

	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 2 * time.Second
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "reviewd.db"
	}
}
