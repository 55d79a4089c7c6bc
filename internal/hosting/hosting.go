// Package hosting files review requests with the code hosting service.
// Reviews land as issues on the target repository so humans can audit what
// the daemon changed and why. API calls retry transparently on rate limits
// and server errors.
package hosting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// Config configures the hosting integration.
type Config struct {
	// Token authenticates against the API.
	Token string `koanf:"token"`

	// Owner and Repo identify the repository receiving review requests.
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`

	// MaxRetries per API call (default: 3).
	MaxRetries int `koanf:"max_retries"`

	// InitialBackoff doubles per retry up to MaxBackoff
	// (defaults: 1s, 30s).
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Service files reviews with the hosting provider.
type Service struct {
	config *Config
	client *github.Client
	logger *zap.Logger
}

// NewService creates the integration from a token.
func NewService(cfg *Config, logger *zap.Logger) (*Service, error) {
	if cfg == nil || cfg.Token == "" {
		return nil, errors.New("hosting token is required")
	}
	client := github.NewClient(nil).WithAuthToken(cfg.Token)
	return NewServiceWithClient(cfg, client, logger)
}

// NewServiceWithClient wraps an existing client, used by tests to point at
// a fake API.
func NewServiceWithClient(cfg *Config, client *github.Client, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("hosting config is required")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("hosting owner and repo are required")
	}
	if client == nil {
		return nil, errors.New("hosting client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Service{config: cfg, client: client, logger: logger}, nil
}

// CreateReviewRequest files the execution as an issue and returns its URL
// as the audit reference.
func (s *Service) CreateReviewRequest(ctx context.Context, exec *workflow.Execution) (string, error) {
	if exec == nil {
		return "", errors.New("execution is required")
	}

	title := fmt.Sprintf("Automated review %s: %s", shortID(exec.ID), string(exec.Status))
	body := renderBody(exec)
	req := &github.IssueRequest{
		Title:  github.String(title),
		Body:   github.String(body),
		Labels: &[]string{"automated-review"},
	}

	var issue *github.Issue
	err := s.retry(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = s.client.Issues.Create(ctx, s.config.Owner, s.config.Repo, req)
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create review request: %w", err)
	}

	s.logger.Info("review request filed",
		zap.String("workflow_id", exec.ID),
		zap.String("issue", issue.GetHTMLURL()))
	return issue.GetHTMLURL(), nil
}

// retry runs the operation with exponential backoff on retryable failures.
func (s *Service) retry(ctx context.Context, op func() (*github.Response, error)) error {
	backoff := s.config.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		resp, err := op()
		if err == nil {
			if attempt > 0 {
				s.logger.Info("hosting API recovered after retries",
					zap.Int("attempts", attempt))
			}
			return nil
		}
		lastErr = err

		if !retryable(resp) {
			return err
		}
		if attempt == s.config.MaxRetries {
			break
		}

		s.logger.Warn("hosting API error, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
			if backoff > s.config.MaxBackoff {
				backoff = s.config.MaxBackoff
			}
		}
	}
	return fmt.Errorf("hosting API failed after %d retries: %w", s.config.MaxRetries, lastErr)
}

// retryable reports whether the response status warrants another attempt.
func retryable(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		// Transport-level failure, worth retrying
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// renderBody formats the execution for humans. Only rule identifiers and
// counts appear; no file content is ever included.
func renderBody(exec *workflow.Execution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow `%s` finished with status **%s**.\n\n", exec.ID, exec.Status)

	if exec.Summary != nil {
		fmt.Fprintf(&b, "Scanned %d files, %d issues found.\n\n", exec.Summary.FilesScanned, exec.Summary.TotalIssues)
		if len(exec.Summary.ByRule) > 0 {
			rules := make([]string, 0, len(exec.Summary.ByRule))
			for rule := range exec.Summary.ByRule {
				rules = append(rules, rule)
			}
			sort.Strings(rules)

			b.WriteString("| Rule | Count |\n|---|---|\n")
			for _, rule := range rules {
				fmt.Fprintf(&b, "| %s | %d |\n", rule, exec.Summary.ByRule[rule])
			}
			b.WriteString("\n")
		}
	}

	applied, rolledBack := 0, 0
	for _, o := range exec.Outcomes {
		if o.Success && o.Diff != "" {
			applied++
		}
		if o.RollbackPerformed {
			rolledBack++
		}
	}
	fmt.Fprintf(&b, "Fixes applied: %d, rolled back: %d, skipped: %d.\n", applied, rolledBack, exec.Skipped)
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Compile-time check.
var _ workflow.Integrator = (*Service)(nil)
