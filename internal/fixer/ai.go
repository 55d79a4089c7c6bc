package fixer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/reviewd/internal/detector"
)

// AISource asks a language model for a replacement line when no template
// applies. Calls are rate limited and bounded by a per-call timeout; any
// failure falls through to the next source in the chain.
type AISource struct {
	model   llms.Model
	limiter *rate.Limiter
	timeout time.Duration

	// confidence assigned to AI suggestions before outcome-based adjustment
	confidence float64
}

// NewAISource wraps a langchaingo model.
func NewAISource(model llms.Model, requestsPerMinute float64, timeout time.Duration) *AISource {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 10
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AISource{
		model:      model,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerMinute/60), 1),
		timeout:    timeout,
		confidence: 0.55,
	}
}

// Name identifies the source in outcomes.
func (a *AISource) Name() string { return "ai" }

// Suggest prompts the model for a single replacement line.
func (a *AISource) Suggest(ctx context.Context, issue detector.Issue, content string) (*Suggestion, error) {
	if a.model == nil {
		return nil, ErrNoSuggestion
	}

	line, ok := lineAt(content, issue.Line)
	if !ok {
		return nil, fmt.Errorf("%w: issue line %d out of range", ErrNoSuggestion, issue.Line)
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"You are fixing a Python code issue.\n"+
			"Rule: %s\nProblem: %s\nLine %d: %s\n\n"+
			"Reply with ONLY the corrected line of Python, no explanation, no markdown.",
		issue.RuleID, issue.Message, issue.Line, line)

	reply, err := llms.GenerateFromSinglePrompt(ctx, a.model, prompt)
	if err != nil {
		return nil, fmt.Errorf("ai suggestion failed: %w", err)
	}

	suggested := sanitizeReply(reply)
	if suggested == "" || suggested == strings.TrimSpace(line) {
		return nil, ErrNoSuggestion
	}

	// Preserve the original indentation
	indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]

	return &Suggestion{
		IssueID:     issue.ID,
		RuleID:      issue.RuleID,
		FixType:     FixTypeReplace,
		Line:        issue.Line,
		Original:    line,
		Suggested:   indent + suggested,
		Confidence:  a.confidence,
		Explanation: "model-suggested replacement",
		Source:      a.Name(),
	}, nil
}

// sanitizeReply strips markdown fences and surrounding noise from a model
// reply, keeping the first code line.
func sanitizeReply(reply string) string {
	reply = strings.TrimSpace(reply)
	for _, raw := range strings.Split(reply, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		return line
	}
	return ""
}
