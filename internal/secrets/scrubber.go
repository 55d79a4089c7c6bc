package secrets

import (
	"sort"
	"strings"
	"time"
)

// Scrubber detects and redacts secrets from content.
type Scrubber interface {
	// Scrub redacts secrets from the content.
	Scrub(content string) *Result

	// Check detects secrets without redacting.
	Check(content string) *Result

	// IsEnabled returns whether scrubbing is enabled.
	IsEnabled() bool
}

// scrubber is the regexp-rule implementation. The compiled rule set is
// immutable after New, so no locking is needed.
type scrubber struct {
	config *Config
}

// span is a half-open [start, end) byte range slated for redaction.
type span struct {
	start, end int
}

// New creates a Scrubber. A nil config gets DefaultConfig().
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &scrubber{config: cfg}, nil
}

// MustNew creates a Scrubber, panicking on error.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Scrub redacts secrets from the content.
func (s *scrubber) Scrub(content string) *Result {
	started := time.Now()
	result := &Result{
		Original: content,
		Scrubbed: content,
		Findings: make([]Finding, 0),
		ByRule:   make(map[string]int),
	}

	if !s.config.Enabled {
		result.Duration = time.Since(started)
		return result
	}

	spans := s.collect(content, result)
	result.TotalFindings = len(result.Findings)

	if len(spans) > 0 {
		result.Scrubbed = s.redact(content, spans)
	}

	result.Duration = time.Since(started)
	return result
}

// Check detects secrets without redacting.
func (s *scrubber) Check(content string) *Result {
	result := s.Scrub(content)
	result.Scrubbed = result.Original
	return result
}

// IsEnabled returns whether scrubbing is enabled.
func (s *scrubber) IsEnabled() bool {
	return s.config.Enabled
}

// collect runs every rule over the content, appending findings to result
// and returning the byte ranges to redact.
func (s *scrubber) collect(content string, result *Result) []span {
	var spans []span

	for _, rule := range s.config.compiledRules {
		if !rule.keywordPresent(content) {
			continue
		}

		for _, match := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.isAllowed(content[match[0]:match[1]]) {
				continue
			}

			result.Findings = append(result.Findings, Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Severity:    rule.Severity,
				StartIndex:  match[0],
				EndIndex:    match[1],
				Line:        strings.Count(content[:match[0]], "\n") + 1,
			})
			result.ByRule[rule.ID]++

			spans = append(spans, span{start: match[0], end: match[1]})
		}
	}

	return spans
}

// redact rebuilds the content with every span replaced by the redaction
// string. Overlapping spans from different rules collapse into one
// replacement.
func (s *scrubber) redact(content string, spans []span) string {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	b.Grow(len(content))

	cursor := 0
	for _, sp := range mergeSpans(spans) {
		if sp.start < cursor {
			continue
		}
		b.WriteString(content[cursor:sp.start])
		b.WriteString(s.config.RedactionString)
		cursor = sp.end
	}
	b.WriteString(content[cursor:])

	return b.String()
}

// keywordPresent reports whether any of the rule's keyword gates match.
// Rules without keywords always run.
func (r *compiledRule) keywordPresent(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

// isAllowed checks if the match is covered by the allow list.
func (s *scrubber) isAllowed(match string) bool {
	for _, pattern := range s.config.compiledAllowList {
		if pattern.MatchString(match) {
			return true
		}
	}
	return false
}

// mergeSpans merges overlapping or adjacent spans. Input must be sorted by
// start position ascending.
func mergeSpans(spans []span) []span {
	if len(spans) == 0 {
		return spans
	}

	merged := []span{spans[0]}
	for _, cur := range spans[1:] {
		last := &merged[len(merged)-1]
		if cur.start <= last.end {
			if cur.end > last.end {
				last.end = cur.end
			}
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}

// NoopScrubber passes content through unchanged. Used where scrubbing is
// disabled and in tests.
type NoopScrubber struct{}

// Scrub returns content unchanged.
func (n *NoopScrubber) Scrub(content string) *Result {
	return &Result{
		Original: content,
		Scrubbed: content,
		Findings: make([]Finding, 0),
		ByRule:   make(map[string]int),
	}
}

// Check returns content unchanged.
func (n *NoopScrubber) Check(content string) *Result {
	return n.Scrub(content)
}

// IsEnabled returns false.
func (n *NoopScrubber) IsEnabled() bool {
	return false
}

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = (*NoopScrubber)(nil)
)
