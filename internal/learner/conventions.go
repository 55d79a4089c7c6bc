package learner

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/patterns"
)

// Mined style labels. Only these labels ever reach the pattern store;
// repository content itself is never persisted.
const (
	StyleSnakeCase  = "snake_case"
	StyleCamelCase  = "camelCase"
	StylePascalCase = "PascalCase"

	StyleFromImport  = "from_import"
	StylePlainImport = "plain_import"
)

var (
	addedDefRe    = regexp.MustCompile(`^\+\s*def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	addedAssignRe = regexp.MustCompile(`^\+\s*([A-Za-z_][A-Za-z0-9_]*)\s*=[^=]`)
	addedFromRe   = regexp.MustCompile(`^\+\s*from\s+\S+\s+import\s`)
	addedImportRe = regexp.MustCompile(`^\+\s*import\s+\S+`)
)

// LearnConventions mines recent commits. Below MinCommits of usable history
// the built-in defaults are reinforced instead, so a fresh repository still
// gets consistent suggestions.
func (s *service) LearnConventions(ctx context.Context, repoPath, scope string) (*ConventionReport, error) {
	ctx, span := s.tracer.Start(ctx, "learner.learn_conventions")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("scope", scope))

	changes, err := s.reader.ListChanges(ctx, repoPath, s.config.HistoryCommits)
	if err != nil {
		return nil, fmt.Errorf("failed to list repository history: %w", err)
	}

	report := &ConventionReport{
		NamingCounts: make(map[string]int),
		ImportCounts: make(map[string]int),
	}

	for _, change := range changes {
		if s.touchesSensitivePath(change.Paths) {
			report.SkippedSensitive++
			continue
		}
		report.CommitsAnalyzed++
		mineDiff(change.Diff, report.NamingCounts, report.ImportCounts)
	}

	if report.CommitsAnalyzed < s.config.MinCommits {
		report.UsedDefaults = true
		s.logger.Info("insufficient history, reinforcing default conventions",
			zap.Int("commits", report.CommitsAnalyzed),
			zap.Int("min_commits", s.config.MinCommits))
		if err := s.reinforce(ctx, scope, patterns.TypeNamingStyle, StyleSnakeCase, 0.3, patterns.SourceTrusted, report); err != nil {
			return report, err
		}
		if err := s.reinforce(ctx, scope, patterns.TypeImportStyle, StyleFromImport, 0.3, patterns.SourceTrusted, report); err != nil {
			return report, err
		}
		return report, nil
	}

	if label, weight := dominant(report.NamingCounts); label != "" {
		if err := s.reinforce(ctx, scope, patterns.TypeNamingStyle, label, weight, patterns.SourceUntrusted, report); err != nil {
			return report, err
		}
	}
	if label, weight := dominant(report.ImportCounts); label != "" {
		if err := s.reinforce(ctx, scope, patterns.TypeImportStyle, label, weight, patterns.SourceUntrusted, report); err != nil {
			return report, err
		}
	}

	return report, nil
}

func (s *service) reinforce(ctx context.Context, scope, patternType, value string, weight float64, source patterns.Source, report *ConventionReport) error {
	_, err := s.patterns.Upsert(ctx, &patterns.UpsertRequest{
		Scope:  scope,
		Type:   patternType,
		Value:  value,
		Weight: weight,
		Source: source,
	})
	if err != nil {
		return fmt.Errorf("failed to reinforce %s pattern: %w", patternType, err)
	}
	report.Applied = append(report.Applied, patternType+"="+value)
	if s.learnedCounter != nil {
		s.learnedCounter.Add(ctx, 1)
	}
	return nil
}

func (s *service) touchesSensitivePath(paths []string) bool {
	for _, p := range paths {
		lower := strings.ToLower(p)
		for _, fragment := range s.config.SensitivePaths {
			if strings.Contains(lower, fragment) {
				return true
			}
		}
	}
	return false
}

// mineDiff counts style signals on added lines only. Removed code is the
// team moving away from something and must not reinforce it.
func mineDiff(diff string, naming, imports map[string]int) {
	for _, line := range strings.Split(diff, "\n") {
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}

		if m := addedDefRe.FindStringSubmatch(line); m != nil {
			if label := classifyNaming(m[1]); label != "" {
				naming[label]++
			}
			continue
		}
		if addedFromRe.MatchString(line) {
			imports[StyleFromImport]++
			continue
		}
		if addedImportRe.MatchString(line) {
			imports[StylePlainImport]++
			continue
		}
		if m := addedAssignRe.FindStringSubmatch(line); m != nil {
			if label := classifyNaming(m[1]); label != "" {
				naming[label]++
			}
		}
	}
}

// classifyNaming labels an identifier's case style, or "" when the name is
// a single lowercase word and carries no signal.
func classifyNaming(name string) string {
	hasUnderscore := strings.Contains(strings.Trim(name, "_"), "_")
	hasUpper := false
	for _, r := range name {
		if unicode.IsUpper(r) {
			hasUpper = true
			break
		}
	}

	switch {
	case hasUnderscore && !hasUpper:
		return StyleSnakeCase
	case !hasUnderscore && hasUpper && unicode.IsUpper(rune(name[0])):
		return StylePascalCase
	case !hasUnderscore && hasUpper:
		return StyleCamelCase
	default:
		return ""
	}
}

// dominant returns the most frequent label and a reinforcement weight
// proportional to how decisively it wins.
func dominant(counts map[string]int) (string, float64) {
	total := 0
	best, bestN := "", 0
	for label, n := range counts {
		total += n
		if n > bestN || (n == bestN && label < best) {
			best, bestN = label, n
		}
	}
	if total == 0 {
		return "", 0
	}
	share := float64(bestN) / float64(total)
	return best, 0.1 + 0.4*share
}
