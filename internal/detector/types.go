package detector

import "fmt"

// Severity ranks how urgent an issue is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank returns a numeric rank for severity comparison. Higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Category groups rules by concern.
type Category string

const (
	CategoryQuality     Category = "quality"
	CategorySecurity    Category = "security"
	CategoryPerformance Category = "performance"
)

// Issue is a single finding in a single file.
type Issue struct {
	// ID is unique within one scan run and stable across identical inputs.
	ID       string   `json:"id"`
	RuleID   string   `json:"rule_id"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Path     string   `json:"path"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
	Message  string   `json:"message"`
	Snippet  string   `json:"snippet,omitempty"`
}

// FileInput is one file submitted for scanning.
type FileInput struct {
	Path    string
	Content []byte
}

// FileResult holds the analysis outcome for one file.
type FileResult struct {
	Path       string  `json:"path"`
	Issues     []Issue `json:"issues"`
	ParseError string  `json:"parse_error,omitempty"`
}

// Failed reports whether the file could not be analyzed.
func (r *FileResult) Failed() bool {
	return r.ParseError != ""
}

// ScanResult aggregates a batch scan.
type ScanResult struct {
	Files   []FileResult `json:"files"`
	Summary Summary      `json:"summary"`
}

// Summary carries scan-level counts for reporting.
type Summary struct {
	FilesScanned int                  `json:"files_scanned"`
	FilesFailed  int                  `json:"files_failed"`
	TotalIssues  int                  `json:"total_issues"`
	BySeverity   map[Severity]int     `json:"by_severity"`
	ByRule       map[string]int       `json:"by_rule"`
}

// Issues flattens all per-file issues in file order.
func (r *ScanResult) Issues() []Issue {
	var out []Issue
	for _, f := range r.Files {
		out = append(out, f.Issues...)
	}
	return out
}

func issueID(ruleID, path string, line, column, n int) string {
	if n == 0 {
		return fmt.Sprintf("%s@%s:%d:%d", ruleID, path, line, column)
	}
	return fmt.Sprintf("%s@%s:%d:%d#%d", ruleID, path, line, column, n)
}
