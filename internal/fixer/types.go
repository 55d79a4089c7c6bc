package fixer

import (
	"errors"
	"time"
)

// FixType describes the shape of a suggested change.
type FixType string

const (
	FixTypeReplace  FixType = "replace"
	FixTypeInsert   FixType = "insert"
	FixTypeDelete   FixType = "delete"
	FixTypeRefactor FixType = "refactor"
)

var (
	// ErrNoSuggestion means no source produced a suggestion for the issue.
	ErrNoSuggestion = errors.New("no suggestion available")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("fixer service is closed")
)

// Suggestion is a proposed fix for one issue.
type Suggestion struct {
	IssueID     string  `json:"issue_id"`
	RuleID      string  `json:"rule_id"`
	FixType     FixType `json:"fix_type"`
	Line        int     `json:"line"`
	Original    string  `json:"original"`
	Suggested   string  `json:"suggested"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
	Source      string  `json:"source"`
}

// FixOutcome records one fix attempt, applied or rejected.
type FixOutcome struct {
	FixID             string    `json:"fix_id"`
	IssueID           string    `json:"issue_id"`
	WorkflowID        string    `json:"workflow_id"`
	RuleID            string    `json:"rule_id"`
	FixType           FixType   `json:"fix_type"`
	Success           bool      `json:"success"`
	ValidationErrors  []string  `json:"validation_errors,omitempty"`
	RollbackPerformed bool      `json:"rollback_performed"`
	BackupRef         string    `json:"backup_ref,omitempty"`
	Diff              string    `json:"diff,omitempty"`
	AppliedAt         time.Time `json:"applied_at"`
}
