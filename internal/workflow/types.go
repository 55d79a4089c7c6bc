package workflow

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/reviewd/internal/detector"
	"github.com/fyrsmithlabs/reviewd/internal/fixer"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// Step names the pipeline stages, in execution order.
type Step string

const (
	StepPredict   Step = "predict"
	StepAnalyze   Step = "analyze"
	StepFix       Step = "fix"
	StepIntegrate Step = "integrate"
	StepLearn     Step = "learn"
)

var stepOrder = []Step{StepPredict, StepAnalyze, StepFix, StepIntegrate, StepLearn}

var (
	// ErrNotFound means no execution exists with the given ID.
	ErrNotFound = errors.New("workflow not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("workflow coordinator is closed")
)

// ReviewRequest asks for one repository review pass.
type ReviewRequest struct {
	// RepoPath is the repository root on disk.
	RepoPath string `json:"repo_path"`

	// Paths optionally narrows the scan to specific files. Empty means the
	// whole repository.
	Paths []string `json:"paths,omitempty"`

	// Scope keys learned patterns, typically "repo:<name>".
	Scope string `json:"scope"`
}

// Execution is the observable state of one workflow run.
type Execution struct {
	ID      string        `json:"id"`
	Request ReviewRequest `json:"request"`
	Status  Status        `json:"status"`
	Step    Step          `json:"step"`
	Error   string        `json:"error,omitempty"`

	// Cursor is the index of the next issue the fix step will attempt.
	Cursor int `json:"cursor"`

	// Sequence is the checkpoint counter, monotonic per execution.
	Sequence int `json:"sequence"`

	// Conventions are the ranked pattern values predicted for this scope.
	Conventions []string `json:"conventions,omitempty"`

	Summary  *detector.Summary  `json:"summary,omitempty"`
	Outcomes []fixer.FixOutcome `json:"outcomes,omitempty"`

	// Skipped counts issues with no applicable fix.
	Skipped int `json:"skipped"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
