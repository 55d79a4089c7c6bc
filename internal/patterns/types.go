package patterns

import (
	"errors"
	"time"
)

// Source marks where a pattern value came from. Values extracted from
// repository content are untrusted until the deep scan clears them.
type Source string

const (
	SourceTrusted   Source = "trusted"
	SourceUntrusted Source = "untrusted"
)

// Well-known pattern types.
const (
	TypeNamingStyle = "naming_style"
	TypeImportStyle = "import_style"
	TypeFixTemplate = "fix_template"
)

var (
	// ErrSecretRejected means the value could not be positively cleared of
	// credential material and was not persisted.
	ErrSecretRejected = errors.New("pattern value rejected: possible secret")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pattern store is closed")
)

// Pattern is one learned convention within a scope.
type Pattern struct {
	Scope      string    `json:"scope"`
	Type       string    `json:"type"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Frequency  int       `json:"frequency"`
	Source     Source    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RankedPattern is a pattern with its recency-decayed effective confidence.
type RankedPattern struct {
	Pattern
	Effective float64 `json:"effective"`
}

// UpsertRequest reinforces (or creates) one pattern.
type UpsertRequest struct {
	Scope  string
	Type   string
	Value  string
	Weight float64
	Source Source
}
