// Package fixer generates, validates, and applies fix suggestions.
//
// Suggestions come from an ordered source chain: rule-based templates
// first, then an optional AI provider with a per-call timeout and rate
// limit. A provider failure falls through to the next source.
//
// Application follows a strict protocol: snapshot the file, patch it,
// re-analyze, and commit only if the original issue is gone and no new
// critical or high issue appeared; otherwise the snapshot is restored
// byte-exactly. Applying a fix whose issue is already absent is a
// successful no-op with an empty diff. Every attempt, including validation
// rejections, produces a FixOutcome.
package fixer
