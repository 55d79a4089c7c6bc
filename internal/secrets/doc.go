// Package secrets detects and redacts credential material before it can
// reach the pattern store or any persisted record.
//
// Two layers are provided. The regex Scrubber handles the hot path with a
// curated rule set and an allow list. ConfirmSafe is the fail-closed deep
// scan backed by the gitleaks detector; values from untrusted sources must
// pass it before persistence, and any scan error counts as unsafe.
package secrets
