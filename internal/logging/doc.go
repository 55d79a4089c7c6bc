// Package logging provides structured, context-aware logging for reviewd.
//
// It wraps zap with trace correlation and workflow/request propagation so
// every log line emitted while a workflow instance runs carries the same
// correlation fields regardless of which component emitted it.
package logging
