// Package patterns stores learned codebase conventions with a confidence
// model.
//
// Every pattern carries a confidence in [0,1] that is reinforced on each
// observation and decays exponentially with a configurable half-life.
// Patterns untouched past a hard TTL are deleted by Sweep; decay and TTL
// apply independently. All values pass through the secrets scrubber before
// persistence, and values from untrusted sources must additionally clear
// the fail-closed deep scan or the upsert is rejected.
//
// Upserts are atomic per (scope, type, value) key: concurrent upserts
// serialize through the store and combine mathematically rather than losing
// updates.
package patterns
