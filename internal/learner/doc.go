// Package learner closes the feedback loop: it records every fix outcome,
// adjusts suggestion confidence from observed success rates, and mines team
// conventions from repository history into the pattern store.
//
// Convention mining treats repository content as untrusted. Commits touching
// sensitive paths are excluded entirely, and only style labels (never code
// values) are persisted.
package learner
