// Package history reads recent commits from a local git repository so the
// learner can mine team conventions from real changes. Merge commits are
// skipped; only first-parent content changes carry style signal.
package history
