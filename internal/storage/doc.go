// Package storage opens and migrates the shared SQLite database used by the
// pattern store, the fix outcome log, and the workflow checkpoint store.
package storage
