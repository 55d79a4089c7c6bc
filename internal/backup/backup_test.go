package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(filepath.Join(t.TempDir(), "backups"), nil)
	require.NoError(t, err)
	return svc
}

func TestSnapshotAndRestore(t *testing.T) {
	svc := newTestService(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "module.py")
	original := []byte("import os\n\nprint(os.getcwd())\n")
	require.NoError(t, os.WriteFile(path, original, 0644))

	b, err := svc.Snapshot(path, original)
	require.NoError(t, err)
	assert.Equal(t, path, b.Path)
	assert.Equal(t, int64(len(original)), b.Size)

	// Mutate the file, then roll back
	require.NoError(t, os.WriteFile(path, []byte("broken"), 0644))
	require.NoError(t, svc.Restore(b.Ref))

	restored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestRestore_PreservesFileMode(t *testing.T) {
	svc := newTestService(t)

	path := filepath.Join(t.TempDir(), "run.py")
	original := []byte("#!/usr/bin/env python\nprint(1)\n")
	require.NoError(t, os.WriteFile(path, original, 0755))

	b, err := svc.Snapshot(path, original)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("broken"), 0755))
	require.NoError(t, svc.Restore(b.Ref))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestSnapshot_DistinctRefsPerCall(t *testing.T) {
	svc := newTestService(t)
	path := filepath.Join(t.TempDir(), "a.py")

	b1, err := svc.Snapshot(path, []byte("v1"))
	require.NoError(t, err)
	b2, err := svc.Snapshot(path, []byte("v2"))
	require.NoError(t, err)
	assert.NotEqual(t, b1.Ref, b2.Ref)

	require.NoError(t, svc.Restore(b1.Ref))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), content)
}

func TestRestore_CorruptionHaltsFile(t *testing.T) {
	backupDir := filepath.Join(t.TempDir(), "backups")
	svc, err := NewService(backupDir, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "a.py")
	b, err := svc.Snapshot(path, []byte("original content"))
	require.NoError(t, err)

	// Corrupt the stored backup behind the service's back
	require.NoError(t, os.WriteFile(filepath.Join(backupDir, b.Ref+".bak"), []byte("tampered"), 0600))

	err = svc.Restore(b.Ref)
	require.ErrorIs(t, err, ErrCorrupted)
	assert.True(t, svc.IsHalted(path))

	// Halted files refuse new snapshots until cleared
	_, err = svc.Snapshot(path, []byte("more"))
	require.ErrorIs(t, err, ErrHalted)

	svc.ClearHalt(path)
	assert.False(t, svc.IsHalted(path))
	_, err = svc.Snapshot(path, []byte("more"))
	require.NoError(t, err)
}

func TestVerify(t *testing.T) {
	backupDir := filepath.Join(t.TempDir(), "backups")
	svc, err := NewService(backupDir, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "a.py")
	b, err := svc.Snapshot(path, []byte("content"))
	require.NoError(t, err)
	require.NoError(t, svc.Verify(b.Ref))

	require.NoError(t, os.WriteFile(filepath.Join(backupDir, b.Ref+".bak"), []byte("x"), 0600))
	assert.ErrorIs(t, svc.Verify(b.Ref), ErrCorrupted)
}

func TestRestore_UnknownRef(t *testing.T) {
	svc := newTestService(t)
	assert.ErrorIs(t, svc.Restore("no-such-ref"), ErrNotFound)
}
