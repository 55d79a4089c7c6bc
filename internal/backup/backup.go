// Package backup takes integrity-checked snapshots of files before they are
// modified and restores them byte-exactly on rollback.
//
// Each snapshot is keyed by file path and timestamp and stored with a
// sha256 sidecar. A checksum mismatch on restore marks the file as halted:
// no further automated fixes may touch it until the halt is cleared
// manually.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrCorrupted means a backup failed its integrity check. The affected
	// file is halted for automated fixes.
	ErrCorrupted = errors.New("backup is corrupted")

	// ErrHalted means the file has a corrupted backup on record and must be
	// cleared manually before automated fixes resume.
	ErrHalted = errors.New("automated fixes halted for file")

	// ErrNotFound means no backup exists for the given reference.
	ErrNotFound = errors.New("backup not found")
)

// Backup describes one stored snapshot.
type Backup struct {
	// Ref is the opaque key used to restore this snapshot.
	Ref       string    `json:"ref"`
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Service snapshots and restores files.
type Service struct {
	dir    string
	logger *zap.Logger

	mu     sync.Mutex
	halted map[string]bool // file path -> fixes halted
}

// NewService creates a backup service rooted at dir.
func NewService(dir string, logger *zap.Logger) (*Service, error) {
	if dir == "" {
		return nil, errors.New("backup directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Service{
		dir:    dir,
		logger: logger,
		halted: make(map[string]bool),
	}, nil
}

// Snapshot stores content as the pre-modification state of path. It
// verifies the written copy before returning; the snapshot only counts once
// it is durably correct.
func (s *Service) Snapshot(path string, content []byte) (*Backup, error) {
	if s.IsHalted(path) {
		return nil, fmt.Errorf("%w: %s", ErrHalted, path)
	}

	now := time.Now()
	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])

	pathKey := sha256.Sum256([]byte(path))
	ref := fmt.Sprintf("%s-%d", hex.EncodeToString(pathKey[:8]), now.UnixNano())

	if err := writeFileAtomic(s.backupFile(ref), content, 0600); err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}

	meta := fmt.Sprintf("%s\n%s\n", checksum, path)
	if err := writeFileAtomic(s.sidecarFile(ref), []byte(meta), 0600); err != nil {
		return nil, fmt.Errorf("failed to write backup sidecar: %w", err)
	}

	// Read back and verify before trusting the snapshot
	stored, err := os.ReadFile(s.backupFile(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to verify backup: %w", err)
	}
	storedSum := sha256.Sum256(stored)
	if hex.EncodeToString(storedSum[:]) != checksum {
		s.halt(path)
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, ref)
	}

	return &Backup{
		Ref:       ref,
		Path:      path,
		Checksum:  checksum,
		Size:      int64(len(content)),
		CreatedAt: now,
	}, nil
}

// Restore writes the snapshot back to its original path, byte-exact. A
// checksum mismatch halts the file and returns ErrCorrupted.
func (s *Service) Restore(ref string) error {
	checksum, path, err := s.readSidecar(ref)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(s.backupFile(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return fmt.Errorf("failed to read backup: %w", err)
	}

	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != checksum {
		s.halt(path)
		s.logger.Error("backup integrity check failed",
			zap.String("ref", ref),
			zap.String("path", path))
		return fmt.Errorf("%w: %s", ErrCorrupted, ref)
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := writeFileAtomic(path, content, mode); err != nil {
		return fmt.Errorf("failed to restore %s: %w", path, err)
	}
	return nil
}

// Verify checks a snapshot's integrity without restoring it.
func (s *Service) Verify(ref string) error {
	checksum, path, err := s.readSidecar(ref)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(s.backupFile(ref))
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != checksum {
		s.halt(path)
		return fmt.Errorf("%w: %s", ErrCorrupted, ref)
	}
	return nil
}

// IsHalted reports whether automated fixes are halted for path.
func (s *Service) IsHalted(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted[path]
}

// ClearHalt lifts the manual halt on a file after operator review.
func (s *Service) ClearHalt(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.halted, path)
}

func (s *Service) halt(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted[path] = true
}

func (s *Service) backupFile(ref string) string {
	return filepath.Join(s.dir, ref+".bak")
}

func (s *Service) sidecarFile(ref string) string {
	return filepath.Join(s.dir, ref+".bak.sha256")
}

func (s *Service) readSidecar(ref string) (checksum, path string, err error) {
	raw, err := os.ReadFile(s.sidecarFile(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", "", fmt.Errorf("failed to read backup sidecar: %w", err)
	}
	lines := strings.SplitN(string(raw), "\n", 3)
	if len(lines) < 2 || len(lines[0]) != sha256.Size*2 || lines[1] == "" {
		return "", "", fmt.Errorf("%w: malformed sidecar for %s", ErrCorrupted, ref)
	}
	return lines[0], lines[1], nil
}

// writeFileAtomic writes via a temp file and rename in the target directory.
func writeFileAtomic(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".reviewd-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
