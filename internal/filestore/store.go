// Package filestore is the shared object store for keys, inputs, outputs and
// result-cache backups.
//
// The store has two logical areas: the live area holds keys, inputs and fresh
// outputs; the backup area holds promoted result copies named
// "backup.<uid>.<task_id>.<rendered-template>". Both areas may be the same
// directory. Every name that originates from a client passes through
// safeJoin, which rejects anything that would escape the configured root.
package filestore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/bobmcallan/fhegate/internal/common"
)

// ErrInvalidPath marks a client-supplied name that would escape the store
// root or contains forbidden bytes. The front-end maps it to 400.
var ErrInvalidPath = errors.New("invalid path")

// ErrNotFound marks a missing object.
var ErrNotFound = errors.New("file not found")

// Store provides access to the live and backup areas.
type Store struct {
	sharedDir string
	backupDir string
	logger    *common.Logger
}

// NewStore creates the store, ensuring both areas exist.
func NewStore(logger *common.Logger, cfg common.FilesConfig) (*Store, error) {
	shared, err := filepath.Abs(cfg.SharedDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve shared dir: %w", err)
	}
	backup := cfg.BackupDir
	if backup == "" {
		backup = cfg.SharedDir
	}
	backup, err = filepath.Abs(backup)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve backup dir: %w", err)
	}

	for _, dir := range []string{shared, backup} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	return &Store{sharedDir: shared, backupDir: backup, logger: logger}, nil
}

// SharedDir returns the live area root.
func (s *Store) SharedDir() string { return s.sharedDir }

// BackupDir returns the backup area root.
func (s *Store) BackupDir() string { return s.backupDir }

// ValidateName rejects client input that cannot be a plain filename
// component: empty strings, NUL bytes, path separators, and traversal.
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidPath
	}
	if strings.ContainsRune(name, 0) {
		return ErrInvalidPath
	}
	if strings.ContainsAny(name, "/\\") {
		return ErrInvalidPath
	}
	if !filepath.IsLocal(name) {
		return ErrInvalidPath
	}
	return nil
}

// safeJoin reduces root+name to a canonical absolute path and verifies it
// stays inside root.
func safeJoin(root, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	path := filepath.Join(root, name)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel != name {
		return "", ErrInvalidPath
	}
	return path, nil
}

// KeyFilename returns the evaluation-key filename for a uid.
func KeyFilename(uid string) string {
	return uid + ".serverKey"
}

// KeyPath resolves the evaluation-key path for a uid within the live area.
func (s *Store) KeyPath(uid string) (string, error) {
	return safeJoin(s.sharedDir, KeyFilename(uid))
}

// HasKey reports whether the evaluation key for a uid exists.
func (s *Store) HasKey(uid string) bool {
	path, err := s.KeyPath(uid)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// WriteLive writes a whole file into the live area, replacing any existing
// entry. The write goes to a temp file first and is committed by rename.
func (s *Store) WriteLive(name string, data []byte) error {
	path, err := safeJoin(s.sharedDir, name)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// ReadLive reads a whole file from the live area.
func (s *Store) ReadLive(name string) ([]byte, error) {
	path, err := safeJoin(s.sharedDir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// ReadBackup reads a whole file from the backup area.
func (s *Store) ReadBackup(name string) ([]byte, error) {
	path, err := safeJoin(s.backupDir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read backup %s: %w", name, err)
	}
	return data, nil
}

// BackupFilename builds the durable-cache name for one output template.
// The template's {uid} placeholder is rendered with "<uid>.<task_id>" and
// the result is prefixed with "backup.", yielding
// "backup.<uid>.<task_id>.<rest-of-template>".
func BackupFilename(template, uid, taskID, taskName string) string {
	rendered := strings.ReplaceAll(template, "{uid}", uid+"."+taskID)
	rendered = strings.ReplaceAll(rendered, "{task_name}", taskName)
	return "backup." + rendered
}

// BackupInfo describes the backup copies found for one task.
type BackupInfo struct {
	Files   []string // filenames within the backup area, sorted
	ModTime time.Time
}

// FindBackups scans the backup area for promoted outputs of (uid, taskID).
// Returns nil when none exist. Client identifiers are validated before the
// scan so a traversal attempt can never influence the pattern.
func (s *Store) FindBackups(uid, taskID string) (*BackupInfo, error) {
	if err := ValidateName(uid); err != nil {
		return nil, err
	}
	if err := ValidateName(taskID); err != nil {
		return nil, err
	}

	pattern := filepath.Join(s.backupDir, "backup."+uid+"."+taskID+".*output*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to scan backup area: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Strings(matches)

	info := &BackupInfo{}
	for _, m := range matches {
		info.Files = append(info.Files, filepath.Base(m))
	}
	if st, err := os.Stat(matches[0]); err == nil {
		info.ModTime = st.ModTime()
	}
	return info, nil
}

// Promote copies a live output into the backup area under backupName.
// An existing backup copy is left untouched. Returns the blake2b digest of
// the promoted bytes.
func (s *Store) Promote(liveName, backupName string) (string, error) {
	dst, err := safeJoin(s.backupDir, backupName)
	if err != nil {
		return "", err
	}

	data, err := s.ReadLive(liveName)
	if err != nil {
		return "", err
	}
	digest := Digest(data)

	if _, err := os.Stat(dst); err == nil {
		return digest, nil
	}

	if err := writeAtomic(dst, data); err != nil {
		return "", fmt.Errorf("failed to promote %s: %w", liveName, err)
	}

	if s.logger != nil {
		s.logger.Debug().
			Str("live", liveName).
			Str("backup", backupName).
			Int("bytes", len(data)).
			Msg("Output promoted to backup area")
	}
	return digest, nil
}

// Digest returns the blake2b-256 hex digest of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeAtomic writes to a temp file then commits with an atomic rename.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // Cleanup on failure
		return fmt.Errorf("failed to commit file: %w", err)
	}

	return nil
}
