package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

// FileStateStore owns the state.json file. Writes are atomic
// (temp file, fsync, rename), backed up to .bak, and serialized with
// both an in-process mutex and a cross-process flock. First boot
// yields DefaultState instead of an error.
type FileStateStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStateStore creates a FileStateStore for path.
func NewFileStateStore(path string, logger *slog.Logger) *FileStateStore {
	return &FileStateStore{
		path:   path,
		logger: logger,
	}
}

// Load reads and parses state.json. A missing file is not an error;
// DefaultState is returned instead. Malformed JSON is.
func (s *FileStateStore) Load() (*AppState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("state file not found, using default state", "path", s.path)
			return s.DefaultState(), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	s.warnLoosePerms()

	var state AppState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}

	return &state, nil
}

// warnLoosePerms logs when the state file is readable by group or
// other. Skipped on Windows, which has no Unix permission bits.
func (s *FileStateStore) warnLoosePerms() {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		s.logger.Warn("state.json has too-open permissions, should be 0600",
			"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
	}
}

// Save persists the state: stamp UpdatedAt, take the flock, back up
// the current file, then atomically replace it with indented JSON at
// mode 0600.
func (s *FileStateStore) Save(state *AppState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.UpdatedAt = time.Now().UTC()

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	s.backupCurrent()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := s.replaceFile(data); err != nil {
		return err
	}

	// Rename can inherit the umask-adjusted temp mode.
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on state file", "error", err)
	}

	s.logger.Debug("state saved", "path", s.path)
	return nil
}

// backupCurrent copies the existing state file to .bak. A missing
// current file is fine; a failed copy only warns, the save proceeds.
func (s *FileStateStore) backupCurrent() {
	currentData, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	if err := os.WriteFile(s.path+".bak", currentData, 0600); err != nil {
		s.logger.Warn("failed to create backup", "error", err)
	}
}

// replaceFile writes data to a temp file, fsyncs it, and renames it
// over the state path. The temp file is removed on any failure.
func (s *FileStateStore) replaceFile(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	discard := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		discard()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		discard()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to state: %w", err)
	}
	return nil
}

// DefaultState is the first-boot state: version "1", no upstreams.
func (s *FileStateStore) DefaultState() *AppState {
	now := time.Now().UTC()
	return &AppState{
		Version:   "1",
		Upstreams: []UpstreamEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Exists reports whether the state file is present on disk.
func (s *FileStateStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the configured file path.
func (s *FileStateStore) Path() string {
	return s.path
}
