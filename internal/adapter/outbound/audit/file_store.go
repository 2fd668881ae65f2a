// Package audit persists audit records as JSON Lines with daily
// rotation, size-based segmentation, retention pruning, and a small
// in-memory cache for recent-record queries.
package audit

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/safe-mcp/gateway/internal/domain/audit"
)

const dayFormat = "2006-01-02"

// logFilePattern matches audit-YYYY-MM-DD.log and audit-YYYY-MM-DD-N.log,
// where N is the segment sequence after a size rotation.
var logFilePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

type logFileName struct {
	name string
	day  string
	seq  int
}

func parseLogName(name string) (logFileName, bool) {
	m := logFilePattern.FindStringSubmatch(name)
	if m == nil {
		return logFileName{}, false
	}
	f := logFileName{name: name, day: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return logFileName{}, false
		}
		f.seq = n
	}
	return f, true
}

func sortChronological(files []logFileName) {
	slices.SortFunc(files, func(a, b logFileName) int {
		if c := cmp.Compare(a.day, b.day); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}

// AuditFileConfig configures the file-based audit store.
type AuditFileConfig struct {
	// Dir is where audit files live.
	Dir string
	// RetentionDays bounds how long files are kept (default 7).
	RetentionDays int
	// MaxFileSizeMB triggers a segment rotation (default 100).
	MaxFileSizeMB int
	// CacheSize bounds the recent-record cache (default 1000).
	CacheSize int
}

func (cfg AuditFileConfig) withDefaults() AuditFileConfig {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	return cfg
}

// FileAuditStore implements audit.AuditStore on top of rotating JSON
// Lines files. One file per UTC day; oversized days spill into
// numbered segments.
type FileAuditStore struct {
	dir           string
	maxFileSize   int64
	retentionDays int

	mu          sync.Mutex
	currentFile *os.File
	currentDay  string
	currentSize int64
	currentSeq  int
	closed      bool

	cache  *ringCache
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewFileAuditStore opens today's log file, prunes expired files,
// warms the cache from the newest segment, and starts the hourly
// retention loop.
func NewFileAuditStore(cfg AuditFileConfig, logger *slog.Logger) (*FileAuditStore, error) {
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileAuditStore{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		cache:         newRingCache(cfg.CacheSize),
		logger:        logger,
		cancel:        cancel,
	}

	if err := s.openFor(time.Now().UTC().Format(dayFormat)); err != nil {
		cancel()
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	s.pruneExpired()
	s.warmCache()
	go s.cleanupLoop(ctx)

	return s, nil
}

// Append writes records as JSON lines, rotating by day and size as it
// goes, and mirrors them into the cache.
func (s *FileAuditStore) Append(ctx context.Context, records ...audit.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		day := rec.Timestamp.UTC().Format(dayFormat)
		if day != s.currentDay {
			if err := s.rollToDay(day); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.currentSize >= s.maxFileSize {
			if err := s.rollSegment(); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		n, err := s.currentFile.Write(append(data, '\n'))
		if err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
		s.currentSize += int64(n)
		s.cache.Add(rec)
	}

	return nil
}

// Flush syncs the current file to disk.
func (s *FileAuditStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile != nil {
		return s.currentFile.Sync()
	}
	return nil
}

// Close stops the retention loop and closes the current file.
// Idempotent.
func (s *FileAuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

// GetRecent returns the last n records from the cache, newest first.
func (s *FileAuditStore) GetRecent(n int) []audit.AuditRecord {
	return s.cache.Recent(n)
}

// openFor opens the highest-numbered existing segment for the day, or
// the base file if the day has none.
func (s *FileAuditStore) openFor(day string) error {
	seq := s.latestSeq(day)

	f, size, err := s.openSegment(day, seq)
	if err != nil {
		return err
	}

	s.currentFile = f
	s.currentDay = day
	s.currentSize = size
	s.currentSeq = seq
	return nil
}

// latestSeq returns the highest existing segment sequence for a day,
// or 0.
func (s *FileAuditStore) latestSeq(day string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}

	highest := 0
	for _, e := range entries {
		f, ok := parseLogName(e.Name())
		if ok && f.day == day && f.seq > highest {
			highest = f.seq
		}
	}
	return highest
}

func (s *FileAuditStore) openSegment(day string, seq int) (*os.File, int64, error) {
	name := segmentName(day, seq)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", name, err)
	}
	return f, info.Size(), nil
}

func segmentName(day string, seq int) string {
	if seq == 0 {
		return fmt.Sprintf("audit-%s.log", day)
	}
	return fmt.Sprintf("audit-%s-%d.log", day, seq)
}

// closeCurrent syncs and closes the active file. Caller holds the
// lock.
func (s *FileAuditStore) closeCurrent() {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
}

// rollToDay switches to a new day's base file. Caller holds the lock.
func (s *FileAuditStore) rollToDay(day string) error {
	s.closeCurrent()
	s.currentSeq = 0
	s.currentDay = day

	f, size, err := s.openSegment(day, 0)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// rollSegment opens the next numbered segment for the current day.
// Caller holds the lock.
func (s *FileAuditStore) rollSegment() error {
	s.closeCurrent()
	s.currentSeq++

	f, size, err := s.openSegment(s.currentDay, s.currentSeq)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// pruneExpired deletes audit files whose day is past retention.
func (s *FileAuditStore) pruneExpired() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("audit cleanup: failed to read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0

	for _, e := range entries {
		f, ok := parseLogName(e.Name())
		if !ok {
			continue
		}
		fileDay, err := time.Parse(dayFormat, f.day)
		if err != nil || !fileDay.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Error("audit cleanup: failed to delete file", "file", e.Name(), "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info("audit cleanup completed", "deleted", deleted)
	}
}

func (s *FileAuditStore) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneExpired()
		}
	}
}

// warmCache reloads the newest non-empty segment into the cache so
// recent-record queries survive a restart.
func (s *FileAuditStore) warmCache() {
	newest := s.newestSegment()
	if newest == "" {
		return
	}

	f, err := os.Open(filepath.Join(s.dir, newest))
	if err != nil {
		s.logger.Error("audit cache: failed to open file for population", "file", newest, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	var records []audit.AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec audit.AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("audit cache: skipping malformed line", "file", newest, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("audit cache: error reading file", "file", newest, "error", err)
	}

	// Only the tail fits; replay in order so the newest record ends up
	// most recent.
	start := 0
	if len(records) > s.cache.size {
		start = len(records) - s.cache.size
	}
	for _, rec := range records[start:] {
		s.cache.Add(rec)
	}
}

// newestSegment returns the filename with the latest day and highest
// sequence among non-empty audit files, or "".
func (s *FileAuditStore) newestSegment() string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ""
	}

	var files []logFileName
	for _, e := range entries {
		f, ok := parseLogName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return ""
	}

	sortChronological(files)
	return files[len(files)-1].name
}

var _ audit.AuditStore = (*FileAuditStore)(nil)

// ringCache is a fixed-size ring of recent audit records.
type ringCache struct {
	entries []audit.AuditRecord
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

func newRingCache(size int) *ringCache {
	if size <= 0 {
		size = 1000
	}
	return &ringCache{
		entries: make([]audit.AuditRecord, size),
		size:    size,
	}
}

// Add overwrites the oldest entry once the ring is full.
func (c *ringCache) Add(rec audit.AuditRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[c.head] = rec
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// Recent returns up to n entries, newest first.
func (c *ringCache) Recent(n int) []audit.AuditRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || c.count == 0 {
		return nil
	}
	if n > c.count {
		n = c.count
	}

	result := make([]audit.AuditRecord, n)
	for i := range result {
		// head is the next write slot; head-1 is the newest entry.
		result[i] = c.entries[(c.head-1-i+c.size)%c.size]
	}
	return result
}

func (c *ringCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}
