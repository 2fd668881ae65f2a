package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/safe-mcp/gateway/internal/domain/audit"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func allowRecord(ts time.Time, reqID string) audit.AuditRecord {
	return audit.AuditRecord{
		Timestamp: ts,
		SessionID: "sess-1",
		UserID:    "user-1",
		ToolName:  "test_tool",
		Decision:  audit.DecisionAllow,
		RequestID: reqID,
	}
}

// openStore builds a store over dir with sane test defaults.
func openStore(t *testing.T, dir string, cacheSize int) *FileAuditStore {
	t.Helper()
	store, err := NewFileAuditStore(AuditFileConfig{
		Dir:           dir,
		RetentionDays: 7,
		MaxFileSizeMB: 100,
		CacheSize:     cacheSize,
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewFileAuditStore: %v", err)
	}
	return store
}

func dayFile(dir string, ts time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("audit-%s.log", ts.Format(dayFormat)))
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

// seedFile writes records as JSON lines to path.
func seedFile(t *testing.T, path string, records ...audit.AuditRecord) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	_ = f.Close()
}

func TestStoreCreatesDirWithTightPermissions(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "subdir", "audit")
	store := openStore(t, dir, 100)
	defer func() { _ = store.Close() }()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("dir permissions = %o, want 0700", perm)
	}
}

func TestStoreWritesJSONLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := openStore(t, dir, 100)

	ctx := context.Background()
	now := time.Now().UTC()

	err := store.Append(ctx,
		allowRecord(now, "req-1"),
		allowRecord(now, "req-2"),
		allowRecord(now, "req-3"),
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, dayFile(dir, now))
	if len(lines) != 3 {
		t.Fatalf("wrote %d lines, want 3", len(lines))
	}
	for i, line := range lines {
		var decoded audit.AuditRecord
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Errorf("line %d is not valid JSON: %v", i, err)
			continue
		}
		if want := fmt.Sprintf("req-%d", i+1); decoded.RequestID != want {
			t.Errorf("line %d RequestID = %q, want %q", i, decoded.RequestID, want)
		}
	}
}

func TestStoreRotatesOnDayBoundary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := openStore(t, dir, 100)

	ctx := context.Background()
	day1 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

	if err := store.Append(ctx, allowRecord(day1, "req-day1")); err != nil {
		t.Fatalf("Append day1: %v", err)
	}
	if err := store.Append(ctx, allowRecord(day2, "req-day2")); err != nil {
		t.Fatalf("Append day2: %v", err)
	}
	_ = store.Close()

	for day, want := range map[time.Time]string{day1: "req-day1", day2: "req-day2"} {
		lines := readLines(t, dayFile(dir, day))
		if len(lines) != 1 || !strings.Contains(lines[0], want) {
			t.Errorf("file for %s: got %v, want line containing %q", day.Format(dayFormat), lines, want)
		}
	}
}

func TestStoreRotatesOnSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := openStore(t, dir, 100)
	store.maxFileSize = 500

	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 20; i++ {
		rec := allowRecord(now, fmt.Sprintf("req-%03d", i))
		rec.ToolArguments = map[string]interface{}{"data": strings.Repeat("x", 50)}
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append record %d: %v", i, err)
		}
	}
	_ = store.Close()

	day := now.Format(dayFormat)
	if _, err := os.Stat(filepath.Join(dir, segmentName(day, 0))); err != nil {
		t.Errorf("base file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, segmentName(day, 1))); err != nil {
		t.Errorf("first rotated segment missing: %v", err)
	}
}

func TestStoreSegmentNamesAreSequential(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := openStore(t, dir, 100)
	store.maxFileSize = 200

	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 30; i++ {
		rec := allowRecord(now, fmt.Sprintf("req-%03d", i))
		rec.ToolArguments = map[string]interface{}{"k": strings.Repeat("v", 50)}
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	_ = store.Close()

	day := now.Format(dayFormat)
	entries, _ := os.ReadDir(dir)
	var files []logFileName
	for _, e := range entries {
		if f, ok := parseLogName(e.Name()); ok && f.day == day {
			files = append(files, f)
		}
	}
	sortChronological(files)

	if len(files) < 3 {
		t.Fatalf("got %d segments after rotation, want >= 3", len(files))
	}
	for i, f := range files {
		if want := segmentName(day, i); f.name != want {
			t.Errorf("segment %d = %q, want %q", i, f.name, want)
		}
	}
}

func TestStorePrunesExpiredFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Now().UTC()

	expired := dayFile(dir, now.AddDate(0, 0, -10))
	expiredSeg := strings.TrimSuffix(expired, ".log") + "-1.log"
	kept := dayFile(dir, now.AddDate(0, 0, -3))

	for _, p := range []string{expired, expiredSeg, kept} {
		if err := os.WriteFile(p, []byte(`{"RequestID":"x"}`+"\n"), 0600); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
	}

	store := openStore(t, dir, 100)
	defer func() { _ = store.Close() }()

	for _, p := range []string{expired, expiredSeg} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s survived retention", filepath.Base(p))
		}
	}
	if _, err := os.Stat(kept); err != nil {
		t.Errorf("file inside retention was deleted: %v", err)
	}
}

func TestStorePrunePreservesTodaysFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	today := dayFile(dir, time.Now().UTC())
	_ = os.WriteFile(today, []byte(`{"RequestID":"today"}`+"\n"), 0600)

	store := openStore(t, dir, 100)
	defer func() { _ = store.Close() }()

	if _, err := os.Stat(today); err != nil {
		t.Errorf("today's file was pruned: %v", err)
	}
}

func TestRingCacheNewestFirst(t *testing.T) {
	t.Parallel()

	cache := newRingCache(5)
	for i := 0; i < 3; i++ {
		cache.Add(allowRecord(time.Now().UTC(), fmt.Sprintf("req-%d", i)))
	}

	if cache.Len() != 3 {
		t.Errorf("Len = %d, want 3", cache.Len())
	}

	recent := cache.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d entries", len(recent))
	}
	if recent[0].RequestID != "req-2" || recent[1].RequestID != "req-1" {
		t.Errorf("Recent order = [%s %s], want [req-2 req-1]", recent[0].RequestID, recent[1].RequestID)
	}
}

func TestRingCacheEvictsOldest(t *testing.T) {
	t.Parallel()

	cache := newRingCache(3)
	for i := 0; i < 5; i++ {
		cache.Add(allowRecord(time.Now().UTC(), fmt.Sprintf("req-%d", i)))
	}

	if cache.Len() != 3 {
		t.Errorf("Len = %d, want 3", cache.Len())
	}

	recent := cache.Recent(5)
	if len(recent) != 3 {
		t.Fatalf("Recent(5) returned %d entries, want 3", len(recent))
	}
	for i, want := range []string{"req-4", "req-3", "req-2"} {
		if recent[i].RequestID != want {
			t.Errorf("Recent[%d] = %q, want %q", i, recent[i].RequestID, want)
		}
	}
}

func TestRingCacheEmptyAndZero(t *testing.T) {
	t.Parallel()

	cache := newRingCache(5)
	if got := cache.Recent(3); len(got) != 0 {
		t.Errorf("Recent on empty cache returned %d entries", len(got))
	}
	if cache.Len() != 0 {
		t.Errorf("Len on empty cache = %d", cache.Len())
	}

	cache.Add(allowRecord(time.Now().UTC(), "req-1"))
	if got := cache.Recent(0); len(got) != 0 {
		t.Errorf("Recent(0) returned %d entries", len(got))
	}
}

func TestRingCacheConcurrentAccess(t *testing.T) {
	t.Parallel()

	cache := newRingCache(100)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(idx int) {
			defer wg.Done()
			cache.Add(allowRecord(time.Now().UTC(), fmt.Sprintf("req-%d", idx)))
		}(i)
		go func() {
			defer wg.Done()
			_ = cache.Recent(10)
			_ = cache.Len()
		}()
	}
	wg.Wait()

	if cache.Len() == 0 {
		t.Error("cache empty after concurrent writes")
	}
}

func TestStoreCacheTracksAppends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := openStore(t, dir, 100)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, allowRecord(now, fmt.Sprintf("req-%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent := store.GetRecent(3)
	if len(recent) != 3 {
		t.Fatalf("GetRecent(3) returned %d entries", len(recent))
	}
	if recent[0].RequestID != "req-4" {
		t.Errorf("newest = %q, want req-4", recent[0].RequestID)
	}
}

func TestStoreWarmsCacheAtBoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Now().UTC()

	var seeded []audit.AuditRecord
	for i := 0; i < 10; i++ {
		seeded = append(seeded, allowRecord(now.Add(time.Duration(i)*time.Second), fmt.Sprintf("boot-req-%d", i)))
	}
	seedFile(t, dayFile(dir, now), seeded...)

	store := openStore(t, dir, 5)
	defer func() { _ = store.Close() }()

	// Only the tail fits the 5-slot cache.
	recent := store.GetRecent(10)
	if len(recent) != 5 {
		t.Fatalf("GetRecent(10) returned %d entries, want 5", len(recent))
	}
	if recent[0].RequestID != "boot-req-9" || recent[4].RequestID != "boot-req-5" {
		t.Errorf("cache tail = [%s .. %s], want [boot-req-9 .. boot-req-5]",
			recent[0].RequestID, recent[4].RequestID)
	}
}

func TestStoreWarmsCacheFromNewestFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Now().UTC()
	older := now.AddDate(0, 0, -2)
	newer := now.AddDate(0, 0, -1)

	var oldRecs, newRecs []audit.AuditRecord
	for i := 0; i < 5; i++ {
		oldRecs = append(oldRecs, allowRecord(older, fmt.Sprintf("old-%d", i)))
		newRecs = append(newRecs, allowRecord(newer, fmt.Sprintf("recent-%d", i)))
	}
	seedFile(t, dayFile(dir, older), oldRecs...)
	seedFile(t, dayFile(dir, newer), newRecs...)

	store := openStore(t, dir, 3)
	defer func() { _ = store.Close() }()

	recent := store.GetRecent(10)
	if len(recent) != 3 {
		t.Fatalf("GetRecent(10) returned %d entries, want 3", len(recent))
	}
	if recent[0].RequestID != "recent-4" {
		t.Errorf("newest = %q, want recent-4 (from the newer file)", recent[0].RequestID)
	}
}

func TestStoreWarmCacheSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Now().UTC()
	path := dayFile(dir, now)

	f, _ := os.Create(path)
	enc := json.NewEncoder(f)
	_ = enc.Encode(allowRecord(now, "valid-1"))
	_, _ = fmt.Fprintln(f, "this is not json")
	_ = enc.Encode(allowRecord(now, "valid-2"))
	_ = f.Close()

	store := openStore(t, dir, 100)
	defer func() { _ = store.Close() }()

	if recent := store.GetRecent(10); len(recent) != 2 {
		t.Errorf("loaded %d records, want 2 (bad line skipped)", len(recent))
	}
}

func TestStoreWarmCacheEmptyDir(t *testing.T) {
	t.Parallel()

	store := openStore(t, t.TempDir(), 100)
	defer func() { _ = store.Close() }()

	if recent := store.GetRecent(10); len(recent) != 0 {
		t.Errorf("GetRecent on empty dir returned %d entries", len(recent))
	}
}

func TestStoreWarmCacheLargeFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Now().UTC()

	var seeded []audit.AuditRecord
	for i := 0; i < 2000; i++ {
		seeded = append(seeded, allowRecord(now.Add(time.Duration(i)*time.Millisecond), fmt.Sprintf("large-%d", i)))
	}
	seedFile(t, dayFile(dir, now), seeded...)

	store := openStore(t, dir, 100)
	defer func() { _ = store.Close() }()

	recent := store.GetRecent(200)
	if len(recent) != 100 {
		t.Fatalf("GetRecent(200) returned %d entries, want 100", len(recent))
	}
	if recent[0].RequestID != "large-1999" {
		t.Errorf("newest = %q, want large-1999", recent[0].RequestID)
	}
}

func TestStoreGetRecentOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := openStore(t, dir, 100)

	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		if err := store.Append(ctx, allowRecord(now.Add(time.Duration(i)*time.Second), fmt.Sprintf("req-%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent := store.GetRecent(5)
	if len(recent) != 5 {
		t.Fatalf("GetRecent(5) returned %d entries", len(recent))
	}
	for i, r := range recent {
		if want := fmt.Sprintf("req-%d", 9-i); r.RequestID != want {
			t.Errorf("recent[%d] = %q, want %q", i, r.RequestID, want)
		}
	}
	_ = store.Close()
}

func TestStoreConcurrentAppend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := openStore(t, dir, 1000)

	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	errCh := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := store.Append(ctx, allowRecord(now, fmt.Sprintf("concurrent-%d", idx))); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent Append: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	_ = store.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	total := 0
	for _, e := range entries {
		if _, ok := parseLogName(e.Name()); !ok {
			continue
		}
		total += len(readLines(t, filepath.Join(dir, e.Name())))
	}
	if total != 100 {
		t.Errorf("wrote %d lines total, want 100", total)
	}
}

func TestStoreFlushPersists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := openStore(t, dir, 100)

	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.Append(ctx, allowRecord(now, "req-flush")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Errorf("Flush: %v", err)
	}
	_ = store.Close()

	data, err := os.ReadFile(dayFile(dir, now))
	if err != nil {
		t.Fatalf("read after flush: %v", err)
	}
	if !strings.Contains(string(data), "req-flush") {
		t.Error("flushed record not on disk")
	}
}

func TestStoreCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	store := openStore(t, t.TempDir(), 100)

	if err := store.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStoreFilePermissions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := openStore(t, dir, 100)

	now := time.Now().UTC()
	if err := store.Append(context.Background(), allowRecord(now, "req-perm")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = store.Close()

	info, err := os.Stat(dayFile(dir, now))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestStoreAppliesDefaults(t *testing.T) {
	t.Parallel()

	store, err := NewFileAuditStore(AuditFileConfig{Dir: t.TempDir()}, quietLogger())
	if err != nil {
		t.Fatalf("NewFileAuditStore: %v", err)
	}
	defer func() { _ = store.Close() }()

	if store.retentionDays != 7 {
		t.Errorf("retentionDays = %d, want 7", store.retentionDays)
	}
	if store.maxFileSize != 100*1024*1024 {
		t.Errorf("maxFileSize = %d, want 100MiB", store.maxFileSize)
	}
	if store.cache.size != 1000 {
		t.Errorf("cache size = %d, want 1000", store.cache.size)
	}
}

func TestStoreAppendsToExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Now().UTC()
	seedFile(t, dayFile(dir, now), allowRecord(now.Add(-time.Hour), "existing-req"))

	store := openStore(t, dir, 100)
	if err := store.Append(context.Background(), allowRecord(now, "new-req")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = store.Close()

	lines := readLines(t, dayFile(dir, now))
	if len(lines) != 2 {
		t.Fatalf("file has %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "existing-req") || !strings.Contains(lines[1], "new-req") {
		t.Errorf("unexpected order: %v", lines)
	}
}

func TestStoreAppendNoRecords(t *testing.T) {
	t.Parallel()

	store := openStore(t, t.TempDir(), 100)
	defer func() { _ = store.Close() }()

	if err := store.Append(context.Background()); err != nil {
		t.Errorf("Append with no records: %v", err)
	}
}

func TestStoreWritesCompactJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := openStore(t, dir, 100)

	now := time.Now().UTC()
	rec := allowRecord(now, "req-format")
	rec.ToolArguments = map[string]interface{}{"key": "value", "nested": map[string]interface{}{"a": 1}}

	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = store.Close()

	lines := readLines(t, dayFile(dir, now))
	if len(lines) != 1 {
		t.Fatalf("record spans %d lines, want 1", len(lines))
	}
	if strings.Contains(lines[0], "  ") {
		t.Error("JSON output is indented")
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Errorf("output is not valid JSON: %v", err)
	}
}

func TestStoreSerializesAllFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := openStore(t, dir, 100)

	now := time.Now().UTC().Truncate(time.Second)
	rec := audit.AuditRecord{
		Timestamp:      now,
		SessionID:      "sess-full",
		IdentityID:     "user-full",
		ToolName:       "full_tool",
		ToolArguments:  map[string]interface{}{"path": "/etc/passwd"},
		Decision:       audit.DecisionDeny,
		Reason:         "blocked by policy",
		RuleID:         "rule-42",
		RequestID:      "req-full",
		LatencyMicros:  2500,
		ScanDetections: 3,
		ScanAction:     "redacted",
		ScanTypes:      "secret,pii,injection",
	}

	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = store.Close()

	lines := readLines(t, dayFile(dir, now))
	if len(lines) == 0 {
		t.Fatal("no lines written")
	}

	var decoded audit.AuditRecord
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.SessionID != rec.SessionID ||
		decoded.Decision != rec.Decision ||
		decoded.Reason != rec.Reason ||
		decoded.RuleID != rec.RuleID ||
		decoded.LatencyMicros != rec.LatencyMicros ||
		decoded.ScanDetections != rec.ScanDetections ||
		decoded.ScanAction != rec.ScanAction ||
		decoded.ScanTypes != rec.ScanTypes {
		t.Errorf("round trip lost fields:\n got %+v\nwant %+v", decoded, rec)
	}
}
