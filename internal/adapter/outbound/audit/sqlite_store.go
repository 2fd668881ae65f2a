package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/safe-mcp/gateway/internal/domain/audit"
)

// maxQueryRangeDays bounds audit queries to keep scans cheap.
const maxQueryRangeDays = 7

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         INTEGER NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	tool_name  TEXT NOT NULL DEFAULT '',
	decision   TEXT NOT NULL DEFAULT '',
	techniques TEXT NOT NULL DEFAULT '[]',
	sanitized  INTEGER NOT NULL DEFAULT 0,
	record     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_records (ts);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_records (session_id, ts);
`

// SQLiteAuditStore implements audit.AuditStore and audit.AuditQueryStore
// on an embedded SQLite database. The full record travels as a JSON blob;
// the columns exist for filtering and aggregation.
type SQLiteAuditStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteAuditStore opens (creating if needed) the audit database at path.
func NewSQLiteAuditStore(path string, logger *slog.Logger) (*SQLiteAuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	// SQLite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &SQLiteAuditStore{db: db, logger: logger}, nil
}

// Append stores audit records inside a single transaction.
func (s *SQLiteAuditStore) Append(ctx context.Context, records ...audit.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_records (ts, session_id, tool_name, decision, techniques, sanitized, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		blob, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		techniques, err := json.Marshal(rec.MatchedTechniques)
		if err != nil {
			return fmt.Errorf("marshal matched techniques: %w", err)
		}

		sanitized := 0
		if rec.Sanitized {
			sanitized = 1
		}

		if _, err := stmt.ExecContext(ctx,
			rec.Timestamp.UTC().UnixMicro(),
			rec.SessionID,
			rec.ToolName,
			rec.Decision,
			string(techniques),
			sanitized,
			string(blob),
		); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit tx: %w", err)
	}
	return nil
}

// Flush is a no-op: every Append commits.
func (s *SQLiteAuditStore) Flush(_ context.Context) error {
	return nil
}

// Close closes the database.
func (s *SQLiteAuditStore) Close() error {
	return s.db.Close()
}

// Query retrieves audit records matching the filter, oldest first.
// The cursor is the row ID to resume after; an empty next cursor means
// there are no more pages.
func (s *SQLiteAuditStore) Query(ctx context.Context, filter audit.AuditFilter) ([]audit.AuditRecord, string, error) {
	if filter.EndTime.Sub(filter.StartTime) > maxQueryRangeDays*24*time.Hour {
		return nil, "", audit.ErrDateRangeExceeded
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	query := `SELECT id, record FROM audit_records WHERE ts >= ? AND ts <= ?`
	args := []interface{}{filter.StartTime.UTC().UnixMicro(), filter.EndTime.UTC().UnixMicro()}

	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.ToolName != "" {
		query += ` AND tool_name = ?`
		args = append(args, filter.ToolName)
	}
	if filter.Decision != "" {
		query += ` AND decision = ?`
		args = append(args, filter.Decision)
	}
	if filter.Technique != "" {
		// techniques is a JSON array of strings; match the quoted ID.
		query += ` AND techniques LIKE ?`
		args = append(args, `%"`+filter.Technique+`"%`)
	}
	if filter.Cursor != "" {
		after, err := strconv.ParseInt(filter.Cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor %q: %w", filter.Cursor, err)
		}
		query += ` AND id > ?`
		args = append(args, after)
	}

	// Fetch one extra row to detect whether a next page exists.
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []audit.AuditRecord
	var ids []int64
	for rows.Next() {
		var id int64
		var blob string
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, "", fmt.Errorf("scan audit row: %w", err)
		}
		var rec audit.AuditRecord
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			s.logger.Warn("skipping malformed audit record", "id", id, "error", err)
			continue
		}
		records = append(records, rec)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate audit rows: %w", err)
	}

	next := ""
	if len(records) > limit {
		records = records[:limit]
		next = strconv.FormatInt(ids[limit-1], 10)
	}

	return records, next, nil
}

// QueryStats returns aggregated statistics for the given time range.
func (s *SQLiteAuditStore) QueryStats(ctx context.Context, start, end time.Time) (*audit.AuditStats, error) {
	if end.Sub(start) > maxQueryRangeDays*24*time.Hour {
		return nil, audit.ErrDateRangeExceeded
	}

	stats := &audit.AuditStats{
		ByTool:      make(map[string]audit.ToolCallStats),
		ByDecision:  make(map[string]int64),
		ByTechnique: make(map[string]int64),
	}

	lo, hi := start.UTC().UnixMicro(), end.UTC().UnixMicro()

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT session_id), COALESCE(SUM(sanitized), 0)
		FROM audit_records WHERE ts >= ? AND ts <= ?`, lo, hi,
	).Scan(&stats.TotalRecords, &stats.UniqueSessions, &stats.Sanitized)
	if err != nil {
		return nil, fmt.Errorf("query audit totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT decision, COUNT(*) FROM audit_records
		WHERE ts >= ? AND ts <= ? GROUP BY decision`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	for rows.Next() {
		var decision string
		var count int64
		if err := rows.Scan(&decision, &count); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan decision row: %w", err)
		}
		stats.ByDecision[decision] = count
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decision rows: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT tool_name,
		       COUNT(*),
		       SUM(CASE WHEN decision = 'allow' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN decision = 'block' THEN 1 ELSE 0 END)
		FROM audit_records
		WHERE ts >= ? AND ts <= ? AND tool_name != ''
		GROUP BY tool_name`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query tool stats: %w", err)
	}
	for rows.Next() {
		var tool string
		var ts audit.ToolCallStats
		if err := rows.Scan(&tool, &ts.Calls, &ts.Allowed, &ts.Blocked); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan tool row: %w", err)
		}
		stats.ByTool[tool] = ts
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool rows: %w", err)
	}

	// Technique counts come from the JSON column; decode per row.
	rows, err = s.db.QueryContext(ctx, `
		SELECT techniques FROM audit_records
		WHERE ts >= ? AND ts <= ? AND techniques != '[]' AND techniques != 'null'`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query techniques: %w", err)
	}
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan technique row: %w", err)
		}
		var ids []string
		if err := json.Unmarshal([]byte(blob), &ids); err != nil {
			continue
		}
		for _, id := range ids {
			stats.ByTechnique[id]++
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate technique rows: %w", err)
	}

	return stats, nil
}

// Compile-time interface verification.
var (
	_ audit.AuditStore      = (*SQLiteAuditStore)(nil)
	_ audit.AuditQueryStore = (*SQLiteAuditStore)(nil)
)
