// Package storage keeps a durable ledger of fleet dump requests in a local
// SQLite database, alongside the per-issue manifest files. The manifest is
// the source of truth for one request; the ledger is the queryable record
// across requests.
package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	dumpagent "github.com/qsmonitor/dumpagent"
	"github.com/qsmonitor/dumpagent/internal/config"

	_ "modernc.org/sqlite"
)

const (
	envDBPath         = "DUMP_DB_PATH"
	defaultDBDirName  = ".dumpagent"
	defaultDBFileName = "dumpagent.db"
)

// RequestSummary is one row of the dump_requests table.
type RequestSummary struct {
	IssueID       string
	TriggeredBy   string
	PathStrategy  string
	IssueRoot     string
	TargetCount   int
	SuccessCount  int
	FailCount     int
	Finished      bool
	UploadSuccess *bool
	UploadMessage string
	StartedAt     time.Time
}

// History persists fleet requests and per-device outcomes.
type History struct {
	db *sql.DB
}

// Open opens (and migrates) the ledger database. An empty path falls back to
// DUMP_DB_PATH, then ~/.dumpagent/dumpagent.db.
func Open(path string) (*History, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, errors.Wrap(err, "open dump history database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &History{db: db}, nil
}

// Close releases the underlying database handle.
func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// RecordRequest inserts the initial row for a fleet request.
func (h *History) RecordRequest(ctx context.Context, rec *dumpagent.RequestRecord) error {
	if rec == nil {
		return errors.New("request record is nil")
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO dump_requests (issue_id, triggered_by, path_strategy, issue_root, target_count, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			triggered_by = excluded.triggered_by,
			path_strategy = excluded.path_strategy,
			issue_root = excluded.issue_root,
			target_count = excluded.target_count;`,
		rec.IssueID, string(rec.TriggeredBy), rec.PathStrategy, rec.IssueRoot,
		rec.TargetCount, rec.StartedAt.UTC().Format(time.RFC3339))
	return errors.Wrap(err, "insert dump request failed")
}

// RecordResult upserts one device's terminal outcome.
func (h *History) RecordResult(ctx context.Context, issueID string, res *dumpagent.ResultRecord) error {
	if res == nil {
		return errors.New("result record is nil")
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO dump_results (issue_id, device_serial, success, cancelled, detail, dump_path)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id, device_serial) DO UPDATE SET
			success = excluded.success,
			cancelled = excluded.cancelled,
			detail = excluded.detail,
			dump_path = excluded.dump_path;`,
		issueID, res.DeviceSerial, boolToInt(res.Success), boolToInt(res.Cancelled), res.Detail, res.DumpPath)
	return errors.Wrap(err, "upsert dump result failed")
}

// FinishRequest stamps the request row with final counters.
func (h *History) FinishRequest(ctx context.Context, issueID string, successCount, failCount int) error {
	_, err := h.db.ExecContext(ctx, `
		UPDATE dump_requests
		SET success_count = ?, fail_count = ?, finished_at = CURRENT_TIMESTAMP
		WHERE issue_id = ?;`,
		successCount, failCount, issueID)
	return errors.Wrap(err, "finish dump request failed")
}

// RecordUpload stamps the request row with the upload pipeline's report.
func (h *History) RecordUpload(ctx context.Context, issueID string, success bool, message string) error {
	_, err := h.db.ExecContext(ctx, `
		UPDATE dump_requests
		SET upload_success = ?, upload_message = ?
		WHERE issue_id = ?;`,
		boolToInt(success), message, issueID)
	return errors.Wrap(err, "record upload result failed")
}

// RecentRequests lists the newest fleet requests, most recent first.
func (h *History) RecentRequests(ctx context.Context, limit int) ([]RequestSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT issue_id, triggered_by, path_strategy, issue_root, target_count,
		       COALESCE(success_count, 0), COALESCE(fail_count, 0),
		       finished_at IS NOT NULL, upload_success, COALESCE(upload_message, ''), started_at
		FROM dump_requests
		ORDER BY started_at DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query dump requests failed")
	}
	defer rows.Close()

	var result []RequestSummary
	for rows.Next() {
		var (
			summary      RequestSummary
			uploadOK     sql.NullInt64
			startedAtRaw string
		)
		if err := rows.Scan(&summary.IssueID, &summary.TriggeredBy, &summary.PathStrategy,
			&summary.IssueRoot, &summary.TargetCount, &summary.SuccessCount, &summary.FailCount,
			&summary.Finished, &uploadOK, &summary.UploadMessage, &startedAtRaw); err != nil {
			return nil, errors.Wrap(err, "scan dump request row failed")
		}
		if uploadOK.Valid {
			ok := uploadOK.Int64 != 0
			summary.UploadSuccess = &ok
		}
		if parsed, err := time.Parse(time.RFC3339, startedAtRaw); err == nil {
			summary.StartedAt = parsed
		}
		result = append(result, summary)
	}
	return result, errors.Wrap(rows.Err(), "iterate dump request rows failed")
}

func resolvePath(path string) (string, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
			return "", errors.Wrap(err, "create dump history directory failed")
		}
		return trimmed, nil
	}
	if custom := strings.TrimSpace(config.String(envDBPath, "")); custom != "" {
		if err := os.MkdirAll(filepath.Dir(custom), 0o755); err != nil {
			return "", errors.Wrap(err, "create dump history directory failed")
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create dump history directory failed")
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "execute %s failed", pragma)
		}
	}
	// Single connection keeps the single-writer discipline trivial.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func ensureSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS dump_requests (
			issue_id TEXT PRIMARY KEY,
			triggered_by TEXT NOT NULL,
			path_strategy TEXT,
			issue_root TEXT,
			target_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER,
			fail_count INTEGER,
			upload_success INTEGER,
			upload_message TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS dump_results (
			issue_id TEXT NOT NULL,
			device_serial TEXT NOT NULL,
			success INTEGER NOT NULL,
			cancelled INTEGER NOT NULL DEFAULT 0,
			detail TEXT,
			dump_path TEXT,
			recorded_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (issue_id, device_serial)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dump_results_issue ON dump_results(issue_id);`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "create dump history schema failed")
		}
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var _ dumpagent.HistoryRecorder = (*History)(nil)
