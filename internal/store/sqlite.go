package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle (used by TSDB).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS backends (
			model_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			enabled BOOLEAN NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			task_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'medium',
			model_id TEXT NOT NULL,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			queue_wait_ms INTEGER NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			error_class TEXT NOT NULL DEFAULT '',
			cache_hit INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_timestamp ON task_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_model ON task_logs(model_id)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Backends

func (s *SQLiteStore) ListBackends(ctx context.Context) ([]BackendRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model_id, kind, config, enabled, created_at, updated_at FROM backends ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var backends []BackendRecord
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, rows.Err()
}

func (s *SQLiteStore) GetBackend(ctx context.Context, modelID string) (*BackendRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT model_id, kind, config, enabled, created_at, updated_at FROM backends WHERE model_id = ?`, modelID)
	b, err := scanBackend(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) UpsertBackend(ctx context.Context, b BackendRecord) error {
	now := time.Now().UTC().Format(time.RFC3339)
	created := now
	if !b.CreatedAt.IsZero() {
		created = b.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backends (model_id, kind, config, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model_id) DO UPDATE SET
		   kind=excluded.kind,
		   config=excluded.config,
		   enabled=excluded.enabled,
		   updated_at=excluded.updated_at`,
		b.ModelID, b.Kind, b.Config, b.Enabled, created, now)
	return err
}

func (s *SQLiteStore) DeleteBackend(ctx context.Context, modelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backends WHERE model_id = ?`, modelID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackend(r rowScanner) (BackendRecord, error) {
	var b BackendRecord
	var created, updated string
	if err := r.Scan(&b.ModelID, &b.Kind, &b.Config, &b.Enabled, &created, &updated); err != nil {
		return BackendRecord{}, err
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339, created)
	b.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return b, nil
}

// Task Logs

func (s *SQLiteStore) LogTask(ctx context.Context, entry TaskLog) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_logs (timestamp, task_id, task_type, priority, model_id,
		 latency_ms, queue_wait_ms, tokens_used, cost_usd, confidence, success, error_class, cache_hit)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339), entry.TaskID, entry.TaskType, entry.Priority, entry.ModelID,
		entry.LatencyMs, entry.QueueWaitMs, entry.TokensUsed, entry.CostUSD, entry.Confidence,
		boolToInt(entry.Success), entry.ErrorClass, boolToInt(entry.CacheHit))
	return err
}

func (s *SQLiteStore) ListTaskLogs(ctx context.Context, f TaskLogFilter) ([]TaskLog, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var conds []string
	var args []any
	if f.ModelID != "" {
		conds = append(conds, "model_id = ?")
		args = append(args, f.ModelID)
	}
	if f.TaskType != "" {
		conds = append(conds, "task_type = ?")
		args = append(args, f.TaskType)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, task_id, task_type, priority, model_id,
		 latency_ms, queue_wait_ms, tokens_used, cost_usd, confidence, success, error_class, cache_hit
		 FROM task_logs`+where+` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []TaskLog
	for rows.Next() {
		var l TaskLog
		var ts string
		var successInt, cacheInt int
		if err := rows.Scan(&l.ID, &ts, &l.TaskID, &l.TaskType, &l.Priority, &l.ModelID,
			&l.LatencyMs, &l.QueueWaitMs, &l.TokensUsed, &l.CostUSD, &l.Confidence,
			&successInt, &l.ErrorClass, &cacheInt); err != nil {
			return nil, err
		}
		l.Timestamp, _ = time.Parse(time.RFC3339, ts)
		l.Success = successInt != 0
		l.CacheHit = cacheInt != 0
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// PruneTaskLogs deletes log entries older than the cutoff and reports
// how many rows were removed.
func (s *SQLiteStore) PruneTaskLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_logs WHERE timestamp < ?`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Vault persistence

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
