// Package logs implements the self-retained audit log: the
// obs.Flusher that persists buffered slog records into the logs
// table, and the get_logs query surface spec.md §6 exposes over it
// (`get_logs?num=<n>&last_id=<id>`).
package logs

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kpnc/server/internal/apperr"
	"github.com/kpnc/server/internal/obs"
)

// Line is one row of the logs table, JSON-shaped for the get_logs
// envelope's log_lines array.
type Line struct {
	ID       int64             `json:"id"`
	LoggedAt time.Time         `json:"logged_at"`
	Level    string            `json:"level"`
	Message  string            `json:"message"`
	Attrs    map[string]string `json:"attrs"`
}

// Store persists flushed log records and serves paginated reads.
type Store struct {
	db *sql.DB
}

// New constructs a Store. Satisfies obs.Flusher.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// FlushLogs inserts a batch of buffered records in one transaction,
// the same batched-insert shape obs.DBHandler.Run calls on its 5s
// ticker.
func (s *Store) FlushLogs(ctx context.Context, records []obs.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Transient(err, "begin flush logs")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO logs (logged_at, level, message, attrs) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return apperr.Transient(err, "prepare flush logs")
	}
	defer stmt.Close()

	for _, r := range records {
		attrsJSON, err := json.Marshal(r.Attrs)
		if err != nil {
			return apperr.Transient(err, "encode log attrs")
		}
		if _, err := stmt.ExecContext(ctx, r.Time, r.Level, r.Message, string(attrsJSON)); err != nil {
			return apperr.Transient(err, "insert log row")
		}
	}
	return tx.Commit()
}

// GetLogs returns up to num log lines older than lastID (newest
// first), or the num most recent lines if lastID <= 0 — the cursor
// shape spec.md §6's `get_logs?num=<n>&last_id=<id>` names.
func (s *Store) GetLogs(ctx context.Context, num int, lastID int64) ([]Line, error) {
	if num <= 0 {
		return nil, apperr.New(apperr.KindClientValidation, "num must be positive")
	}

	query := `SELECT id, logged_at, level, message, attrs FROM logs`
	args := []any{}
	if lastID > 0 {
		query += ` WHERE id < ?`
		args = append(args, lastID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, num)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Transient(err, "query logs")
	}
	defer rows.Close()

	lines := make([]Line, 0, num)
	for rows.Next() {
		var line Line
		var attrsJSON string
		if err := rows.Scan(&line.ID, &line.LoggedAt, &line.Level, &line.Message, &attrsJSON); err != nil {
			return nil, apperr.Transient(err, "scan log row")
		}
		line.Attrs = map[string]string{}
		if attrsJSON != "" {
			if err := json.Unmarshal([]byte(attrsJSON), &line.Attrs); err != nil {
				return nil, apperr.Transient(err, "decode log attrs")
			}
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient(err, "iterate logs")
	}
	return lines, nil
}
