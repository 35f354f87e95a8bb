package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"archrender/credits"
)

const sqliteTimeLayout = "2006-01-02 15:04:05"

// HistoryRecord is a row of generation_history.
type HistoryRecord struct {
	ID             int64     `json:"id"`
	UserID         string    `json:"user_id"`
	Tool           string    `json:"tool"`
	Prompt         string    `json:"prompt,omitempty"`
	SourceImageURL string    `json:"source_image_url,omitempty"`
	ResultImageURL string    `json:"result_image_url"`
	CreatedAt      time.Time `json:"created_at"`
}

// HistoryRepository stores finished results. With an AsyncWriter, inserts
// are queued and AddToHistory returns immediately.
type HistoryRepository struct {
	db     *Database
	writer *AsyncWriter
}

// NewHistoryRepository creates a repository. writer may be nil for
// synchronous inserts.
func NewHistoryRepository(database *Database, writer *AsyncWriter) *HistoryRepository {
	return &HistoryRepository{db: database, writer: writer}
}

type historyInsert struct {
	entry credits.HistoryEntry
}

// AddToHistory records entry. It satisfies credits.History.
func (r *HistoryRepository) AddToHistory(ctx context.Context, entry credits.HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if r.writer != nil && r.writer.Write(historyInsert{entry: entry}) {
		return nil
	}
	_, err := r.insert(ctx, entry)
	return err
}

// WriteHandler applies queued history inserts. Pass it to NewAsyncWriter.
func (r *HistoryRepository) WriteHandler() WriteHandler {
	return func(ctx context.Context, op WriteOperation) error {
		ins, ok := op.Data.(historyInsert)
		if !ok {
			return fmt.Errorf("db: unexpected async operation %T", op.Data)
		}
		_, err := r.insert(ctx, ins.entry)
		return err
	}
}

func (r *HistoryRepository) insert(ctx context.Context, e credits.HistoryEntry) (int64, error) {
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, `
		INSERT INTO generation_history (
			user_id, tool, prompt, source_image_url, result_image_url, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		e.UserID, string(e.Tool), nullString(e.Prompt), nullString(e.SourceImageURL),
		e.ResultImageURL, e.CreatedAt.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("db: insert history: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns the newest records, optionally for a single user.
func (r *HistoryRepository) Recent(ctx context.Context, userID string, limit int) ([]HistoryRecord, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, user_id, tool, COALESCE(prompt, ''), COALESCE(source_image_url, ''),
		       result_image_url, created_at
		FROM generation_history`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db: query history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Tool, &rec.Prompt,
			&rec.SourceImageURL, &rec.ResultImageURL, &createdAt); err != nil {
			return nil, fmt.Errorf("db: scan history row: %w", err)
		}
		rec.CreatedAt = parseSQLiteTime(createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate history rows: %w", err)
	}
	return records, nil
}

// Count returns the number of history rows.
func (r *HistoryRepository) Count(ctx context.Context) (int64, error) {
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM generation_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("db: count history: %w", err)
	}
	return n, nil
}

func nullString(s string) any {
	if s == "" {
		return sql.NullString{}
	}
	return s
}

// parseSQLiteTime accepts the layouts the driver hands back for DATETIME.
func parseSQLiteTime(s string) time.Time {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
