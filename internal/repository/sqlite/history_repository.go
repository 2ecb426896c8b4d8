package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"course-uploader/internal/domain"
	"course-uploader/internal/repository"
)

const (
	createHistoryTable = `
CREATE TABLE IF NOT EXISTS upload_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	upload_id TEXT NOT NULL,
	backend_upload_id TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upload_history_finished ON upload_history (finished_at);
`

	// DefaultHistoryLimit caps List when the caller passes no limit.
	DefaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) repository.HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createHistoryTable); err != nil {
		return fmt.Errorf("create upload_history table: %w", err)
	}
	return nil
}

func (r *HistoryRepository) Append(ctx context.Context, entry domain.UploadHistoryEntry) error {
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = time.Now()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = entry.FinishedAt
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO upload_history (upload_id, backend_upload_id, file_name, size, status, error_message, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.UploadID,
		entry.BackendUploadID,
		entry.FileName,
		entry.Size,
		string(entry.Status),
		entry.ErrorMessage,
		entry.StartedAt.UTC(),
		entry.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert upload history: %w", err)
	}
	return nil
}

// List returns the most recently finished sessions first.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]domain.UploadHistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT id, upload_id, backend_upload_id, file_name, size, status, error_message, started_at, finished_at
FROM upload_history
ORDER BY finished_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query upload history: %w", err)
	}
	defer rows.Close()

	entries := []domain.UploadHistoryEntry{}
	for rows.Next() {
		var (
			entry  domain.UploadHistoryEntry
			status string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.UploadID,
			&entry.BackendUploadID,
			&entry.FileName,
			&entry.Size,
			&status,
			&entry.ErrorMessage,
			&entry.StartedAt,
			&entry.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan upload history: %w", err)
		}
		entry.Status = domain.UploadStatus(status)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload history: %w", err)
	}
	return entries, nil
}
