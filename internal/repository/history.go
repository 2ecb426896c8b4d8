package repository

import (
	"context"

	"course-uploader/internal/domain"
)

// HistoryRepository persists the outcome of finished upload sessions.
type HistoryRepository interface {
	Init(ctx context.Context) error
	Append(ctx context.Context, entry domain.UploadHistoryEntry) error
	List(ctx context.Context, limit int) ([]domain.UploadHistoryEntry, error)
}
