package domain

import "time"

type UploadStatus string

const (
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusPaused    UploadStatus = "paused"
	UploadStatusCompleted UploadStatus = "completed"
	UploadStatusCancelled UploadStatus = "cancelled"
	UploadStatusFailed    UploadStatus = "failed"
	// UploadStatusUnknown is reported for ids with no live record.
	UploadStatusUnknown UploadStatus = "unknown"
)

// MetadataBackendUploadID is the metadata key holding the server-assigned upload id.
const MetadataBackendUploadID = "backendUploadId"

// Metadata keys set by the upload worker.
const (
	MetadataFileName    = "fileName"
	MetadataSize        = "size"
	MetadataContentType = "contentType"
)

var transitions = map[UploadStatus][]UploadStatus{
	UploadStatusUploading: {UploadStatusPaused, UploadStatusCompleted, UploadStatusCancelled, UploadStatusFailed},
	UploadStatusPaused:    {UploadStatusUploading, UploadStatusCancelled},
}

// Terminal reports whether no transition leaves s.
func (s UploadStatus) Terminal() bool {
	switch s {
	case UploadStatusCompleted, UploadStatusCancelled, UploadStatusFailed:
		return true
	}
	return false
}

// Active reports whether an upload in status s may still move bytes.
func (s UploadStatus) Active() bool {
	return s == UploadStatusUploading || s == UploadStatusPaused
}

func (s UploadStatus) CanTransitionTo(next UploadStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// UploadHistoryEntry is the persisted outcome of a finished upload session.
type UploadHistoryEntry struct {
	ID              int64
	UploadID        string
	BackendUploadID string
	FileName        string
	Size            int64
	Status          UploadStatus
	ErrorMessage    string
	StartedAt       time.Time
	FinishedAt      time.Time
}
