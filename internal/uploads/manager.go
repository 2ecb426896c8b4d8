package uploads

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"course-uploader/internal/domain"
)

// History receives the final outcome of every upload session that reaches a
// terminal status through the Manager.
type History interface {
	Append(ctx context.Context, entry domain.UploadHistoryEntry) error
}

type Config struct {
	GraceDelay    time.Duration
	NotifyTimeout time.Duration
	History       History
	Logger        *logrus.Logger
}

// ActiveUpload pairs a record with its id for listings.
type ActiveUpload struct {
	ID     string
	Record Record
}

// Manager is the public surface of the upload subsystem. One Manager is
// meant to live for the whole process; it is safe for concurrent use.
type Manager struct {
	cfg         Config
	ids         *IDGenerator
	registry    *Registry
	coordinator *Coordinator
	now         func() time.Time
}

func NewManager(cfg Config, notifier Notifier) *Manager {
	if cfg.GraceDelay == 0 {
		cfg.GraceDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	registry := NewRegistry()
	return &Manager{
		cfg:      cfg,
		ids:      NewIDGenerator(),
		registry: registry,
		coordinator: NewCoordinator(CoordinatorConfig{
			GraceDelay:    cfg.GraceDelay,
			NotifyTimeout: cfg.NotifyTimeout,
			Logger:        cfg.Logger,
		}, registry, notifier),
		now: time.Now,
	}
}

func (m *Manager) GenerateUploadID() string {
	return m.ids.Next()
}

// RegisterUpload starts tracking id in the uploading state. The handle must
// be able to stop the transfer from this moment on. Registering an id that
// is already tracked fails with ErrAlreadyRegistered and leaves the existing
// record untouched. The manager invokes handle at most once.
func (m *Manager) RegisterUpload(id string, handle CancelHandle, metadata map[string]string) error {
	if handle == nil {
		return fmt.Errorf("register upload %s: cancellation handle is required", id)
	}
	err := m.registry.Insert(Record{
		ID:        id,
		Status:    domain.UploadStatusUploading,
		Handle:    cancelOnce(handle),
		Metadata:  maps.Clone(metadata),
		StartTime: m.now(),
	})
	if err != nil {
		m.cfg.Logger.WithField("upload_id", id).Warnf("register upload: %v", err)
		return err
	}
	m.cfg.Logger.WithField("upload_id", id).Debug("upload registered")
	return nil
}

// UnregisterUpload forgets id. Callers that want observers to see a final
// status set it first.
func (m *Manager) UnregisterUpload(id string) {
	if m.registry.Remove(id) {
		m.cfg.Logger.WithField("upload_id", id).Debug("upload unregistered")
	}
}

// ReleaseAfterGrace unregisters id once the grace delay has passed.
func (m *Manager) ReleaseAfterGrace(id string) {
	m.coordinator.RemoveAfterGrace(id)
}

// CancelUpload stops id locally and notifies the remote side. Unknown ids
// are ignored. Remote failures are logged, never returned.
func (m *Manager) CancelUpload(ctx context.Context, id string) {
	rec, ok := m.registry.Get(id)
	if !ok {
		m.cfg.Logger.WithField("upload_id", id).Debug("cancel of unknown upload ignored")
		return
	}
	if current, cancelled := m.coordinator.CancelOne(ctx, rec); cancelled {
		m.appendHistory(current, nil)
	}
}

// CancelAllUploads stops every active upload, then notifies the remote side
// with a single batched request. Records are dropped after the grace delay.
// It returns how many uploads it cancelled, paused ones included.
func (m *Manager) CancelAllUploads(ctx context.Context) int {
	cancelled := m.coordinator.CancelAll(ctx, m.registry.Snapshot())
	for _, rec := range cancelled {
		m.appendHistory(rec, nil)
	}
	return len(cancelled)
}

func (m *Manager) IsUploadCancelled(id string) bool {
	return m.GetUploadStatus(id) == domain.UploadStatusCancelled
}

func (m *Manager) GetUploadStatus(id string) domain.UploadStatus {
	rec, ok := m.registry.Get(id)
	if !ok {
		return domain.UploadStatusUnknown
	}
	return rec.Status
}

// GetUpload returns a copy of the record for id.
func (m *Manager) GetUpload(id string) (Record, bool) {
	return m.registry.Get(id)
}

// GetActiveUploads lists every tracked record, oldest first.
func (m *Manager) GetActiveUploads() []ActiveUpload {
	records := m.registry.Snapshot()
	slices.SortFunc(records, func(a, b Record) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	out := make([]ActiveUpload, len(records))
	for i, rec := range records {
		out[i] = ActiveUpload{ID: rec.ID, Record: rec}
	}
	return out
}

// GetActiveUploadsCount counts records that are exactly uploading.
func (m *Manager) GetActiveUploadsCount() int {
	return m.registry.Count(func(rec Record) bool {
		return rec.Status == domain.UploadStatusUploading
	})
}

func (m *Manager) PauseUpload(id string) error {
	if _, err := m.registry.Transition(id, domain.UploadStatusPaused); err != nil {
		return err
	}
	m.cfg.Logger.WithField("upload_id", id).Info("upload paused")
	return nil
}

func (m *Manager) ResumeUpload(id string) error {
	if _, err := m.registry.Transition(id, domain.UploadStatusUploading); err != nil {
		return err
	}
	m.cfg.Logger.WithField("upload_id", id).Info("upload resumed")
	return nil
}

func (m *Manager) MarkCompleted(id string) error {
	rec, err := m.registry.Transition(id, domain.UploadStatusCompleted)
	if err != nil {
		return err
	}
	m.appendHistory(rec, nil)
	return nil
}

func (m *Manager) MarkFailed(id string, cause error) error {
	rec, err := m.registry.Transition(id, domain.UploadStatusFailed)
	if err != nil {
		return err
	}
	m.cfg.Logger.WithField("upload_id", id).Errorf("upload failed: %v", cause)
	m.appendHistory(rec, cause)
	return nil
}

// SetBackendUploadID records the server-assigned id so cancellation can
// reach the remote side.
func (m *Manager) SetBackendUploadID(id, backendID string) error {
	return m.registry.SetMetadata(id, domain.MetadataBackendUploadID, backendID)
}

// WaitIfPaused blocks while id is paused. It returns nil once the record is
// no longer paused, ErrNotFound if the record disappears, or ctx's error.
func (m *Manager) WaitIfPaused(ctx context.Context, id string) error {
	for {
		gate, _, ok := m.registry.pauseGate(id)
		if !ok {
			return fmt.Errorf("wait on upload %s: %w", id, ErrNotFound)
		}
		if gate == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gate:
		}
	}
}

// Shutdown stops pending grace-delay removals.
func (m *Manager) Shutdown() {
	m.coordinator.Stop()
}

func (m *Manager) appendHistory(rec Record, cause error) {
	if m.cfg.History == nil {
		return
	}
	entry := domain.UploadHistoryEntry{
		UploadID:   rec.ID,
		FileName:   rec.Metadata[domain.MetadataFileName],
		Status:     rec.Status,
		StartedAt:  rec.StartTime,
		FinishedAt: m.now(),
	}
	entry.BackendUploadID, _ = rec.BackendID()
	if size, err := strconv.ParseInt(rec.Metadata[domain.MetadataSize], 10, 64); err == nil {
		entry.Size = size
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cfg.History.Append(ctx, entry); err != nil && !errors.Is(err, context.Canceled) {
		m.cfg.Logger.WithField("upload_id", rec.ID).Warnf("append upload history: %v", err)
	}
}
