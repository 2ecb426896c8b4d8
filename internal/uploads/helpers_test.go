package uploads

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"course-uploader/internal/domain"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// callLog records calls across handles and notifiers in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

func recordingHandle(log *callLog, id string) CancelHandle {
	return HandleFunc(func() { log.add("cancel:" + id) })
}

type fakeNotifier struct {
	log       *callLog
	singleErr error
	batchErr  error

	mu      sync.Mutex
	singles []string
	batches [][]string
}

func (n *fakeNotifier) CancelUpload(ctx context.Context, backendID string) error {
	n.log.add("remote:" + backendID)
	n.mu.Lock()
	n.singles = append(n.singles, backendID)
	n.mu.Unlock()
	return n.singleErr
}

func (n *fakeNotifier) CancelUploads(ctx context.Context, backendIDs []string) error {
	n.log.add("remote-batch")
	n.mu.Lock()
	n.batches = append(n.batches, slices.Clone(backendIDs))
	n.mu.Unlock()
	return n.batchErr
}

func (n *fakeNotifier) singleCalls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.singles)
}

func (n *fakeNotifier) batchCalls() [][]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.batches)
}

type memoryHistory struct {
	mu      sync.Mutex
	entries []domain.UploadHistoryEntry
	err     error
}

func (h *memoryHistory) Append(ctx context.Context, entry domain.UploadHistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.entries = append(h.entries, entry)
	return nil
}

func (h *memoryHistory) all() []domain.UploadHistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.entries)
}

func newTestManager(t *testing.T, notifier Notifier, grace time.Duration) *Manager {
	t.Helper()
	m := NewManager(Config{
		GraceDelay:    grace,
		NotifyTimeout: time.Second,
		Logger:        quietLogger(),
	}, notifier)
	t.Cleanup(m.Shutdown)
	return m
}

var errRemoteDown = errors.New("remote down")

func mustRegister(t *testing.T, m *Manager, id string, handle CancelHandle, metadata map[string]string) {
	t.Helper()
	require.NoError(t, m.RegisterUpload(id, handle, metadata))
}
