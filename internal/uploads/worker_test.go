package uploads

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-uploader/internal/domain"
)

type fakeTransport struct {
	mu        sync.Mutex
	begun     []Session
	received  bytes.Buffer
	indexes   []int
	completed []ChunkResult
	sendErr   error

	// block, when set, is waited on by every Send before it returns.
	block   chan struct{}
	entered chan int
}

func (f *fakeTransport) Begin(ctx context.Context, session Session) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = append(f.begun, session)
	return "b-" + session.UploadID, nil
}

func (f *fakeTransport) Send(ctx context.Context, chunk Chunk) (ChunkResult, error) {
	if f.entered != nil {
		f.entered <- chunk.Index
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ChunkResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return ChunkResult{}, f.sendErr
	}
	f.received.Write(chunk.Data)
	f.indexes = append(f.indexes, chunk.Index)
	return ChunkResult{Index: chunk.Index, ETag: "etag-" + strconv.Itoa(chunk.Index)}, nil
}

func (f *fakeTransport) Complete(ctx context.Context, backendID string, parts []ChunkResult) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append([]ChunkResult(nil), parts...)
	return "platform://" + backendID, nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.indexes)
}

func bytesSource(name string, data []byte) Source {
	return Source{
		Name:        name,
		Size:        int64(len(data)),
		ContentType: "video/mp4",
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func newTestPool(t *testing.T, m *Manager, transport Transport, chunkSize int64) *Pool {
	t.Helper()
	p := NewPool(PoolConfig{ChunkSize: chunkSize, MaxConcurrent: 2, Logger: quietLogger()}, m, transport)
	p.Start(context.Background())
	t.Cleanup(p.Shutdown)
	return p
}

func TestPoolUploadsInChunks(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	transport := &fakeTransport{}
	p := newTestPool(t, m, transport, 4)

	id, err := p.Submit(bytesSource("lecture.mp4", []byte("hello world!!")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.GetUploadStatus(id) == domain.UploadStatusCompleted
	}, time.Second, 5*time.Millisecond)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, "hello world!!", transport.received.String())
	assert.Equal(t, []int{0, 1, 2, 3}, transport.indexes)
	assert.Len(t, transport.completed, 4)
	require.Len(t, transport.begun, 1)
	assert.Equal(t, "lecture.mp4", transport.begun[0].FileName)

	rec, ok := m.GetUpload(id)
	require.True(t, ok)
	backendID, _ := rec.BackendID()
	assert.Equal(t, "b-"+id, backendID)
	assert.Equal(t, "13", rec.Metadata[domain.MetadataSize])
}

func TestPoolSendsSingleEmptyChunkForEmptyFile(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	transport := &fakeTransport{}
	p := newTestPool(t, m, transport, 4)

	id, err := p.Submit(bytesSource("empty.mp4", nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return m.GetUploadStatus(id) == domain.UploadStatusCompleted
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, transport.sentCount())
}

func TestPoolReleasesRecordAfterGrace(t *testing.T) {
	m := newTestManager(t, nil, 20*time.Millisecond)
	p := newTestPool(t, m, &fakeTransport{}, 4)

	id, err := p.Submit(bytesSource("a.mp4", []byte("abc")))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return m.GetUploadStatus(id) == domain.UploadStatusUnknown
	}, time.Second, 5*time.Millisecond)
}

func TestPoolMarksFailedOnTransportError(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	transport := &fakeTransport{sendErr: errors.New("503")}
	p := newTestPool(t, m, transport, 4)

	id, err := p.Submit(bytesSource("a.mp4", []byte("abcdefgh")))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return m.GetUploadStatus(id) == domain.UploadStatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestPoolStopsOnCancel(t *testing.T) {
	log := &callLog{}
	notifier := &fakeNotifier{log: log}
	m := newTestManager(t, notifier, time.Minute)
	transport := &fakeTransport{block: make(chan struct{}), entered: make(chan int, 8)}
	p := newTestPool(t, m, transport, 4)

	id, err := p.Submit(bytesSource("a.mp4", []byte("abcdefgh")))
	require.NoError(t, err)

	select {
	case <-transport.entered:
	case <-time.After(time.Second):
		t.Fatal("first chunk never sent")
	}

	m.CancelUpload(context.Background(), id)
	assert.Equal(t, domain.UploadStatusCancelled, m.GetUploadStatus(id))
	assert.Equal(t, []string{"b-" + id}, notifier.singleCalls())

	// the blocked chunk is abandoned and nothing else goes out
	assert.Never(t, func() bool { return transport.sentCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, domain.UploadStatusCancelled, m.GetUploadStatus(id))
}

// Cancelling right after the first chunk goes out must always end in
// "cancelled" with one remote notify, never in "failed", whichever of the
// worker and the coordinator reaches the record first.
func TestPoolCancelNeverEndsFailed(t *testing.T) {
	history := &memoryHistory{}
	notifier := &fakeNotifier{log: &callLog{}}
	m := NewManager(Config{
		GraceDelay:    time.Minute,
		NotifyTimeout: time.Second,
		History:       history,
		Logger:        quietLogger(),
	}, notifier)
	t.Cleanup(m.Shutdown)
	transport := &fakeTransport{block: make(chan struct{}), entered: make(chan int, 1)}
	p := NewPool(PoolConfig{ChunkSize: 4, MaxConcurrent: 4, Logger: quietLogger()}, m, transport)
	p.Start(context.Background())

	const rounds = 200
	ids := make([]string, 0, rounds)
	for i := 0; i < rounds; i++ {
		id, err := p.Submit(bytesSource("a.mp4", []byte("abcdefgh")))
		require.NoError(t, err)
		select {
		case <-transport.entered:
		case <-time.After(time.Second):
			t.Fatalf("round %d: first chunk never sent", i)
		}
		m.CancelUpload(context.Background(), id)
		require.Equal(t, domain.UploadStatusCancelled, m.GetUploadStatus(id), "round %d", i)
		ids = append(ids, id)
	}
	p.Shutdown()

	singles := notifier.singleCalls()
	require.Len(t, singles, rounds)
	for i, id := range ids {
		assert.Equal(t, domain.UploadStatusCancelled, m.GetUploadStatus(id))
		assert.Equal(t, "b-"+id, singles[i])
	}
	entries := history.all()
	require.Len(t, entries, rounds)
	for _, e := range entries {
		assert.Equal(t, domain.UploadStatusCancelled, e.Status, e.UploadID)
	}
}

func TestPoolHonoursPause(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	transport := &fakeTransport{block: make(chan struct{}), entered: make(chan int, 8)}
	p := newTestPool(t, m, transport, 4)

	id, err := p.Submit(bytesSource("a.mp4", []byte("abcdefgh")))
	require.NoError(t, err)

	<-transport.entered
	require.NoError(t, m.PauseUpload(id))
	close(transport.block)

	assert.Never(t, func() bool { return transport.sentCount() > 1 }, 60*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, domain.UploadStatusPaused, m.GetUploadStatus(id))

	require.NoError(t, m.ResumeUpload(id))
	require.Eventually(t, func() bool {
		return m.GetUploadStatus(id) == domain.UploadStatusCompleted
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, transport.sentCount())
}

func TestPoolCancelWhilePaused(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	transport := &fakeTransport{block: make(chan struct{}), entered: make(chan int, 8)}
	p := newTestPool(t, m, transport, 4)

	id, err := p.Submit(bytesSource("a.mp4", []byte("abcdefgh")))
	require.NoError(t, err)
	<-transport.entered
	require.NoError(t, m.PauseUpload(id))
	close(transport.block)

	m.CancelUpload(context.Background(), id)
	assert.Equal(t, domain.UploadStatusCancelled, m.GetUploadStatus(id))
	assert.Never(t, func() bool { return transport.sentCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestPoolShutdownFailsRunningUploads(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	transport := &fakeTransport{block: make(chan struct{}), entered: make(chan int, 8)}
	p := NewPool(PoolConfig{ChunkSize: 4, Logger: quietLogger()}, m, transport)
	p.Start(context.Background())

	id, err := p.Submit(bytesSource("a.mp4", []byte("abcdefgh")))
	require.NoError(t, err)
	<-transport.entered

	p.Shutdown()
	assert.Equal(t, domain.UploadStatusFailed, m.GetUploadStatus(id))
}

func TestPoolSubmitBeforeStart(t *testing.T) {
	m := newTestManager(t, nil, time.Minute)
	p := NewPool(PoolConfig{Logger: quietLogger()}, m, &fakeTransport{})
	_, err := p.Submit(bytesSource("a.mp4", []byte("a")))
	require.Error(t, err)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intro.mp4")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	src, err := FileSource(path, "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "intro.mp4", src.Name)
	assert.Equal(t, int64(10), src.Size)
	assert.Equal(t, "video/mp4", src.ContentType)

	guessed, err := FileSource(path, "")
	require.NoError(t, err)
	assert.NotEmpty(t, guessed.ContentType)

	rc, err := src.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	_, err = FileSource(dir, "")
	require.Error(t, err)
	_, err = FileSource(filepath.Join(dir, "missing.mp4"), "")
	require.Error(t, err)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "8.0MiB", formatBytes(8<<20))
	assert.Equal(t, "1.5KiB", formatBytes(1536))
}
