package uploads

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-uploader/internal/domain"
)

func newRecord(id string) Record {
	return Record{
		ID:        id,
		Status:    domain.UploadStatusUploading,
		Handle:    HandleFunc(func() {}),
		Metadata:  map[string]string{"fileName": id + ".mp4"},
		StartTime: time.Now(),
	}
}

func TestRegistryInsertRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	first := newRecord("u1")
	require.NoError(t, r.Insert(first))

	second := newRecord("u1")
	second.Metadata = map[string]string{"fileName": "other.mp4"}
	err := r.Insert(second)
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	got, ok := r.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "u1.mp4", got.Metadata["fileName"])
	assert.Equal(t, 1, r.Len())
}

func TestRegistryInsertRejectsEmptyID(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Insert(Record{Status: domain.UploadStatusUploading}))
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newRecord("u1")))

	assert.False(t, r.Remove("missing"))
	assert.True(t, r.Remove("u1"))
	assert.False(t, r.Remove("u1"))

	_, ok := r.Get("u1")
	assert.False(t, ok)

	// the id is free again once removed
	require.NoError(t, r.Insert(newRecord("u1")))
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newRecord("u1")))

	got, _ := r.Get("u1")
	got.Metadata["fileName"] = "mutated"
	got.Status = domain.UploadStatusFailed

	again, _ := r.Get("u1")
	assert.Equal(t, "u1.mp4", again.Metadata["fileName"])
	assert.Equal(t, domain.UploadStatusUploading, again.Status)
}

func TestRegistryForEachAllowsMutation(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, r.Insert(newRecord(id)))
	}

	visited := 0
	r.ForEach(func(rec Record) {
		visited++
		r.Remove(rec.ID)
	})
	assert.Equal(t, 3, visited)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryCount(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, r.Insert(newRecord(id)))
	}
	_, err := r.Transition("u2", domain.UploadStatusPaused)
	require.NoError(t, err)

	uploading := r.Count(func(rec Record) bool { return rec.Status == domain.UploadStatusUploading })
	assert.Equal(t, 2, uploading)
}

func TestRegistryCountSeesCopies(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newRecord("u1")))

	n := r.Count(func(rec Record) bool {
		rec.Metadata["fileName"] = "changed.mp4"
		_, stillThere := r.Get(rec.ID)
		return stillThere
	})
	assert.Equal(t, 1, n)

	rec, ok := r.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "u1.mp4", rec.Metadata["fileName"])
}

func TestRegistryTransition(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newRecord("u1")))

	_, err := r.Transition("missing", domain.UploadStatusCancelled)
	require.ErrorIs(t, err, ErrNotFound)

	rec, err := r.Transition("u1", domain.UploadStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStatusCompleted, rec.Status)

	rec, err = r.Transition("u1", domain.UploadStatusCancelled)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, domain.UploadStatusCompleted, rec.Status)
}

func TestRegistryPauseGate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newRecord("u1")))

	gate, status, ok := r.pauseGate("u1")
	require.True(t, ok)
	assert.Nil(t, gate)
	assert.Equal(t, domain.UploadStatusUploading, status)

	_, err := r.Transition("u1", domain.UploadStatusPaused)
	require.NoError(t, err)
	gate, _, _ = r.pauseGate("u1")
	require.NotNil(t, gate)

	_, err = r.Transition("u1", domain.UploadStatusUploading)
	require.NoError(t, err)
	select {
	case <-gate:
	default:
		t.Fatal("gate not released on resume")
	}
}

func TestRegistryRemoveReleasesPausedGate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newRecord("u1")))
	_, err := r.Transition("u1", domain.UploadStatusPaused)
	require.NoError(t, err)
	gate, _, _ := r.pauseGate("u1")

	r.Remove("u1")
	select {
	case <-gate:
	default:
		t.Fatal("gate not released on remove")
	}
}

func TestRegistrySetMetadata(t *testing.T) {
	r := NewRegistry()
	require.ErrorIs(t, r.SetMetadata("missing", "k", "v"), ErrNotFound)

	require.NoError(t, r.Insert(Record{ID: "u1", Status: domain.UploadStatusUploading}))
	require.NoError(t, r.SetMetadata("u1", domain.MetadataBackendUploadID, "b1"))

	rec, _ := r.Get("u1")
	id, ok := rec.BackendID()
	assert.True(t, ok)
	assert.Equal(t, "b1", id)
}

func TestRegistryConcurrentInsert(t *testing.T) {
	r := NewRegistry()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Insert(newRecord("same")) == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, r.Len())
}
