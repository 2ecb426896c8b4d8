package uploads

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"course-uploader/internal/domain"
)

var (
	ErrNotFound          = errors.New("upload not found")
	ErrAlreadyRegistered = errors.New("upload already registered")
	ErrInvalidTransition = errors.New("invalid upload status transition")
)

// Record describes one upload session. Values returned by the registry are
// copies; mutate through Registry methods only.
type Record struct {
	ID        string
	Status    domain.UploadStatus
	Handle    CancelHandle
	Metadata  map[string]string
	StartTime time.Time
}

// BackendID returns the server-assigned upload id, if any.
func (r Record) BackendID() (string, bool) {
	id, ok := r.Metadata[domain.MetadataBackendUploadID]
	return id, ok && id != ""
}

func (r Record) clone() Record {
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

type entry struct {
	rec Record
	// resume is open while the record is paused and closed when it leaves
	// the paused state or the registry.
	resume chan struct{}
}

// Registry maps upload ids to records. It is the only shared mutable state
// of the upload subsystem. Every method holds the lock for map work only.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) Insert(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("insert upload: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[rec.ID]; exists {
		return fmt.Errorf("insert upload %s: %w", rec.ID, ErrAlreadyRegistered)
	}
	r.entries[rec.ID] = &entry{rec: rec.clone()}
	return nil
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// RemoveAll deletes every id in ids and returns how many were present.
func (r *Registry) RemoveAll(ids []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if r.removeLocked(id) {
			removed++
		}
	}
	return removed
}

func (r *Registry) removeLocked(id string) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if e.resume != nil {
		close(e.resume)
	}
	delete(r.entries, id)
	return true
}

func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.rec.clone(), true
}

// Snapshot copies every record.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.rec.clone())
	}
	return out
}

// ForEach calls visit for every record of a snapshot taken before the first
// call, so visit may use the registry freely.
func (r *Registry) ForEach(visit func(Record)) {
	for _, rec := range r.Snapshot() {
		visit(rec)
	}
}

// Count reports how many records of a snapshot satisfy match. Like ForEach,
// match sees copies and may use the registry.
func (r *Registry) Count(match func(Record) bool) int {
	n := 0
	for _, rec := range r.Snapshot() {
		if match(rec) {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Transition moves id to status to, checking the state machine under the
// same lock acquisition as the write.
func (r *Registry) Transition(id string, to domain.UploadStatus) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Record{}, fmt.Errorf("transition upload %s: %w", id, ErrNotFound)
	}
	from := e.rec.Status
	if !from.CanTransitionTo(to) {
		return e.rec.clone(), fmt.Errorf("transition upload %s from %s to %s: %w", id, from, to, ErrInvalidTransition)
	}
	e.rec.Status = to
	switch {
	case to == domain.UploadStatusPaused:
		e.resume = make(chan struct{})
	case from == domain.UploadStatusPaused && e.resume != nil:
		close(e.resume)
		e.resume = nil
	}
	return e.rec.clone(), nil
}

func (r *Registry) SetMetadata(id, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("set metadata on upload %s: %w", id, ErrNotFound)
	}
	if e.rec.Metadata == nil {
		e.rec.Metadata = make(map[string]string)
	}
	e.rec.Metadata[key] = value
	return nil
}

// pauseGate returns the channel a worker waits on while id is paused. A nil
// channel means the record is not paused; ok is false when id is unknown.
func (r *Registry) pauseGate(id string) (gate <-chan struct{}, status domain.UploadStatus, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, domain.UploadStatusUnknown, false
	}
	return e.resume, e.rec.Status, true
}
