package uploads

import (
	"context"
	"errors"
	"sync"
)

// ErrUploadCancelled is the cause a ContextHandle sets on its context, so
// a worker can tell a user cancel apart from a pool shutdown.
var ErrUploadCancelled = errors.New("upload cancelled")

// CancelHandle asks an in-flight transfer to stop sending data. Only the
// first call has an effect.
type CancelHandle interface {
	Cancel()
}

// ContextHandle cancels a transfer context with ErrUploadCancelled as the
// cause.
type ContextHandle struct {
	once   sync.Once
	cancel context.CancelCauseFunc
}

func NewContextHandle(cancel context.CancelCauseFunc) *ContextHandle {
	return &ContextHandle{cancel: cancel}
}

func (h *ContextHandle) Cancel() {
	h.once.Do(func() { h.cancel(ErrUploadCancelled) })
}

// HandleFunc adapts a plain func. The func itself may run any number of
// times; RegisterUpload wraps it so the manager calls it at most once.
type HandleFunc func()

func (f HandleFunc) Cancel() { f() }

type onceHandle struct {
	once   sync.Once
	handle CancelHandle
}

func (h *onceHandle) Cancel() {
	h.once.Do(h.handle.Cancel)
}

// cancelOnce guards handle so repeated cancels reach it only once.
func cancelOnce(handle CancelHandle) CancelHandle {
	switch handle.(type) {
	case nil, *ContextHandle, *onceHandle:
		return handle
	}
	return &onceHandle{handle: handle}
}

var (
	_ CancelHandle = (*ContextHandle)(nil)
	_ CancelHandle = HandleFunc(nil)
	_ CancelHandle = (*onceHandle)(nil)
)
