package uploads

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"course-uploader/internal/domain"
)

// Notifier tells the remote side that uploads were abandoned so it can free
// partially stored data. Implementations must treat already cancelled or
// finished uploads as success.
type Notifier interface {
	CancelUpload(ctx context.Context, backendID string) error
	CancelUploads(ctx context.Context, backendIDs []string) error
}

type CoordinatorConfig struct {
	// GraceDelay is how long cancelled records stay visible after a bulk
	// cancel before they are dropped from the registry.
	GraceDelay time.Duration
	// NotifyTimeout bounds each remote cancel request.
	NotifyTimeout time.Duration
	Logger        *logrus.Logger
}

// Coordinator turns a cancel request into local handle invocation followed
// by a best-effort remote notification. Local cancellation always happens
// first and never depends on the remote call.
type Coordinator struct {
	cfg      CoordinatorConfig
	registry *Registry
	notifier Notifier

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
}

func NewCoordinator(cfg CoordinatorConfig, registry *Registry, notifier Notifier) *Coordinator {
	if cfg.GraceDelay < 0 {
		cfg.GraceDelay = 0
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Coordinator{
		cfg:      cfg,
		registry: registry,
		notifier: notifier,
		timers:   make(map[*time.Timer]struct{}),
	}
}

// CancelOne stops a single upload and reports the record as it stands
// afterwards; ok is false when this call did not move it to cancelled.
// A panicking handle is not recovered.
func (c *Coordinator) CancelOne(ctx context.Context, rec Record) (current Record, ok bool) {
	logger := c.cfg.Logger.WithField("upload_id", rec.ID)

	if rec.Handle != nil {
		rec.Handle.Cancel()
	}

	// the record read after the transition may carry a backend id the worker
	// attached in the meantime
	target := rec
	current, err := c.registry.Transition(rec.ID, domain.UploadStatusCancelled)
	if err != nil {
		logger.Debugf("mark cancelled: %v", err)
		if errors.Is(err, ErrInvalidTransition) && current.Status != domain.UploadStatusCancelled {
			// finished before the cancel landed; nothing left to abandon remotely
			return current, false
		}
	} else {
		target = current
		logger.Info("upload cancelled")
	}

	if backendID, found := target.BackendID(); found {
		if err := c.notify(ctx, []string{backendID}, false); err != nil {
			logger.WithField("backend_upload_id", backendID).Warnf("remote cancel failed: %v", err)
		}
	}
	return current, err == nil
}

// CancelAll stops every active upload in records, then sends one batched
// remote cancel, then schedules the records for removal after the grace
// delay. No remote call starts before every local handle has been invoked.
// It returns the records this call moved to cancelled.
func (c *Coordinator) CancelAll(ctx context.Context, records []Record) []Record {
	cancelled := make([]Record, 0, len(records))
	for _, rec := range records {
		if !rec.Status.Active() {
			continue
		}
		if rec.Handle != nil {
			rec.Handle.Cancel()
		}
		current, err := c.registry.Transition(rec.ID, domain.UploadStatusCancelled)
		if err != nil {
			c.cfg.Logger.WithField("upload_id", rec.ID).Debugf("mark cancelled: %v", err)
			continue
		}
		cancelled = append(cancelled, current)
	}
	c.cfg.Logger.Infof("cancelled %d of %d uploads", len(cancelled), len(records))

	backendIDs := make([]string, 0, len(cancelled))
	for _, rec := range cancelled {
		if id, ok := rec.BackendID(); ok {
			backendIDs = append(backendIDs, id)
		}
	}
	if len(backendIDs) > 0 {
		if err := c.notify(ctx, backendIDs, true); err != nil {
			c.cfg.Logger.WithField("backend_upload_ids", backendIDs).Warnf("remote batch cancel failed: %v", err)
		}
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	c.RemoveAfterGrace(ids...)
	return cancelled
}

func (c *Coordinator) notify(ctx context.Context, backendIDs []string, batch bool) error {
	if c.notifier == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.NotifyTimeout)
	defer cancel()

	if batch {
		if err := c.notifier.CancelUploads(ctx, backendIDs); err != nil {
			return fmt.Errorf("cancel %d remote uploads: %w", len(backendIDs), err)
		}
		return nil
	}
	if err := c.notifier.CancelUpload(ctx, backendIDs[0]); err != nil {
		return fmt.Errorf("cancel remote upload %s: %w", backendIDs[0], err)
	}
	return nil
}

// RemoveAfterGrace drops ids from the registry once the grace delay has
// passed, giving observers time to read their final status.
func (c *Coordinator) RemoveAfterGrace(ids ...string) {
	if len(ids) == 0 {
		return
	}
	if c.cfg.GraceDelay == 0 {
		c.registry.RemoveAll(ids)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.cfg.GraceDelay, func() {
		removed := c.registry.RemoveAll(ids)
		c.mu.Lock()
		delete(c.timers, timer)
		c.mu.Unlock()
		c.cfg.Logger.Debugf("released %d upload records", removed)
	})
	c.timers[timer] = struct{}{}
}

// Stop cancels pending removals. Records they would have dropped stay in
// the registry.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for timer := range c.timers {
		timer.Stop()
	}
	clear(c.timers)
}
