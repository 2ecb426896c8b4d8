package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"course-uploader/internal/domain"
)

// Session describes an upload to the transport when it starts.
type Session struct {
	UploadID    string
	FileName    string
	Size        int64
	ContentType string
}

// Chunk is one slice of the file. Data is reused after Send returns.
type Chunk struct {
	BackendID string
	Index     int
	Offset    int64
	Total     int64
	Data      []byte
}

type ChunkResult struct {
	Index int
	ETag  string
}

// Transport moves bytes to the remote side. Every call must honour ctx
// cancellation.
type Transport interface {
	Begin(ctx context.Context, session Session) (backendID string, err error)
	Send(ctx context.Context, chunk Chunk) (ChunkResult, error)
	Complete(ctx context.Context, backendID string, parts []ChunkResult) (location string, err error)
}

// Source is a file waiting to be uploaded.
type Source struct {
	Name        string
	Size        int64
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// FileSource builds a Source for a local file. An empty contentType is
// guessed from the extension.
func FileSource(path, contentType string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("%s is a directory", path)
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(path))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Source{
		Name:        filepath.Base(path),
		Size:        info.Size(),
		ContentType: contentType,
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

type PoolConfig struct {
	ChunkSize     int64
	MaxConcurrent int
	// ChunksPerSecond caps chunk sends across the pool; zero disables pacing.
	ChunksPerSecond float64
	Logger          *logrus.Logger
}

// Pool runs chunked uploads registered with a Manager.
type Pool struct {
	cfg       PoolConfig
	manager   *Manager
	transport Transport
	limiter   *rate.Limiter

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewPool(cfg PoolConfig, manager *Manager, transport Transport) *Pool {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 8 << 20
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	p := &Pool{
		cfg:       cfg,
		manager:   manager,
		transport: transport,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
	if cfg.ChunksPerSecond > 0 {
		burst := int(cfg.ChunksPerSecond)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.ChunksPerSecond), burst)
	}
	return p
}

func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.cfg.Logger.Infof("upload pool started, chunk size %s, %d workers", formatBytes(p.cfg.ChunkSize), p.cfg.MaxConcurrent)
}

// Shutdown stops every running upload and waits for the workers to exit.
func (p *Pool) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.cfg.Logger.Info("upload pool stopped")
}

// Submit registers src with the manager and queues it. The upload is
// cancellable as soon as Submit returns.
func (p *Pool) Submit(src Source) (string, error) {
	if p.ctx == nil {
		return "", errors.New("upload pool not started")
	}
	if src.Open == nil {
		return "", errors.New("upload source has no reader")
	}

	id := p.manager.GenerateUploadID()
	uploadCtx, cancel := context.WithCancelCause(p.ctx)
	metadata := map[string]string{
		domain.MetadataFileName:    src.Name,
		domain.MetadataSize:        strconv.FormatInt(src.Size, 10),
		domain.MetadataContentType: src.ContentType,
	}
	if err := p.manager.RegisterUpload(id, NewContextHandle(cancel), metadata); err != nil {
		cancel(nil)
		return "", err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel(nil)
		select {
		case <-uploadCtx.Done():
			p.finish(uploadCtx, id, uploadCtx.Err())
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
			p.finish(uploadCtx, id, p.run(uploadCtx, id, src))
		}
	}()
	return id, nil
}

func (p *Pool) finish(ctx context.Context, id string, err error) {
	logger := p.cfg.Logger.WithField("upload_id", id)
	defer p.manager.ReleaseAfterGrace(id)

	switch {
	case err == nil:
		if markErr := p.manager.MarkCompleted(id); markErr != nil {
			logger.Warnf("mark completed: %v", markErr)
		}
	case errors.Is(context.Cause(ctx), ErrUploadCancelled):
		// the coordinator owns the cancelled transition and the remote notify
		logger.Info("upload stopped after cancellation")
	default:
		if markErr := p.manager.MarkFailed(id, err); markErr != nil {
			logger.Debugf("mark failed: %v", markErr)
		}
	}
}

func (p *Pool) run(ctx context.Context, id string, src Source) error {
	logger := p.cfg.Logger.WithField("upload_id", id)

	rc, err := src.Open()
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer rc.Close()

	backendID, err := p.transport.Begin(ctx, Session{
		UploadID:    id,
		FileName:    src.Name,
		Size:        src.Size,
		ContentType: src.ContentType,
	})
	if err != nil {
		return fmt.Errorf("begin upload: %w", err)
	}
	if err := p.manager.SetBackendUploadID(id, backendID); err != nil {
		p.abandon(ctx, backendID, logger)
		return err
	}
	// a cancel that read the record before the backend id was attached
	// could not notify the remote side
	if ctx.Err() != nil {
		p.abandon(ctx, backendID, logger)
		return ctx.Err()
	}
	logger = logger.WithField("backend_upload_id", backendID)
	logger.Infof("upload started: %s (%s)", src.Name, formatBytes(src.Size))

	progress := newUploadProgressLogger(logger)
	buf := make([]byte, p.cfg.ChunkSize)
	var (
		parts  []ChunkResult
		offset int64
	)
	for index := 0; ; index++ {
		if err := p.manager.WaitIfPaused(ctx, id); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(rc, buf)
		if n > 0 || index == 0 {
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			res, err := p.transport.Send(ctx, Chunk{
				BackendID: backendID,
				Index:     index,
				Offset:    offset,
				Total:     src.Size,
				Data:      buf[:n],
			})
			if err != nil {
				return fmt.Errorf("send chunk %d: %w", index, err)
			}
			parts = append(parts, res)
			offset += int64(n)
			progress(offset, src.Size)
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read chunk %d: %w", index, readErr)
		}
	}

	if err := p.manager.WaitIfPaused(ctx, id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	location, err := p.transport.Complete(ctx, backendID, parts)
	if err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	logger.Infof("upload completed: %s", location)
	return nil
}

// abandon tells the remote side about an upload that was cancelled before
// the coordinator could see its backend id.
func (p *Pool) abandon(ctx context.Context, backendID string, logger *logrus.Entry) {
	notifier, ok := p.transport.(Notifier)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := notifier.CancelUpload(ctx, backendID); err != nil {
		logger.WithField("backend_upload_id", backendID).Warnf("remote cancel failed: %v", err)
	}
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total <= 0 {
			logger.Infof("upload progress: %s uploaded", formatBytes(done))
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Infof("upload progress: %.1f%% (%s/%s)", percent, formatBytes(done), formatBytes(total))
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}
