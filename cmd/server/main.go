package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"course-uploader/internal/config"
	apphttp "course-uploader/internal/http"
	"course-uploader/internal/platform"
	"course-uploader/internal/repository/sqlite"
	"course-uploader/internal/storage"
	"course-uploader/internal/uploads"
)

// backend is what an upload destination must provide: the chunk transport
// and the remote cancel endpoint.
type backend interface {
	uploads.Transport
	uploads.Notifier
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	historyRepo := sqlite.NewHistoryRepository(db)
	if err := historyRepo.Init(ctx); err != nil {
		logger.Fatalf("init history repository: %v", err)
	}

	dest, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup %s backend: %v", cfg.Storage.Backend, err)
	}

	manager := uploads.NewManager(uploads.Config{
		GraceDelay:    cfg.Upload.GraceDelay,
		NotifyTimeout: cfg.Upload.RemoteCancelTimeout,
		History:       historyRepo,
		Logger:        logger,
	}, dest)

	pool := uploads.NewPool(uploads.PoolConfig{
		ChunkSize:       cfg.Upload.ChunkSize,
		MaxConcurrent:   cfg.Upload.MaxConcurrent,
		ChunksPerSecond: cfg.Upload.ChunksPerSecond,
		Logger:          logger,
	}, manager, dest)
	// not tied to the signal context: shutdown cancels uploads through the
	// manager first, then stops the pool
	pool.Start(context.Background())

	if cfg.Auth.JWTSecret == "" {
		logger.Warnf("auth.jwt_secret not set, local API is unauthenticated and limited to %s", cfg.Upload.Root)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(manager, pool, historyRepo, apphttp.Options{
		JWTSecret:  cfg.Auth.JWTSecret,
		UploadRoot: cfg.Upload.Root,
	}, logger)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}

	// tell the remote side about in-flight uploads before the workers go
	if n := manager.CancelAllUploads(shutdownCtx); n > 0 {
		logger.Infof("cancelled %d uploads", n)
	}
	pool.Shutdown()
	manager.Shutdown()

	logger.Info("bye")
}

func buildBackend(ctx context.Context, cfg config.Config, logger *logrus.Logger) (backend, error) {
	if cfg.Storage.Backend == config.BackendS3 {
		return buildS3(ctx, cfg, logger)
	}
	client, err := platform.NewClient(platform.Config{
		BaseURL:   cfg.Platform.BaseURL,
		JWTSecret: cfg.Auth.JWTSecret,
		Subject:   cfg.Platform.Subject,
		TokenTTL:  cfg.TokenTTL(),
		Timeout:   cfg.Platform.Timeout,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("uploading to course platform at %s", cfg.Platform.BaseURL)
	return client, nil
}

func buildS3(ctx context.Context, cfg config.Config, logger *logrus.Logger) (backend, error) {
	client, err := storage.NewClient(ctx, storage.ClientConfig{
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		Profile:         cfg.AWS.Profile,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	transport, err := storage.NewS3Transport(client, storage.Options{
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Storage.KeyPrefix,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)

	if cfg.Storage.StaleAfter > 0 {
		n, err := transport.AbortStale(ctx, cfg.Storage.StaleAfter)
		if err != nil {
			logger.Warnf("abort stale multipart uploads: %v", err)
		} else if n > 0 {
			logger.Infof("aborted %d stale multipart uploads", n)
		}
	}
	return transport, nil
}
