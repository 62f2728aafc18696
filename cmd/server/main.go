package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/romanitalian/streamreel/internal/archive"
	"github.com/romanitalian/streamreel/internal/config"
	"github.com/romanitalian/streamreel/internal/fetcher"
	"github.com/romanitalian/streamreel/internal/hls"
	"github.com/romanitalian/streamreel/internal/httpapi"
	"github.com/romanitalian/streamreel/internal/repository/sqlite"
	"github.com/romanitalian/streamreel/internal/runner"
	"github.com/romanitalian/streamreel/internal/scheduler"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if cfg.Auth.Secret == "" {
		logger.Fatalf("control plane bearer secret is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Download.DataDir, 0o755); err != nil {
		logger.Fatalf("create download dir: %v", err)
	}

	db, err := sqlite.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	taskRepo := sqlite.NewTaskRepository(db)

	resolver := hls.New(fetcher.Client())
	taskRunner := runner.New(cfg.Download.DataDir, resolver, logger)

	var archiver scheduler.Archiver
	if cfg.Archive.Bucket != "" {
		s3Client, err := buildS3Client(ctx, cfg, logger)
		if err != nil {
			logger.Fatalf("setup archive storage: %v", err)
		}
		archiver = archive.New(s3Client, cfg.Archive.Bucket, cfg.Archive.KeyPrefix)
	}

	sched := scheduler.New(scheduler.Config{
		Repo:          taskRepo,
		Runner:        taskRunner,
		Archiver:      archiver,
		DownloadDir:   cfg.Download.DataDir,
		MaxConcurrent: cfg.Download.MaxConcurrent,
		Logger:        logger,
	})
	if err := sched.Initialize(ctx); err != nil {
		logger.Fatalf("initialize scheduler: %v", err)
	}

	auth, err := httpapi.NewAuthenticator(cfg.Auth.Secret, time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute)
	if err != nil {
		logger.Fatalf("setup authenticator: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	httpapi.NewHandler(sched, auth).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
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

	logger.Info("bye")
}

func buildS3Client(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*s3.Client, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Archive.Region),
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Archive.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Archive.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("archival mirror enabled: bucket %s (region %s)", cfg.Archive.Bucket, cfg.Archive.Region)
	return client, nil
}
