package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	_ "github.com/taxdesk/taxdesk-api/api/swagger"
	"github.com/taxdesk/taxdesk-api/internal/handler"
	"github.com/taxdesk/taxdesk-api/internal/middleware"
	"github.com/taxdesk/taxdesk-api/internal/repository"
	"github.com/taxdesk/taxdesk-api/internal/service"
	"github.com/taxdesk/taxdesk-api/pkg/cache"
	"github.com/taxdesk/taxdesk-api/pkg/config"
	"github.com/taxdesk/taxdesk-api/pkg/database"
	"github.com/taxdesk/taxdesk-api/pkg/jobs"
	"github.com/taxdesk/taxdesk-api/pkg/logger"
	corsmiddleware "github.com/taxdesk/taxdesk-api/pkg/middleware/cors"
	reqidmiddleware "github.com/taxdesk/taxdesk-api/pkg/middleware/requestid"
	"github.com/taxdesk/taxdesk-api/pkg/storage"
)

// @title TaxDesk API
// @version 1.0.0
// @description Tax filing case management platform
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close() //nolint:errcheck

	blobs, err := storage.NewLocalBlobStore(cfg.Documents.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init blob storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Documents.SignedURLSecret, cfg.Documents.SignedURLTTL)

	userRepo := repository.NewUserRepository(db)
	filingRepo := repository.NewFilingRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	authSvc := service.NewAuthService(userRepo, auditRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "taxdesk-api",
	})

	notificationSvc := service.NewNotificationService(notificationRepo, logr, jobs.QueueConfig{
		Workers:    cfg.Notifications.WorkerConcurrency,
		MaxRetries: cfg.Notifications.WorkerRetries,
		RetryDelay: cfg.Notifications.RetryDelay,
		Logger:     logr,
	})

	filingSvc := service.NewFilingService(filingRepo, userRepo, auditRepo, notificationSvc, cacheRepo, logr, cfg.Stats.CacheTTL)
	filingSvc.SetMetrics(metricsSvc)

	documentSvc := service.NewDocumentService(documentRepo, filingRepo, blobs, signer, notificationSvc, logr, service.DocumentServiceConfig{
		MaxFileSize:  cfg.Documents.MaxFileSizeBytes,
		AllowedMIMEs: cfg.Documents.AllowedMIMEs,
		DownloadPath: cfg.APIPrefix + "/documents/download",
	})
	documentSvc.SetMetrics(metricsSvc)

	reviewSvc := service.NewReviewService(documentRepo, notificationSvc, logr)
	reviewSvc.SetMetrics(metricsSvc)

	checklistSvc := service.NewChecklistService(documentRepo, filingRepo, cacheRepo, logr, cfg.Stats.ChecklistCacheTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notificationSvc.Start(ctx)
	defer notificationSvc.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	handler.RegisterRoutes(r, cfg, authSvc, handler.Handlers{
		Auth:          handler.NewAuthHandler(authSvc),
		Filings:       handler.NewFilingHandler(filingSvc, checklistSvc),
		Documents:     handler.NewDocumentHandler(documentSvc, reviewSvc, cfg.Documents.MaxFileSizeBytes),
		Notifications: handler.NewNotificationHandler(notificationSvc),
		Metrics:       handler.NewMetricsHandler(metricsSvc),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
