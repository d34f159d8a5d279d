package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"

	_ "github.com/learnspace/learnspace-api/api/swagger"
	"github.com/learnspace/learnspace-api/internal/handler"
	"github.com/learnspace/learnspace-api/internal/repository"
	"github.com/learnspace/learnspace-api/internal/router"
	"github.com/learnspace/learnspace-api/internal/service"
	"github.com/learnspace/learnspace-api/pkg/cache"
	"github.com/learnspace/learnspace-api/pkg/config"
	"github.com/learnspace/learnspace-api/pkg/database"
	"github.com/learnspace/learnspace-api/pkg/export"
	"github.com/learnspace/learnspace-api/pkg/logger"
	"github.com/learnspace/learnspace-api/pkg/storage"
)

// @title LearnSpace API
// @version 1.0.0
// @description Course enrollment and learning progress platform
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
		// The mirror and catalog cache degrade to repository reads.
		logr.Sugar().Warnw("redis unavailable, continuing without cache", "error", err)
		redisClient = nil
	}

	materialStore, err := storage.NewLocalStorage(cfg.Materials.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init material storage", "error", err)
	}
	certificateStore, err := storage.NewLocalStorage(cfg.Certificates.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init certificate storage", "error", err)
	}

	materialSigner := storage.NewSignedURLSigner(cfg.Materials.SignedURLSecret, cfg.Materials.SignedURLTTL)
	certificateSigner := storage.NewSignedURLSigner(cfg.Certificates.SignedURLSecret, cfg.Certificates.SignedURLTTL)

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	materialRepo := repository.NewMaterialRepository(db)
	certificateRepo := repository.NewCertificateRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	metricsSvc := service.NewMetricsService()

	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Enrollments.MirrorTTL, logr, redisClient != nil)
	mirror := service.NewEnrollmentMirror(cacheSvc, enrollmentRepo, cfg.Enrollments.MirrorTTL, logr)
	if !cfg.Enrollments.MirrorEnabled {
		mirror = nil
	}

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "learnspace-api",
		Audience:           []string{"learnspace"},
		SingleSession:      false,
	})

	courseSvc := service.NewCourseService(courseRepo, cacheSvc, validate, logr)

	certificateSvc := service.NewCertificateService(
		certificateRepo,
		enrollmentRepo,
		userRepo,
		export.NewCertificateRenderer(),
		certificateStore,
		certificateSigner,
		cfg.Certificates.IssuerName,
		service.CertificateQueueConfig{
			Workers:    cfg.Certificates.WorkerConcurrency,
			MaxRetries: cfg.Certificates.WorkerRetries,
			RetryDelay: 5 * time.Second,
		},
		logr,
	)

	enrollmentSvc := service.NewEnrollmentService(
		enrollmentRepo,
		courseRepo,
		certificateSvc,
		mirror,
		export.NewCSVExporter(),
		metricsSvc,
		validate,
		logr,
	)

	materialSvc := service.NewMaterialService(
		materialRepo,
		courseRepo,
		enrollmentRepo,
		materialStore,
		materialSigner,
		cfg.Materials.MaxFileSizeBytes,
		cfg.Materials.AllowedMIMEs,
		logr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	certificateSvc.Start(ctx)
	defer certificateSvc.Stop()

	r := router.New(router.Dependencies{
		Config:       cfg,
		Logger:       logr,
		Metrics:      metricsSvc,
		AuthService:  authSvc,
		UserRepo:     userRepo,
		Auth:         handler.NewAuthHandler(authSvc),
		Courses:      handler.NewCourseHandler(courseSvc),
		Enrollments:  handler.NewEnrollmentHandler(enrollmentSvc, cfg.Payments.WebhookSecret, cfg.Payments.WebhookHeader),
		Materials:    handler.NewMaterialHandler(materialSvc),
		Certificates: handler.NewCertificateHandler(certificateSvc),
		System:       handler.NewMetricsHandler(metricsSvc),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
