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
	"github.com/meilisearch/meilisearch-go"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/pgmles-api/api/swagger"
	"github.com/noah-isme/pgmles-api/internal/handler"
	"github.com/noah-isme/pgmles-api/internal/middleware"
	"github.com/noah-isme/pgmles-api/internal/repository"
	"github.com/noah-isme/pgmles-api/internal/service"
	"github.com/noah-isme/pgmles-api/pkg/cache"
	"github.com/noah-isme/pgmles-api/pkg/config"
	"github.com/noah-isme/pgmles-api/pkg/database"
	"github.com/noah-isme/pgmles-api/pkg/jobs"
	"github.com/noah-isme/pgmles-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/pgmles-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/pgmles-api/pkg/middleware/requestid"
	"github.com/noah-isme/pgmles-api/pkg/scheduler"
	"github.com/noah-isme/pgmles-api/pkg/storage"
)

// @title PGMLES Course API
// @version 1.0.0
// @description Course catalog, enrollment and roster exports
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect redis", zap.Error(err))
	}
	cacheRepo := repository.NewCacheRepository(redisClient)
	defer cacheRepo.Close() //nolint:errcheck

	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	exportRepo := repository.NewRosterExportRepository(db)

	metrics := service.NewMetricsService()
	validate := validator.New()
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Catalog.CacheTTL, logr, cfg.Catalog.CacheEnabled && cacheRepo.Enabled())

	var meili meilisearch.ServiceManager
	if cfg.Search.Enabled {
		meili = meilisearch.New(cfg.Search.Host, meilisearch.WithAPIKey(cfg.Search.APIKey))
	}
	searchSvc := service.NewSearchService(meili, cfg.Search, logr)

	authSvc := service.NewAuthService(userRepo, tokenRepo, auditRepo, cacheRepo, validate, logr, service.AuthConfigFrom(cfg))
	userSvc := service.NewUserService(userRepo, tokenRepo, auditRepo, cacheSvc, validate, logr)
	courseSvc := service.NewCourseService(courseRepo, userRepo, auditRepo, cacheSvc, searchSvc, validate, logr)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, courseRepo, metrics, logr)
	catalogSvc := service.NewCatalogService(courseRepo, userRepo, enrollmentRepo, cacheSvc, logr)
	calendarSvc := service.NewCalendarService(courseRepo, nil)

	files, err := storage.NewLocalStore(cfg.Exports.StorageDir)
	if err != nil {
		logr.Fatal("failed to prepare export storage", zap.Error(err))
	}
	exportSvc := service.NewRosterExportService(
		exportRepo, courseRepo, enrollmentRepo, files,
		storage.NewSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL),
		metrics,
		service.RosterExportConfig{APIPrefix: cfg.APIPrefix, ResultTTL: cfg.Exports.SignedURLTTL},
		logr,
	)
	exportQueue := jobs.New("roster-exports", exportSvc.Process, jobs.Options{
		Workers:    cfg.Exports.WorkerConcurrency,
		MaxRetries: cfg.Exports.WorkerRetries,
		Logger:     logr,
		OnGiveUp:   exportSvc.GiveUp,
	})
	exportQueue.Start(context.Background())
	exportSvc.UseQueue(exportQueue)

	sched := scheduler.New(logr)
	if err := sched.Register("roster-export-cleanup", cfg.Exports.CleanupSchedule, exportSvc.Cleanup); err != nil {
		logr.Fatal("failed to schedule export cleanup", zap.Error(err))
	}
	sched.Start()

	if err := authSvc.EnsureAdmin(ctx, cfg.Admin); err != nil {
		logr.Fatal("failed to seed admin", zap.Error(err))
	}

	if searchSvc.Enabled() {
		searchSvc.Configure()
		go func() {
			if err := courseSvc.Reindex(context.Background()); err != nil {
				logr.Warn("initial course reindex failed", zap.Error(err))
			}
		}()
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	handler.Register(r, cfg.APIPrefix, handler.Handlers{
		Auth:        handler.NewAuthHandler(authSvc),
		Courses:     handler.NewCourseHandler(courseSvc),
		Enrollments: handler.NewEnrollmentHandler(enrollmentSvc),
		Catalog:     handler.NewCatalogHandler(catalogSvc, calendarSvc),
		Users:       handler.NewUserHandler(userSvc),
		Exports:     handler.NewRosterExportHandler(exportSvc),
		Metrics:     handler.NewMetricsHandler(metrics, db),
	}, authSvc, userSvc)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("http shutdown", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logr.Error("scheduler shutdown", zap.Error(err))
	}
	exportQueue.Stop()
}
