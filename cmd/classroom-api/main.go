package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/classroom-sync/api/swagger"
	"github.com/noah-isme/classroom-sync/internal/handler"
	internalmiddleware "github.com/noah-isme/classroom-sync/internal/middleware"
	"github.com/noah-isme/classroom-sync/internal/repository"
	"github.com/noah-isme/classroom-sync/internal/service"
	"github.com/noah-isme/classroom-sync/internal/syncengine"
	"github.com/noah-isme/classroom-sync/pkg/cache"
	"github.com/noah-isme/classroom-sync/pkg/config"
	"github.com/noah-isme/classroom-sync/pkg/database"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	"github.com/noah-isme/classroom-sync/pkg/logger"
	corsmiddleware "github.com/noah-isme/classroom-sync/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/classroom-sync/pkg/middleware/requestid"
	"github.com/noah-isme/classroom-sync/pkg/storage"
)

// @title Classroom Sync API
// @version 1.0.0
// @description Live student, teacher and admin dashboards over a document store
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	validate := validator.New()
	metrics := service.NewMetricsService()
	checks := map[string]handler.ReadinessCheck{}

	store, closeStore, err := openStore(ctx, cfg, logr, checks)
	if err != nil {
		return err
	}
	defer closeStore()

	var cacheRepo service.CacheRepository
	if cfg.Redis.Enabled {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, role cache disabled", "error", err)
		} else {
			repo := repository.NewCacheRepository(client, "classroom-sync", logr)
			defer repo.Close() //nolint:errcheck
			cacheRepo = repo
			checks["redis"] = func(ctx context.Context) error { return cache.Ping(ctx, client) }
		}
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Cache.RoleTTL, logr, cacheRepo != nil)

	blobs, err := storage.New(cfg.Blob, logr)
	if err != nil {
		return fmt.Errorf("init blob storage: %w", err)
	}

	identity := service.NewIdentityService(store, cacheSvc, validate, logr, cfg.Cache.RoleTTL)
	auth := service.NewAuthService(store, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	}, identity)

	profiles := service.NewProfileDirectory(store, cacheSvc, validate, logr, cfg.Sync.ProfileWorkers, cfg.Cache.RoleTTL)
	profiles.Start(ctx)
	defer profiles.Stop()

	sessions := service.NewDashboardService(service.DashboardServiceParams{
		Identity: identity,
		Engine: syncengine.Options{
			Store:    store,
			Logger:   logr,
			Validate: validate,
			Names:    profiles,
			Buffer:   cfg.Sync.EventBuffer,
		},
		Metrics: metrics,
		Logger:  logr,
		Config: service.DashboardServiceConfig{
			IdleTTL:         cfg.Sync.SessionIdleTTL,
			JanitorInterval: cfg.Sync.JanitorInterval,
		},
	})
	sessions.Start(ctx)
	defer sessions.Shutdown()

	deps := service.MutationDeps{Store: store, Blobs: blobs, Validator: validate, Logger: logr, Metrics: metrics}
	handlers := handler.Handlers{
		Auth:      handler.NewAuthHandler(auth, identity),
		Dashboard: handler.NewDashboardHandler(sessions, logr, 0),
		Mutation: handler.NewMutationHandler(sessions, handler.MutationServices{
			Enrollment:   service.NewEnrollmentService(deps),
			Course:       service.NewCourseService(deps),
			Assignment:   service.NewAssignmentService(deps),
			Attendance:   service.NewAttendanceService(deps),
			Announcement: service.NewAnnouncementService(deps),
			Resource:     service.NewResourceService(deps),
		}, cfg.Blob.MaxFileSizeBytes),
		Metrics: handler.NewMetricsHandler(metrics, checks),
	}
	if local, ok := blobs.(*storage.LocalStorage); ok {
		handlers.Files = handler.NewFileHandler(local)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	if cfg.Metrics.Enabled {
		r.Use(internalmiddleware.Metrics(metrics))
	}

	handler.RegisterRoutes(r, handlers, auth, identity, handler.RouteConfig{
		APIPrefix:     cfg.APIPrefix,
		ExposeMetrics: cfg.Metrics.Enabled,
	})

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "docstore", cfg.Docstore.Driver, "blob", cfg.Blob.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// streams stay open until their sessions end
	sessions.Shutdown()
	return srv.Shutdown(shutdownCtx)
}

// openStore builds the configured document store and registers its readiness check.
func openStore(ctx context.Context, cfg *config.Config, logr *zap.Logger, checks map[string]handler.ReadinessCheck) (docstore.Store, func(), error) {
	switch cfg.Docstore.Driver {
	case config.DocstorePostgres:
		db, err := database.NewPostgres(cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		listener := repository.NewListener(database.DSN(cfg.Database), cfg.Docstore.MinReconnect, cfg.Docstore.MaxReconnect, logr)
		repo := repository.NewDocumentRepository(db, listener, cfg.Docstore.NotifyChannel, logr)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = repo.Close()
			_ = db.Close()
			return nil, nil, err
		}
		checks["docstore"] = db.PingContext
		return repo, func() {
			_ = repo.Close()
			_ = db.Close()
		}, nil
	case config.DocstoreMemory, "":
		logr.Warn("using in-memory document store; data is lost on restart")
		store := docstore.NewMemoryStore()
		checks["docstore"] = func(context.Context) error { return nil }
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown docstore driver %q", cfg.Docstore.Driver)
}
