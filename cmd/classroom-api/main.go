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
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-class-chat/api/swagger"
	"github.com/noah-isme/sma-class-chat/internal/handler"
	internalmiddleware "github.com/noah-isme/sma-class-chat/internal/middleware"
	"github.com/noah-isme/sma-class-chat/internal/realtime"
	"github.com/noah-isme/sma-class-chat/internal/repository"
	"github.com/noah-isme/sma-class-chat/internal/service"
	"github.com/noah-isme/sma-class-chat/migrations"
	"github.com/noah-isme/sma-class-chat/pkg/cache"
	"github.com/noah-isme/sma-class-chat/pkg/config"
	"github.com/noah-isme/sma-class-chat/pkg/database"
	"github.com/noah-isme/sma-class-chat/pkg/jobs"
	"github.com/noah-isme/sma-class-chat/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-class-chat/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-class-chat/pkg/middleware/requestid"
	"github.com/noah-isme/sma-class-chat/pkg/storage"
)

// @title Class Chat API
// @version 1.0.0
// @description Classroom messaging with role-based group management
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

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db, migrations.FS, logr.Named("goose")); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, list caching disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	validate := validator.New()
	metrics := service.NewMetricsService()
	cacheSvc := service.NewCacheService(
		repository.NewCacheRepository(redisClient, logr),
		metrics,
		cfg.Chat.ListCacheTTL,
		logr,
		redisClient != nil,
	)

	users := repository.NewUserRepository(db)
	classes := repository.NewClassRepository(db)
	resolver := service.NewPermissionResolver(service.PermissionPolicy{
		VicePresidentRequiresApproval: cfg.Chat.VicePresidentRequiresApproval,
	})

	authSvc := service.NewAuthService(users, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})
	presence := jobs.NewQueue("presence", authSvc.HandleTouchJob, jobs.QueueConfig{
		Workers:    cfg.Presence.Workers,
		MaxRetries: cfg.Presence.MaxRetries,
		Logger:     logr,
	})
	presence.Start(ctx)
	defer presence.Stop()
	authSvc.WithPresenceQueue(presence)

	userSvc := service.NewUserService(users, classes, resolver, validate, logr)

	var store repository.ChatStore
	if cfg.Chat.StoreDriver == config.StoreDriverMemory {
		logr.Warn("using in-memory chat store; conversations are lost on restart")
		store = repository.NewMemoryChatRepository()
	} else {
		store = repository.NewChatRepository(db)
	}

	chatSvc := service.NewChatService(store, users, classes, resolver, cacheSvc, metrics, validate, logr, service.ChatConfig{
		MaxMessageLength:  cfg.Chat.MaxMessageLength,
		PageSize:          cfg.Chat.MessagePageSize,
		ListCacheTTL:      cfg.Chat.ListCacheTTL,
		DefaultGroupImage: cfg.Chat.DefaultGroupImage,
	})

	gateway := realtime.NewGateway(realtime.NewRegistry(), chatSvc, metrics, logr.Named("realtime"), realtime.GatewayConfig{
		SendBuffer:     cfg.Realtime.SendBuffer,
		WriteWait:      cfg.Realtime.WriteWait,
		PongWait:       cfg.Realtime.PongWait,
		MaxMessageSize: cfg.Realtime.MaxMessageSize,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	})
	chatSvc.SetNotifier(gateway)

	var transcripts *handler.TranscriptHandler
	if cfg.Transcripts.Enabled {
		files, err := storage.NewLocalStorage(cfg.Transcripts.StorageDir)
		if err != nil {
			return fmt.Errorf("transcript storage: %w", err)
		}
		transcriptSvc := service.NewTranscriptService(store, users, resolver, files,
			storage.NewSignedURLSigner(cfg.Transcripts.SignedURLSecret, cfg.Transcripts.SignedURLTTL),
			service.TranscriptConfig{
				Enabled:   true,
				APIPrefix: cfg.APIPrefix,
				Retention: cfg.Transcripts.Retention,
			}, logr)
		transcripts = handler.NewTranscriptHandler(transcriptSvc)
		go runTranscriptCleanup(ctx, transcriptSvc, cfg.Transcripts.Retention, logr)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, "/health", "/ready", "/metrics"))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metrics))
	r.Use(internalmiddleware.WithResponseMeta())

	handler.Routes{
		Auth:        handler.NewAuthHandler(authSvc),
		Users:       handler.NewUserHandler(userSvc),
		Classes:     handler.NewClassHandler(service.NewClassService(classes, resolver, cacheSvc, cfg.Chat.ListCacheTTL, logr)),
		Chats:       handler.NewChatHandler(chatSvc),
		Transcripts: transcripts,
		Realtime:    handler.NewRealtimeHandler(gateway, logr),
		Metrics: handler.NewMetricsHandler(metrics, gateway.Registry(), map[string]handler.ReadinessCheck{
			"postgres": pingPostgres(db),
			"redis":    pingRedis(redisClient),
		}),
		Authenticator: authSvc,
		AuditLog:      users,
		Logger:        logr,
	}.Register(r, cfg.APIPrefix)

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
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env), zap.String("chat_store", cfg.Chat.StoreDriver))
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runTranscriptCleanup(ctx context.Context, svc *service.TranscriptService, every time.Duration, logr *zap.Logger) {
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Cleanup(); err != nil {
				logr.Warn("transcript cleanup failed", zap.Error(err))
			}
		}
	}
}

func pingPostgres(db *sqlx.DB) handler.ReadinessCheck {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}

func pingRedis(client *redis.Client) handler.ReadinessCheck {
	return func(ctx context.Context) error {
		if client == nil {
			return nil
		}
		return client.Ping(ctx).Err()
	}
}
