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
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/campus-gatepass-api/api/swagger"
	"github.com/noah-isme/campus-gatepass-api/internal/handler"
	"github.com/noah-isme/campus-gatepass-api/internal/middleware"
	"github.com/noah-isme/campus-gatepass-api/internal/models"
	"github.com/noah-isme/campus-gatepass-api/internal/realtime"
	"github.com/noah-isme/campus-gatepass-api/internal/repository"
	"github.com/noah-isme/campus-gatepass-api/internal/service"
	"github.com/noah-isme/campus-gatepass-api/pkg/cache"
	"github.com/noah-isme/campus-gatepass-api/pkg/config"
	"github.com/noah-isme/campus-gatepass-api/pkg/database"
	"github.com/noah-isme/campus-gatepass-api/pkg/export"
	"github.com/noah-isme/campus-gatepass-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/campus-gatepass-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/campus-gatepass-api/pkg/middleware/requestid"
	"github.com/noah-isme/campus-gatepass-api/pkg/qrtoken"
	"github.com/noah-isme/campus-gatepass-api/pkg/storage"
)

// @title Campus GatePass API
// @version 1.0.0
// @description Digital gate pass management with two-stage approval and QR gate verification
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, caching disabled", zap.Error(err))
		redisClient = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	passRepo := repository.NewPassRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Dashboard.CacheTTL, logr, cfg.Dashboard.Enabled && redisClient != nil)

	hub := realtime.NewHub(logr)
	notificationSvc := service.NewNotificationService(notificationRepo, hub, logr)
	notificationSvc.Start(ctx)
	defer notificationSvc.Stop()

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "campus-gatepass-api",
	})

	signer := qrtoken.NewSigner(cfg.GatePass.QRSecret)
	passSvc := service.NewPassService(passRepo, userRepo, notificationSvc, signer, validate, logr, service.PassServiceConfig{
		QRGraceBuffer: cfg.GatePass.QRGraceBuffer,
		CodePrefix:    cfg.GatePass.CodePrefix,
	})
	gateSvc := service.NewGateService(passRepo, signer, notificationSvc, export.NewSlipExporter(), validate, logr, service.GateServiceConfig{
		CheckoutEarlyWindow: cfg.GatePass.CheckoutEarlyWindow,
	})
	dashboardSvc := service.NewDashboardService(passRepo, cacheSvc, logr, service.DashboardServiceConfig{
		CacheTTL: cfg.Dashboard.CacheTTL,
	})
	userSvc := service.NewUserService(userRepo, validate, logr)

	fileStore, err := storage.NewLocalStorage(cfg.Export.Dir)
	if err != nil {
		logr.Fatal("failed to init export storage", zap.Error(err))
	}
	urlSigner := storage.NewSignedURLSigner(cfg.GatePass.QRSecret, cfg.Export.ResultTTL)
	exportSvc := service.NewExportService(passRepo, fileStore, urlSigner, service.ExportConfig{
		APIPrefix: cfg.APIPrefix,
		ResultTTL: cfg.Export.ResultTTL,
		MaxRows:   cfg.Export.MaxRows,
	}, logr, export.NewCSVExporter(), export.NewPDFExporter())

	go passSvc.RunExpirySweeper(ctx, cfg.GatePass.ExpirySweepInterval)
	go notificationSvc.RunRetentionSweep(ctx, cfg.Notification.Retention, cfg.Notification.SweepInterval)
	go runExportCleanup(ctx, exportSvc, cfg.Export.ResultTTL, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	passHandler := handler.NewPassHandler(passSvc)
	gateHandler := handler.NewGateHandler(gateSvc, metricsSvc)
	notificationHandler := handler.NewNotificationHandler(notificationSvc)
	dashboardHandler := handler.NewDashboardHandler(dashboardSvc)
	exportHandler := handler.NewExportHandler(exportSvc)
	userHandler := handler.NewUserHandler(userSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)
	wsHandler := handler.NewWSHandler(hub, authSvc, logr, realtime.ClientConfig{
		SendBufferSize: cfg.Realtime.SendBufferSize,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		PingInterval:   cfg.Realtime.PingInterval,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.WithResponseMeta())
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/register", authHandler.Register)
		auth.POST("/refresh", authHandler.Refresh)

		authed := auth.Group("", middleware.JWT(authSvc))
		authed.POST("/logout", authHandler.Logout)
		authed.POST("/change-password", authHandler.ChangePassword)
		authed.GET("/me", authHandler.Me)
	}

	passes := api.Group("/passes", middleware.JWT(authSvc))
	{
		passes.POST("",
			middleware.RequireRoles(models.RoleStudent),
			middleware.Audit(userRepo, models.AuditActionPassSubmit, "passes"),
			passHandler.Submit)
		passes.GET("", passHandler.List)
		passes.GET("/for-approval", middleware.RequireRoles(models.RoleMentor, models.RoleHOD), passHandler.ForApproval)
		passes.POST("/bulk-decision",
			middleware.RequireRoles(models.RoleMentor, models.RoleHOD),
			middleware.Audit(userRepo, models.AuditActionPassDecide, "passes"),
			passHandler.BulkDecide)
		passes.GET("/stats/dashboard", dashboardHandler.Dashboard)
		passes.GET("/export", middleware.RequireRoles(models.RoleAdmin, models.RoleHOD, models.RoleSecurity), exportHandler.Generate)

		passes.GET("/active", middleware.RequireRoles(models.RoleSecurity, models.RoleAdmin), passHandler.Active)
		passes.POST("/verify", middleware.RequireRoles(models.RoleSecurity, models.RoleAdmin), gateHandler.Verify)
		passes.POST("/checkout",
			middleware.RequireRoles(models.RoleSecurity),
			middleware.Audit(userRepo, models.AuditActionPassCheckout, "passes"),
			gateHandler.Checkout)
		passes.POST("/checkin",
			middleware.RequireRoles(models.RoleSecurity),
			middleware.Audit(userRepo, models.AuditActionPassCheckin, "passes"),
			gateHandler.Checkin)

		passes.GET("/:id", passHandler.Get)
		passes.GET("/:id/qr", gateHandler.QR)
		passes.POST("/:id/mentor-decision",
			middleware.RequireRoles(models.RoleMentor),
			middleware.Audit(userRepo, models.AuditActionPassDecide, "passes"),
			passHandler.MentorDecide)
		passes.POST("/:id/hod-decision",
			middleware.RequireRoles(models.RoleHOD),
			middleware.Audit(userRepo, models.AuditActionPassDecide, "passes"),
			passHandler.HODDecide)
		passes.POST("/:id/cancel",
			middleware.RequireRoles(models.RoleStudent),
			middleware.Audit(userRepo, models.AuditActionPassCancel, "passes"),
			passHandler.Cancel)
	}

	notifications := api.Group("/notifications", middleware.JWT(authSvc))
	{
		notifications.GET("", notificationHandler.List)
		notifications.GET("/unread-count", notificationHandler.UnreadCount)
		notifications.POST("/read-all", notificationHandler.MarkAllRead)
		notifications.POST("/:id/read", notificationHandler.MarkRead)
		notifications.DELETE("/:id", notificationHandler.Delete)
	}

	users := api.Group("/users", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleAdmin))
	{
		users.GET("", userHandler.List)
		users.POST("", userHandler.Create)
		users.GET("/:id", userHandler.Get)
		users.PUT("/:id", userHandler.Update)
		users.DELETE("/:id", userHandler.Delete)
	}

	// Download links carry their own signed token, so no session is required.
	api.GET("/export/:token", exportHandler.Download)

	if cfg.Realtime.Enabled {
		api.GET("/ws", wsHandler.Connect)
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
		logr.Warn("graceful shutdown incomplete", zap.Error(err))
	}
}

func runExportCleanup(ctx context.Context, exports *service.ExportService, ttl time.Duration, logr *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := exports.Cleanup(ttl)
			if err != nil {
				logr.Warn("export cleanup failed", zap.Error(err))
			} else if len(removed) > 0 {
				logr.Info("expired exports removed", zap.Int("count", len(removed)))
			}
		}
	}
}
