package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/edgelink/fleet/cmd/api-gateway/internal/handler"
	"github.com/edgelink/fleet/cmd/api-gateway/internal/middleware"
	"github.com/edgelink/fleet/cmd/api-gateway/internal/router"
	"github.com/edgelink/fleet/internal/audit"
	"github.com/edgelink/fleet/internal/auth"
	"github.com/edgelink/fleet/internal/cache"
	"github.com/edgelink/fleet/internal/clock"
	"github.com/edgelink/fleet/internal/config"
	"github.com/edgelink/fleet/internal/credential"
	"github.com/edgelink/fleet/internal/database"
	"github.com/edgelink/fleet/internal/events"
	"github.com/edgelink/fleet/internal/logger"
	"github.com/edgelink/fleet/internal/metrics"
	"github.com/edgelink/fleet/internal/repository"
	"github.com/edgelink/fleet/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.WithLogger(logger.FxEventLogger),

		// 配置模块
		fx.Provide(
			config.LoadConfig,
			logger.NewLogger,
			clock.New,
			metrics.NewDefault,
		),

		// 数据库与缓存
		fx.Provide(
			database.NewPostgresDB,
			cache.NewRedisClient,
		),

		// 仓储层
		fx.Provide(
			repository.NewDeviceRepository,
			repository.NewActivationCodeRepository,
			repository.NewIdempotencyRepository,
			repository.NewTelemetryRepository,
			repository.NewAuditLogRepository,
		),

		// 凭证与事件
		fx.Provide(
			credential.NewIssuer,
			events.NewPublisher,
		),

		// 认证模块
		fx.Provide(
			newJWTManager,
			newAdminKeyVerifier,
		),

		// 服务层
		fx.Provide(
			service.NewProvisioner,
			service.NewActivator,
			service.NewAuthorizer,
			service.NewRenewalService,
			service.NewPaymentWebhook,
			service.NewTelemetryService,
		),

		// 处理器层
		fx.Provide(
			handler.NewAdminHandler,
			handler.NewDeviceHandler,
			handler.NewTelemetryHandler,
			handler.NewWebhookHandler,
		),

		// 中间件
		fx.Provide(
			audit.NewAuditMiddleware,
			middleware.NewRateLimiter,
		),

		// HTTP路由器
		fx.Provide(
			router.SetupRouter,
		),

		// HTTP服务器
		fx.Invoke(runHTTPServer),
	)

	app.Run()
}

func newJWTManager(cfg *config.Config, log *zap.Logger) *auth.JWTManager {
	if cfg.Auth.JWTSecret == "" {
		log.Warn("JWT_SECRET not set, user endpoints will reject all tokens")
	}
	return auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
}

func newAdminKeyVerifier(cfg *config.Config, log *zap.Logger) *auth.AdminKeyVerifier {
	verifier := auth.NewAdminKeyVerifier(cfg.Auth.AdminAPIKeyHash)
	if !verifier.Enabled() {
		log.Warn("ADMIN_API_KEY_HASH not set, admin endpoints are disabled")
	}
	return verifier
}

// runHTTPServer 启动HTTP服务器
func runHTTPServer(
	lifecycle fx.Lifecycle,
	shutdowner fx.Shutdowner,
	log *zap.Logger,
	cfg *config.Config,
	router *gin.Engine,
) {
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("Starting API Gateway",
				zap.String("addr", server.Addr),
			)

			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("HTTP server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Shutting down API Gateway")

			if err := server.Shutdown(ctx); err != nil {
				log.Error("Failed to gracefully shutdown server", zap.Error(err))
				return err
			}

			log.Info("API Gateway stopped")
			return nil
		},
	})
}
