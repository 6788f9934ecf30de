package router

import (
	"net/http"

	"github.com/edgelink/fleet/cmd/api-gateway/internal/handler"
	"github.com/edgelink/fleet/cmd/api-gateway/internal/middleware"
	"github.com/edgelink/fleet/internal/audit"
	"github.com/edgelink/fleet/internal/auth"
	"github.com/edgelink/fleet/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params 路由依赖
type Params struct {
	fx.In

	AdminHandler     *handler.AdminHandler
	DeviceHandler    *handler.DeviceHandler
	TelemetryHandler *handler.TelemetryHandler
	WebhookHandler   *handler.WebhookHandler
	AuditMiddleware  *audit.AuditMiddleware
	RateLimiter      *middleware.RateLimiter
	JWTManager       *auth.JWTManager
	AdminKeys        *auth.AdminKeyVerifier
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
}

// SetupRouter 配置API网关路由
func SetupRouter(p Params) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.SecurityHeaders())
	r.Use(p.Metrics.GinMiddleware())

	// 健康检查端点
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	userAuth := middleware.UserAuth(p.JWTManager, p.Logger.Named("user_auth"))

	// API v1路由组
	v1 := r.Group("/api/v1")
	v1.Use(middleware.RequestValidator(middleware.DefaultMaxBodySize))
	{
		// POST /api/v1/activation - 用户激活设备
		v1.POST("/activation", userAuth, p.RateLimiter.Middleware("activation"), p.DeviceHandler.Activate)

		// 消息代理连接鉴权回调
		v1.POST("/iot/authorize", p.DeviceHandler.Authorize)

		// 支付回调，签名在服务层校验
		v1.POST("/webhooks/payment", p.WebhookHandler.Payment)

		telemetry := v1.Group("/telemetry")
		telemetry.Use(userAuth)
		{
			telemetry.GET("", p.TelemetryHandler.Query)
			telemetry.POST("/aggregates", p.TelemetryHandler.Aggregate)
		}

		// 管理员端点
		admin := v1.Group("/admin")
		admin.Use(middleware.AdminAuth(p.AdminKeys, p.Logger.Named("admin_auth")))
		admin.Use(p.AuditMiddleware.Middleware()) // 应用审计日志中间件
		{
			admin.POST("/devices", p.AdminHandler.ProvisionDevice)
			admin.POST("/activation-codes", p.AdminHandler.IssueActivationCode)
			admin.POST("/lifecycle/:scope/:action", p.AdminHandler.ApplyLifecycle)

			// 审计日志
			admin.GET("/audit-logs", p.AdminHandler.GetAuditLogs)
		}
	}

	return r
}
