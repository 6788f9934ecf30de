package middleware

import (
	"net/http"
	"regexp"

	"github.com/edgelink/fleet/internal/audit"
	"github.com/edgelink/fleet/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// AdminKeyHeader 管理员密钥请求头
	AdminKeyHeader = "X-Admin-Key"
	// AdminActorHeader 可选的操作者名称，写入审计日志
	AdminActorHeader = "X-Admin-Actor"

	defaultAdminActor = "admin"
)

var actorPattern = regexp.MustCompile(`^[A-Za-z0-9_.@:-]{1,64}$`)

// AdminAuth 校验管理员密钥，未配置密钥时拒绝所有管理请求
func AdminAuth(verifier *auth.AdminKeyVerifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := verifier.Verify(c.GetHeader(AdminKeyHeader)); err != nil {
			logger.Warn("Rejected admin request",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "admin key required",
			})
			return
		}

		actor := defaultAdminActor
		if name := c.GetHeader(AdminActorHeader); actorPattern.MatchString(name) {
			actor = name
		}
		c.Set(audit.ActorContextKey, actor)
		c.Next()
	}
}
