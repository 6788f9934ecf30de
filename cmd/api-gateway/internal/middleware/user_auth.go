package middleware

import (
	"net/http"

	"github.com/edgelink/fleet/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UserIDKey 已验证用户标识在 gin.Context 中的键
const UserIDKey = "user_id"

// UserAuth 校验 Bearer 令牌，把令牌主体写入上下文
func UserAuth(jwtManager *auth.JWTManager, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractTokenFromHeader(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}

		claims, err := jwtManager.ValidateToken(token)
		if err != nil {
			logger.Debug("Rejected user token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid or expired token",
			})
			return
		}

		c.Set(UserIDKey, claims.UserID())
		c.Next()
	}
}
