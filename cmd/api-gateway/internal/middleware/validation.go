package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultMaxBodySize 请求体上限
const DefaultMaxBodySize int64 = 1 << 20

// RequestValidator 限制请求体大小并要求写请求使用JSON
func RequestValidator(maxBodySize int64) gin.HandlerFunc {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}

		// 1. 验证Content-Type，空请求体不检查
		if contentType := c.ContentType(); contentType != "" && !isJSONContentType(contentType) {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
				"error":   "invalid_content_type",
				"message": fmt.Sprintf("Content-Type '%s' is not supported", contentType),
			})
			return
		}

		// 2. 验证请求体大小
		if c.Request.ContentLength > maxBodySize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": fmt.Sprintf("Request body exceeds maximum size of %d bytes", maxBodySize),
			})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		}

		c.Next()
	}
}

func isJSONContentType(contentType string) bool {
	contentType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	return strings.EqualFold(contentType, "application/json")
}
