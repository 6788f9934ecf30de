package audit

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/repository"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ActorContextKey 认证中间件写入的操作者标识
const ActorContextKey = "actor"

const (
	adminPathPrefix = "/api/v1/admin/"
	maxPayloadBytes = 64 << 10
)

// AuditMiddleware 审计日志中间件
type AuditMiddleware struct {
	auditLogRepo repository.AuditLogRepository
	logger       *zap.Logger
	now          func() time.Time
}

// NewAuditMiddleware 创建审计日志中间件
func NewAuditMiddleware(auditLogRepo repository.AuditLogRepository, logger *zap.Logger) *AuditMiddleware {
	return &AuditMiddleware{
		auditLogRepo: auditLogRepo,
		logger:       logger.Named("audit"),
		now:          time.Now,
	}
}

// Middleware Gin中间件函数
func (am *AuditMiddleware) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 只审计需要记录的操作
		if !am.shouldAudit(c) {
			c.Next()
			return
		}

		payload := am.captureRequest(c)

		// 响应体可能包含私钥，只截取其中的资源标识
		responseWriter := &responseBodyWriter{
			ResponseWriter: c.Writer,
			body:           &bytes.Buffer{},
		}
		c.Writer = responseWriter

		startTime := am.now()

		c.Next()

		auditLog := am.createAuditLog(c, payload, responseWriter, startTime)
		if err := am.auditLogRepo.Create(c.Request.Context(), auditLog); err != nil {
			am.logger.Error("Failed to create audit log",
				zap.Error(err),
				zap.String("action", auditLog.Action),
			)
		}
	}
}

// shouldAudit 只审计 /api/v1/admin 下的写操作
func (am *AuditMiddleware) shouldAudit(c *gin.Context) bool {
	method := c.Request.Method
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(c.Request.URL.Path, adminPathPrefix)
}

// captureRequest 读取请求体并恢复，供后续处理使用
func (am *AuditMiddleware) captureRequest(c *gin.Context) map[string]interface{} {
	if c.Request.Body == nil {
		return nil
	}
	bodyBytes, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		return nil
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var requestData map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &requestData); err != nil {
		return nil
	}
	return requestData
}

// createAuditLog 创建审计日志记录
func (am *AuditMiddleware) createAuditLog(
	c *gin.Context,
	payload map[string]interface{},
	rw *responseBodyWriter,
	startTime time.Time,
) *domain.AuditLog {
	resourceType, resourceID := am.extractResourceInfo(c, payload, rw)

	state := map[string]interface{}{}
	if len(payload) > 0 {
		state["request_body"] = payload
	}
	if len(c.Params) > 0 {
		params := make(map[string]string, len(c.Params))
		for _, p := range c.Params {
			params[p.Key] = p.Value
		}
		state["path_params"] = params
	}
	if len(c.Errors) > 0 {
		state["errors"] = c.Errors.Errors()
	}
	encoded, _ := json.Marshal(state)

	return &domain.AuditLog{
		ID:           uuid.NewString(),
		Actor:        am.extractActor(c),
		Action:       am.determineAction(c),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Payload:      string(encoded),
		StatusCode:   rw.Status(),
		IPAddress:    c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
		CreatedAt:    startTime,
	}
}

// extractResourceInfo 从路径参数、请求体或响应中提取资源
func (am *AuditMiddleware) extractResourceInfo(c *gin.Context, payload map[string]interface{}, rw *responseBodyWriter) (string, string) {
	if c.Param("scope") == "user" {
		return "user", stringField(payload, "userId")
	}
	if id := stringField(payload, "deviceId"); id != "" {
		return "device", id
	}

	// 新建设备的标识只在响应中
	var response map[string]interface{}
	if err := json.Unmarshal(rw.body.Bytes(), &response); err == nil {
		if data, ok := response["data"].(map[string]interface{}); ok {
			if id := stringField(data, "deviceId"); id != "" {
				return "device", id
			}
		}
	}
	return "device", ""
}

// extractActor 提取操作者
func (am *AuditMiddleware) extractActor(c *gin.Context) string {
	if actor := c.GetString(ActorContextKey); actor != "" {
		return actor
	}
	return "anonymous"
}

// determineAction 按路由模板确定操作类型
func (am *AuditMiddleware) determineAction(c *gin.Context) string {
	route := c.FullPath()
	switch {
	case strings.HasSuffix(route, "/devices"):
		return "device.provision"
	case strings.HasSuffix(route, "/activation-codes"):
		return "activation_code.issue"
	case strings.Contains(route, "/lifecycle/"):
		return "lifecycle." + c.Param("action")
	}

	switch c.Request.Method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// responseBodyWriter 包装ResponseWriter以捕获响应body
type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
