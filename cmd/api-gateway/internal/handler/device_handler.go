package handler

import (
	"net/http"

	"github.com/edgelink/fleet/cmd/api-gateway/internal/middleware"
	"github.com/edgelink/fleet/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DeviceHandler 设备激活与连接鉴权处理器
type DeviceHandler struct {
	activator  *service.Activator
	authorizer *service.Authorizer
	logger     *zap.Logger
}

// NewDeviceHandler 创建设备处理器实例
func NewDeviceHandler(
	activator *service.Activator,
	authorizer *service.Authorizer,
	logger *zap.Logger,
) *DeviceHandler {
	return &DeviceHandler{
		activator:  activator,
		authorizer: authorizer,
		logger:     logger.Named("device_handler"),
	}
}

// ActivateRequest 激活请求体，用户标识来自令牌
type ActivateRequest struct {
	ActivationCode string `json:"activationCode" binding:"required"`
	DisplayName    string `json:"displayName"`
}

// AuthorizeRequest 消息代理的连接鉴权回调
type AuthorizeRequest struct {
	ThingName   string `json:"thingName"`
	Token       string `json:"token"`
	PrincipalID string `json:"principalId"`
}

// claimedID 按 thingName、token、principalId 的顺序取第一个非空值
func (r AuthorizeRequest) claimedID() string {
	for _, v := range []string{r.ThingName, r.Token, r.PrincipalID} {
		if v != "" {
			return v
		}
	}
	return ""
}

// Activate godoc
// @Summary      激活设备
// @Description  用激活码把设备绑定到当前用户
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        Authorization  header  string           true  "Bearer {token}"
// @Param        request        body    ActivateRequest  true  "激活请求"
// @Success      200  {object}  SuccessResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      401  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Failure      409  {object}  ErrorResponse
// @Router       /api/v1/activation [post]
func (h *DeviceHandler) Activate(c *gin.Context) {
	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.activator.Consume(c.Request.Context(), service.ActivationRequest{
		Code:        req.ActivationCode,
		UserID:      c.GetString(middleware.UserIDKey),
		DisplayName: req.DisplayName,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Data: result})
}

// Authorize godoc
// @Summary      设备连接鉴权
// @Description  消息代理在设备连接时回调，拒绝同样以200返回决策
// @Tags         iot
// @Accept       json
// @Produce      json
// @Param        request  body  AuthorizeRequest  true  "连接信息"
// @Success      200  {object}  service.Decision
// @Router       /api/v1/iot/authorize [post]
func (h *DeviceHandler) Authorize(c *gin.Context) {
	var req AuthorizeRequest
	// 无法解析的请求按未提供设备处理，结果为拒绝
	_ = c.ShouldBindJSON(&req)

	decision := h.authorizer.Authorize(c.Request.Context(), req.claimedID())
	c.JSON(http.StatusOK, decision)
}
