package handler

import (
	"io"
	"net/http"

	"github.com/edgelink/fleet/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

// WebhookHandler 支付回调处理器
type WebhookHandler struct {
	payments *service.PaymentWebhook
	logger   *zap.Logger
}

// NewWebhookHandler 创建支付回调处理器实例
func NewWebhookHandler(payments *service.PaymentWebhook, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		payments: payments,
		logger:   logger.Named("webhook_handler"),
	}
}

// WebhookResponse 回调处理结果
type WebhookResponse struct {
	Received bool   `json:"received"`
	Result   string `json:"result"`
}

// Payment godoc
// @Summary      支付回调
// @Description  校验签名后按套餐为用户的全部设备续期，同一事件只处理一次
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Param        Stripe-Signature  header  string  true  "t=...,v1=..."
// @Success      200  {object}  WebhookResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /api/v1/webhooks/payment [post]
func (h *WebhookHandler) Payment(c *gin.Context) {
	// 签名覆盖原始字节，必须在解析前读取
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.payments.Handle(c.Request.Context(), body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, WebhookResponse{Received: true, Result: result})
}
