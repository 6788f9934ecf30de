package handler

import (
	"errors"
	"net/http"

	"github.com/edgelink/fleet/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuccessResponse 成功响应，业务数据放在 data 中
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// respondError 把服务层错误映射为HTTP状态码，内部错误不向调用方暴露细节
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: ve.Error()})
	case errors.Is(err, service.ErrInvalidActivationCode):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "invalid_activation_code", Message: "activation code invalid"})
	case errors.Is(err, service.ErrAlreadyActivated):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "already_activated", Message: err.Error()})
	case errors.Is(err, service.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "device_not_found", Message: "device not found"})
	case errors.Is(err, service.ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_signature", Message: "invalid signature"})
	default:
		logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "internal error"})
	}
}

// badRequest 请求体无法解析
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_request",
		Message: "failed to parse request: " + err.Error(),
	})
}
