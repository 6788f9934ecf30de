package handler

import (
	"net/http"
	"strconv"

	"github.com/edgelink/fleet/cmd/api-gateway/internal/middleware"
	"github.com/edgelink/fleet/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TelemetryHandler 遥测查询处理器
type TelemetryHandler struct {
	telemetry *service.TelemetryService
	logger    *zap.Logger
}

// NewTelemetryHandler 创建遥测处理器实例
func NewTelemetryHandler(telemetry *service.TelemetryService, logger *zap.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		telemetry: telemetry,
		logger:    logger.Named("telemetry_handler"),
	}
}

// Query godoc
// @Summary      查询遥测数据
// @Description  查询当前用户名下设备的遥测数据，按时间倒序，最多1000条
// @Tags         telemetry
// @Produce      json
// @Param        deviceId  query  string  false  "设备ID"
// @Param        metric    query  string  false  "指标名"
// @Param        fromTs    query  int     true   "起始时间(秒)"
// @Param        toTs      query  int     true   "结束时间(秒)"
// @Success      200  {object}  SuccessResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /api/v1/telemetry [get]
func (h *TelemetryHandler) Query(c *gin.Context) {
	fromTs, err := queryInt64(c, "fromTs")
	if err != nil {
		badRequest(c, err)
		return
	}
	toTs, err := queryInt64(c, "toTs")
	if err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.telemetry.Query(c.Request.Context(), service.TelemetryQuery{
		UserID:   c.GetString(middleware.UserIDKey),
		DeviceID: c.Query("deviceId"),
		Metric:   c.Query("metric"),
		FromTs:   fromTs,
		ToTs:     toTs,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Data: result})
}

// Aggregate godoc
// @Summary      遥测聚合
// @Description  按 day/week/month/year 计算 avg/min/max/count
// @Tags         telemetry
// @Accept       json
// @Produce      json
// @Param        request  body  service.AggregateRequest  true  "聚合请求"
// @Success      200  {object}  SuccessResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /api/v1/telemetry/aggregates [post]
func (h *TelemetryHandler) Aggregate(c *gin.Context) {
	var req service.AggregateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.UserID = c.GetString(middleware.UserIDKey)

	result, err := h.telemetry.Aggregate(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Data: result})
}

// queryInt64 解析可选整数参数，缺失时返回 nil
func queryInt64(c *gin.Context, name string) (*int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
