package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/edgelink/fleet/internal/audit"
	"github.com/edgelink/fleet/internal/repository"
	"github.com/edgelink/fleet/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminHandler 管理员接口处理器
type AdminHandler struct {
	provisioner  *service.Provisioner
	activator    *service.Activator
	renewal      *service.RenewalService
	auditLogRepo repository.AuditLogRepository
	logger       *zap.Logger
}

// NewAdminHandler 创建管理员处理器实例
func NewAdminHandler(
	provisioner *service.Provisioner,
	activator *service.Activator,
	renewal *service.RenewalService,
	auditLogRepo repository.AuditLogRepository,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		provisioner:  provisioner,
		activator:    activator,
		renewal:      renewal,
		auditLogRepo: auditLogRepo,
		logger:       logger.Named("admin_handler"),
	}
}

// lifecycleRequest 生命周期操作请求体，scope 和 action 来自路径
type lifecycleRequest struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
	PlanDays *int   `json:"planDays"`
}

// AuditLogListResponse 审计日志列表响应
type AuditLogListResponse struct {
	Logs   interface{} `json:"logs"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// ProvisionDevice godoc
// @Summary      创建设备
// @Description  创建设备证书、激活码和试用期元数据，私钥只返回一次
// @Tags         admin
// @Accept       json
// @Produce      json
// @Param        X-Admin-Key  header  string                    true   "管理员密钥"
// @Param        request      body    service.ProvisionRequest  false  "创建请求"
// @Success      201  {object}  SuccessResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /api/v1/admin/devices [post]
func (h *AdminHandler) ProvisionDevice(c *gin.Context) {
	var req service.ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	if req.UserID == "" {
		req.UserID = c.GetString(audit.ActorContextKey)
	}

	result, err := h.provisioner.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, SuccessResponse{Data: result})
}

// IssueActivationCode godoc
// @Summary      签发激活码
// @Description  为未绑定用户的设备签发新的激活码
// @Tags         admin
// @Accept       json
// @Produce      json
// @Param        request  body  service.IssueCodeRequest  true  "签发请求"
// @Success      201  {object}  SuccessResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Failure      409  {object}  ErrorResponse
// @Router       /api/v1/admin/activation-codes [post]
func (h *AdminHandler) IssueActivationCode(c *gin.Context) {
	var req service.IssueCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.AdminID = c.GetString(audit.ActorContextKey)

	result, err := h.activator.IssueCode(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, SuccessResponse{Data: result})
}

// ApplyLifecycle godoc
// @Summary      生命周期操作
// @Description  对单个设备或用户的全部设备执行 renew/revoke/rehabilitate/status
// @Tags         admin
// @Accept       json
// @Produce      json
// @Param        scope    path  string            true  "device 或 user"
// @Param        action   path  string            true  "renew, revoke, rehabilitate, status"
// @Param        request  body  lifecycleRequest  true  "操作对象"
// @Success      200  {object}  SuccessResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /api/v1/admin/lifecycle/{scope}/{action} [post]
func (h *AdminHandler) ApplyLifecycle(c *gin.Context) {
	var body lifecycleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.renewal.Apply(c.Request.Context(), service.ApplyRequest{
		Scope:    service.Scope(c.Param("scope")),
		Action:   service.Action(c.Param("action")),
		DeviceID: body.DeviceID,
		UserID:   body.UserID,
		PlanDays: body.PlanDays,
		Source:   service.SourceAdmin,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Data: result})
}

// GetAuditLogs godoc
// @Summary      获取审计日志
// @Description  获取审计日志列表，支持过滤和分页
// @Tags         admin
// @Produce      json
// @Param        actor        query  string  false  "操作者"
// @Param        action       query  string  false  "操作类型"
// @Param        resource_type  query  string  false  "资源类型"
// @Param        resource_id  query  string  false  "资源ID"
// @Param        start_time   query  string  false  "开始时间 (RFC3339)"
// @Param        end_time     query  string  false  "结束时间 (RFC3339)"
// @Param        limit        query  int     false  "返回数量限制"
// @Param        offset       query  int     false  "偏移量"
// @Success      200  {object}  AuditLogListResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /api/v1/admin/audit-logs [get]
func (h *AdminHandler) GetAuditLogs(c *gin.Context) {
	filters := &repository.AuditLogFilters{
		Limit:  50,
		Offset: 0,
	}

	// 解析过滤参数
	if actor := c.Query("actor"); actor != "" {
		filters.Actor = &actor
	}
	if action := c.Query("action"); action != "" {
		filters.Action = &action
	}
	if resourceType := c.Query("resource_type"); resourceType != "" {
		filters.ResourceType = &resourceType
	}
	if resourceID := c.Query("resource_id"); resourceID != "" {
		filters.ResourceID = &resourceID
	}

	if startTimeStr := c.Query("start_time"); startTimeStr != "" {
		startTime, err := time.Parse(time.RFC3339, startTimeStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_start_time",
				Message: "start_time must be in RFC3339 format",
			})
			return
		}
		filters.StartTime = &startTime
	}

	if endTimeStr := c.Query("end_time"); endTimeStr != "" {
		endTime, err := time.Parse(time.RFC3339, endTimeStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_end_time",
				Message: "end_time must be in RFC3339 format",
			})
			return
		}
		filters.EndTime = &endTime
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit <= 500 {
			filters.Limit = limit
		}
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			filters.Offset = offset
		}
	}

	logs, total, err := h.auditLogRepo.FindByFilters(c.Request.Context(), filters)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, AuditLogListResponse{
		Logs:   logs,
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}
