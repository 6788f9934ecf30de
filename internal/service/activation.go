package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgelink/fleet/internal/clock"
	"github.com/edgelink/fleet/internal/config"
	"github.com/edgelink/fleet/internal/credential"
	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/events"
	"github.com/edgelink/fleet/internal/metrics"
	"github.com/edgelink/fleet/internal/repository"
	"go.uber.org/zap"
)

// ActivationRequest 激活请求，UserID 来自已验证的用户令牌
type ActivationRequest struct {
	Code        string
	UserID      string
	DisplayName string
}

// ActivationResult 激活结果
type ActivationResult struct {
	DeviceID    string `json:"deviceId"`
	UserID      string `json:"userId"`
	ActivatedAt int64  `json:"activatedAt"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// IssueCodeRequest 管理员为未绑定设备签发新激活码
type IssueCodeRequest struct {
	DeviceID string `json:"deviceId"`
	PlanDays *int   `json:"planDays,omitempty"`
	AdminID  string `json:"-"`
}

// IssueCodeResult 新激活码
type IssueCodeResult struct {
	DeviceID       string `json:"deviceId"`
	ActivationCode string `json:"activationCode"`
	PlanSeconds    int64  `json:"planSeconds"`
}

// Activator 激活码消费服务
type Activator struct {
	devices   repository.DeviceRepository
	codeRepo  repository.ActivationCodeRepository
	issuer    credential.Issuer
	publisher events.Publisher
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
	codes     *codeIssuer
	planDays  int
	timeout   time.Duration
}

// NewActivator 创建激活服务
func NewActivator(
	cfg *config.Config,
	devices repository.DeviceRepository,
	codes repository.ActivationCodeRepository,
	issuer credential.Issuer,
	publisher events.Publisher,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Activator {
	logger = logger.Named("activation")
	return &Activator{
		devices:   devices,
		codeRepo:  codes,
		issuer:    issuer,
		publisher: publisher,
		clock:     clk,
		metrics:   m,
		logger:    logger,
		codes: &codeIssuer{
			codes:       codes,
			generate:    GenerateActivationCode,
			maxAttempts: cfg.Lifecycle.ActivationCodeMaxAttempts,
			logger:      logger,
		},
		planDays: cfg.Lifecycle.ActivationPlanDays,
		timeout:  cfg.Lifecycle.OperationTimeout,
	}
}

// Consume 用激活码把设备绑定到用户
//
// 绑定由一次条件更新完成：只有 TRIAL/EXPIRED 且未绑定用户的设备可以被激活，
// 并发激活中只有一个请求成功，其余返回 ErrAlreadyActivated。
func (a *Activator) Consume(ctx context.Context, req ActivationRequest) (*ActivationResult, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	result, err := a.consume(ctx, req)
	switch {
	case err == nil:
		a.metrics.RecordActivation("activated")
	case errors.Is(err, ErrInvalidActivationCode):
		a.metrics.RecordActivation("invalid")
	case errors.Is(err, ErrAlreadyActivated):
		a.metrics.RecordActivation("conflict")
	case IsValidationError(err):
		a.metrics.RecordActivation("rejected")
	default:
		a.metrics.RecordActivation("error")
	}
	return result, err
}

func (a *Activator) consume(ctx context.Context, req ActivationRequest) (*ActivationResult, error) {
	if !ValidUserID(req.UserID) || req.UserID == domain.UnassignedUser {
		return nil, invalid("userId", "authenticated user required")
	}
	if len(req.DisplayName) > 255 {
		return nil, invalid("displayName", "too long")
	}
	if !ValidActivationCode(req.Code) {
		return nil, ErrInvalidActivationCode
	}

	code, err := a.codeRepo.Get(ctx, req.Code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidActivationCode
	}
	if err != nil {
		return nil, fmt.Errorf("load activation code: %w", err)
	}

	planSeconds := code.PlanSeconds
	if planSeconds <= 0 {
		planSeconds = int64(a.planDays) * secondsPerDay
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = code.DeviceID
	}

	now := a.clock.Now().Unix()
	update := repository.ActivateUpdate{
		UserID:      req.UserID,
		DisplayName: displayName,
		Now:         now,
		ExpiresAt:   now + planSeconds,
	}

	log := a.logger.With(zap.String("device_id", code.DeviceID), zap.String("user_id", req.UserID))

	err = a.devices.Activate(ctx, code.DeviceID, update)
	switch {
	case errors.Is(err, repository.ErrConditionFailed):
		log.Info("Activation rejected, device already bound")
		return nil, ErrAlreadyActivated
	case errors.Is(err, repository.ErrNotFound):
		log.Warn("Activation code references missing device")
		return nil, ErrInvalidActivationCode
	case err != nil:
		return nil, fmt.Errorf("activate device: %w", err)
	}

	log.Info("Device activated", zap.Int64("expires_at", update.ExpiresAt))

	certificateID := ""
	if device, err := a.devices.Get(ctx, code.DeviceID); err == nil {
		certificateID = device.CertificateID
	} else {
		log.Warn("Failed to reload device after activation", zap.Error(err))
	}

	runPostCommit(ctx, log, a.metrics, code.DeviceID,
		setCertificateStatus(a.issuer, certificateID, domain.CertificateActive),
		mergeThingAttributes(a.issuer, code.DeviceID, map[string]string{
			"userId":      req.UserID,
			"displayName": displayName,
		}),
		publishEvent(a.publisher, events.Event{
			Type:       events.TypeDeviceActivated,
			DeviceID:   code.DeviceID,
			UserID:     req.UserID,
			OccurredAt: a.clock.Now(),
		}),
	)

	// 最后删除激活码，条件是仍指向同一设备；同一设备的其他激活码一并作废
	if err := a.codeRepo.Consume(ctx, req.Code, code.DeviceID); err != nil {
		if errors.Is(err, repository.ErrConditionFailed) {
			log.Debug("Activation code already removed")
		} else {
			log.Warn("Failed to delete activation code", zap.Error(err))
		}
	}
	if n, err := a.codeRepo.DeleteByDevice(context.WithoutCancel(ctx), code.DeviceID); err != nil {
		log.Warn("Failed to delete remaining activation codes", zap.Error(err))
	} else if n > 0 {
		log.Info("Deleted remaining activation codes", zap.Int64("count", n))
	}

	return &ActivationResult{
		DeviceID:    code.DeviceID,
		UserID:      req.UserID,
		ActivatedAt: now,
		ExpiresAt:   update.ExpiresAt,
	}, nil
}

// IssueCode 为尚未绑定用户的设备签发新的激活码
func (a *Activator) IssueCode(ctx context.Context, req IssueCodeRequest) (*IssueCodeResult, error) {
	if !ValidDeviceID(req.DeviceID) {
		return nil, invalid("deviceId", "invalid device id")
	}
	if err := validatePlanDays("planDays", req.PlanDays); err != nil {
		return nil, err
	}
	planDays := a.planDays
	if req.PlanDays != nil {
		planDays = *req.PlanDays
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	device, err := a.devices.Get(ctx, req.DeviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if !device.IsUnassigned() {
		return nil, ErrAlreadyActivated
	}

	planSeconds := int64(planDays) * secondsPerDay
	code, err := a.codes.issue(ctx, domain.ActivationCode{
		DeviceID:    req.DeviceID,
		CreatedAt:   a.clock.Now().Unix(),
		PlanSeconds: planSeconds,
		UserID:      req.AdminID,
	})
	if err != nil {
		return nil, err
	}

	if err := a.devices.SetActivationCode(ctx, req.DeviceID, code); err != nil {
		_ = a.codeRepo.Delete(context.WithoutCancel(ctx), code)
		if errors.Is(err, repository.ErrConditionFailed) {
			return nil, ErrAlreadyActivated
		}
		return nil, fmt.Errorf("record activation code: %w", err)
	}

	// 新码生效后作废旧码
	if prior := device.ActivationCode; prior != nil && *prior != "" && *prior != code {
		if err := a.codeRepo.Consume(ctx, *prior, req.DeviceID); err != nil && !errors.Is(err, repository.ErrConditionFailed) {
			a.logger.Warn("Failed to revoke previous activation code",
				zap.String("device_id", req.DeviceID),
				zap.Error(err),
			)
		}
	}

	a.logger.Info("Activation code issued",
		zap.String("device_id", req.DeviceID),
		zap.String("admin", req.AdminID),
	)
	return &IssueCodeResult{DeviceID: req.DeviceID, ActivationCode: code, PlanSeconds: planSeconds}, nil
}
