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

// Scope 操作范围
type Scope string

const (
	ScopeDevice Scope = "device"
	ScopeUser   Scope = "user"
)

// Action 生命周期操作
type Action string

const (
	ActionRenew        Action = "renew"
	ActionRevoke       Action = "revoke"
	ActionRehabilitate Action = "rehabilitate"
	ActionStatus       Action = "status"
)

// 续期来源
const (
	SourceAdmin   = "admin"
	SourcePayment = "payment"
)

// 跳过原因
const (
	SkipRevoked        = "revoked"
	SkipAlreadyRevoked = "already_revoked"
	SkipNotRevoked     = "not_revoked"
	SkipNotFound       = "not_found"
	SkipConflict       = "conflict"
	SkipAlreadyApplied = "already_applied"
)

const maxCASAttempts = 3

// ApplyRequest 生命周期操作请求
type ApplyRequest struct {
	Scope    Scope  `json:"scope"`
	Action   Action `json:"action"`
	DeviceID string `json:"deviceId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	PlanDays *int   `json:"planDays,omitempty"`
	Source   string `json:"source,omitempty"`

	// Reference 支付事件ID，同一事件重放时跳过已续期的设备
	Reference string `json:"-"`
}

// SkippedDevice 未执行的设备及原因
type SkippedDevice struct {
	DeviceID string `json:"deviceId"`
	Reason   string `json:"reason"`
}

// DeviceState 设备状态报告
type DeviceState struct {
	DeviceID        string                 `json:"deviceId"`
	UserID          string                 `json:"userId"`
	DisplayName     string                 `json:"displayName"`
	Status          domain.DeviceStatus    `json:"status"`
	LifecycleStatus domain.LifecycleStatus `json:"lifecycleStatus"`
	ExpiresAt       int64                  `json:"expiresAt"`
	LastRenewalDate *int64                 `json:"lastRenewalDate,omitempty"`
	ActivatedAt     *int64                 `json:"activatedAt,omitempty"`
	RevokedAt       *int64                 `json:"revokedAt,omitempty"`
	RehabilitatedAt *int64                 `json:"rehabilitatedAt,omitempty"`
	ExpiredAt       *int64                 `json:"expiredAt,omitempty"`
}

// ApplyResult 批量操作结果，部分成功是正常结果
type ApplyResult struct {
	Scope     Scope           `json:"scope"`
	Action    Action          `json:"action"`
	OK        []string        `json:"ok"`
	Skipped   []SkippedDevice `json:"skipped"`
	Devices   []DeviceState   `json:"devices,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// RenewalService 续期、吊销、恢复和状态查询
type RenewalService struct {
	devices   repository.DeviceRepository
	issuer    credential.Issuer
	publisher events.Publisher
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
	period    int
	timeout   time.Duration
}

// NewRenewalService 创建续期服务
func NewRenewalService(
	cfg *config.Config,
	devices repository.DeviceRepository,
	issuer credential.Issuer,
	publisher events.Publisher,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RenewalService {
	return &RenewalService{
		devices:   devices,
		issuer:    issuer,
		publisher: publisher,
		clock:     clk,
		metrics:   m,
		logger:    logger.Named("renewal"),
		period:    cfg.Lifecycle.RenewalPeriodDays,
		timeout:   cfg.Lifecycle.OperationTimeout,
	}
}

// Apply 对单个设备或用户的全部设备执行操作
//
// 单个设备的条件失败记为 skipped，不影响其他设备；其他错误中止剩余设备的处理。
func (s *RenewalService) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	devices, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &ApplyResult{
		Scope:     req.Scope,
		Action:    req.Action,
		OK:        []string{},
		Skipped:   []SkippedDevice{},
		Timestamp: s.clock.Now().Unix(),
	}

	if req.Action == ActionStatus {
		for i := range devices {
			result.OK = append(result.OK, devices[i].DeviceID)
			result.Devices = append(result.Devices, stateOf(&devices[i]))
		}
		return result, nil
	}

	periodDays := s.period
	if req.PlanDays != nil {
		periodDays = *req.PlanDays
	}
	periodSeconds := int64(periodDays) * secondsPerDay

	for i := range devices {
		device := &devices[i]
		var reason string
		var err error

		switch req.Action {
		case ActionRenew:
			reason, err = s.renew(ctx, device, periodSeconds, req.Source, req.Reference)
		case ActionRevoke:
			reason, err = s.revoke(ctx, device)
		case ActionRehabilitate:
			reason, err = s.rehabilitate(ctx, device, periodSeconds)
		}

		if err != nil {
			s.metrics.RecordLifecycleOp(string(req.Action), "error")
			s.logger.Error("Lifecycle action failed, aborting remaining devices",
				zap.String("action", string(req.Action)),
				zap.String("device_id", device.DeviceID),
				zap.Int("processed", len(result.OK)+len(result.Skipped)),
				zap.Int("total", len(devices)),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%s %s: %w", req.Action, device.DeviceID, err)
		}
		if reason != "" {
			s.metrics.RecordLifecycleOp(string(req.Action), "skipped")
			result.Skipped = append(result.Skipped, SkippedDevice{DeviceID: device.DeviceID, Reason: reason})
			continue
		}
		s.metrics.RecordLifecycleOp(string(req.Action), "ok")
		result.OK = append(result.OK, device.DeviceID)
	}

	s.logger.Info("Lifecycle action applied",
		zap.String("action", string(req.Action)),
		zap.String("scope", string(req.Scope)),
		zap.Int("ok", len(result.OK)),
		zap.Int("skipped", len(result.Skipped)),
	)
	return result, nil
}

func (s *RenewalService) validate(req *ApplyRequest) error {
	switch req.Scope {
	case ScopeDevice:
		if !ValidDeviceID(req.DeviceID) {
			return invalid("deviceId", "invalid device id")
		}
	case ScopeUser:
		if !ValidUserID(req.UserID) || req.UserID == domain.UnassignedUser {
			return invalid("userId", "invalid user id")
		}
	default:
		return invalid("scope", "must be one of device, user")
	}

	switch req.Action {
	case ActionRenew, ActionRevoke, ActionRehabilitate, ActionStatus:
	default:
		return invalid("action", "must be one of renew, revoke, rehabilitate, status")
	}

	if err := validatePlanDays("planDays", req.PlanDays); err != nil {
		return err
	}
	if req.PlanDays != nil && req.Action != ActionRenew && req.Action != ActionRehabilitate {
		return invalid("planDays", "only valid for renew or rehabilitate")
	}
	if len(req.Reference) > 255 {
		return invalid("reference", "too long")
	}

	switch req.Source {
	case "":
		req.Source = SourceAdmin
	case SourceAdmin:
	case SourcePayment:
		if req.Scope != ScopeUser || req.Action != ActionRenew {
			return invalid("source", "payment source is only allowed for user renew")
		}
	default:
		return invalid("source", "unknown source")
	}
	if req.Reference != "" && req.Source != SourcePayment {
		return invalid("reference", "only valid for payment source")
	}
	return nil
}

func (s *RenewalService) resolve(ctx context.Context, req ApplyRequest) ([]domain.Device, error) {
	if req.Scope == ScopeDevice {
		device, err := s.devices.Get(ctx, req.DeviceID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load device: %w", err)
		}
		return []domain.Device{*device}, nil
	}

	var devices []domain.Device
	token := ""
	for {
		page, err := s.devices.ListByUser(ctx, req.UserID, token, 0)
		if err != nil {
			return nil, fmt.Errorf("list user devices: %w", err)
		}
		devices = append(devices, page.Items...)
		if page.NextToken == "" {
			return devices, nil
		}
		token = page.NextToken
	}
}

// renew 新过期时间 = max(now, 当前过期时间) + 周期；并发修改过期时间时重读重试
func (s *RenewalService) renew(ctx context.Context, device *domain.Device, periodSeconds int64, source, reference string) (string, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if device.Status == domain.DeviceStatusRevoked {
			return SkipRevoked, nil
		}
		if reference != "" && device.RenewalRef == reference {
			return SkipAlreadyApplied, nil
		}

		now := s.clock.Now().Unix()
		base := device.ExpiresAt
		if now > base {
			base = now
		}
		update := repository.RenewUpdate{
			PreviousExpiresAt: device.ExpiresAt,
			ExpiresAt:         base + periodSeconds,
			Now:               now,
			Source:            source,
			Reference:         reference,
		}

		err := s.devices.Renew(ctx, device.DeviceID, update)
		if err == nil {
			s.logger.Info("Device renewed",
				zap.String("device_id", device.DeviceID),
				zap.Int64("previous_expires_at", device.ExpiresAt),
				zap.Int64("expires_at", update.ExpiresAt),
				zap.String("source", source),
			)
			s.afterCommit(ctx, device, events.TypeDeviceRenewed, domain.CertificateActive)
			return "", nil
		}

		reason, reloaded, err := s.reload(ctx, device.DeviceID, err)
		if reason != "" || err != nil {
			return reason, err
		}
		device = reloaded
	}
	return SkipConflict, nil
}

func (s *RenewalService) revoke(ctx context.Context, device *domain.Device) (string, error) {
	err := s.devices.Revoke(ctx, device.DeviceID, s.clock.Now().Unix())
	switch {
	case errors.Is(err, repository.ErrConditionFailed):
		return SkipAlreadyRevoked, nil
	case errors.Is(err, repository.ErrNotFound):
		return SkipNotFound, nil
	case err != nil:
		return "", err
	}

	s.logger.Info("Device revoked", zap.String("device_id", device.DeviceID))
	s.afterCommit(ctx, device, events.TypeDeviceRevoked, domain.CertificateInactive)
	return "", nil
}

// rehabilitate 从 revoked 恢复，过期时间取 now+周期，且不早于当前过期时间
func (s *RenewalService) rehabilitate(ctx context.Context, device *domain.Device, periodSeconds int64) (string, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if device.Status != domain.DeviceStatusRevoked {
			return SkipNotRevoked, nil
		}

		now := s.clock.Now().Unix()
		expiresAt := now + periodSeconds
		if device.ExpiresAt > expiresAt {
			expiresAt = device.ExpiresAt
		}

		err := s.devices.Rehabilitate(ctx, device.DeviceID, repository.RehabilitateUpdate{
			PreviousExpiresAt: device.ExpiresAt,
			ExpiresAt:         expiresAt,
			Now:               now,
		})
		if err == nil {
			s.logger.Info("Device rehabilitated",
				zap.String("device_id", device.DeviceID),
				zap.Int64("expires_at", expiresAt),
			)
			s.afterCommit(ctx, device, events.TypeDeviceRehabilitated, domain.CertificateActive)
			return "", nil
		}

		reason, reloaded, err := s.reload(ctx, device.DeviceID, err)
		if reason != "" || err != nil {
			return reason, err
		}
		device = reloaded
	}
	return SkipConflict, nil
}

// reload 条件失败后重读设备，供下一轮比较
func (s *RenewalService) reload(ctx context.Context, deviceID string, writeErr error) (string, *domain.Device, error) {
	switch {
	case errors.Is(writeErr, repository.ErrNotFound):
		return SkipNotFound, nil, nil
	case !errors.Is(writeErr, repository.ErrConditionFailed):
		return "", nil, writeErr
	}

	device, err := s.devices.Get(ctx, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return SkipNotFound, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return "", device, nil
}

func (s *RenewalService) afterCommit(ctx context.Context, device *domain.Device, eventType string, certStatus domain.CertificateStatus) {
	log := s.logger.With(zap.String("device_id", device.DeviceID))
	runPostCommit(ctx, log, s.metrics, device.DeviceID,
		setCertificateStatus(s.issuer, device.CertificateID, certStatus),
		publishEvent(s.publisher, events.Event{
			Type:       eventType,
			DeviceID:   device.DeviceID,
			UserID:     device.UserID,
			OccurredAt: s.clock.Now(),
		}),
	)
}

func stateOf(d *domain.Device) DeviceState {
	return DeviceState{
		DeviceID:        d.DeviceID,
		UserID:          d.UserID,
		DisplayName:     d.DisplayName,
		Status:          d.Status,
		LifecycleStatus: d.LifecycleStatus,
		ExpiresAt:       d.ExpiresAt,
		LastRenewalDate: d.LastRenewalDate,
		ActivatedAt:     d.ActivatedAt,
		RevokedAt:       d.RevokedAt,
		RehabilitatedAt: d.RehabilitatedAt,
		ExpiredAt:       d.ExpiredAt,
	}
}
