package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edgelink/fleet/internal/clock"
	"github.com/edgelink/fleet/internal/config"
	"github.com/edgelink/fleet/internal/credential"
	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/events"
	"github.com/edgelink/fleet/internal/metrics"
	"github.com/edgelink/fleet/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const secondsPerDay = 24 * 60 * 60

// ProvisionRequest 设备创建请求，UserID 记录为签发激活码的管理员
type ProvisionRequest struct {
	UserID      string `json:"userId,omitempty"`
	PlanDays    *int   `json:"planDays,omitempty"`
	Role        string `json:"role,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// ProvisionResult 设备创建结果，私钥只在此返回一次
type ProvisionResult struct {
	DeviceID        string                 `json:"deviceId"`
	ActivationCode  string                 `json:"activationCode"`
	CertificateID   string                 `json:"certificateId"`
	CertificateArn  string                 `json:"certificateArn"`
	CertificatePem  string                 `json:"certificatePem"`
	PrivateKey      string                 `json:"privateKey"`
	PublicKey       string                 `json:"publicKey"`
	LifecycleStatus domain.LifecycleStatus `json:"lifecycleStatus"`
	ExpiresAt       int64                  `json:"expiresAt"`
}

// Provisioner 设备创建服务
type Provisioner struct {
	devices    repository.DeviceRepository
	issuer     credential.Issuer
	publisher  events.Publisher
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger
	codes      *codeIssuer
	newID      func() string
	timeout    time.Duration
	trialDays  int
	planDays   int
	policyName string
}

// NewProvisioner 创建设备创建服务
func NewProvisioner(
	cfg *config.Config,
	devices repository.DeviceRepository,
	codes repository.ActivationCodeRepository,
	issuer credential.Issuer,
	publisher events.Publisher,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Provisioner {
	logger = logger.Named("provisioner")
	return &Provisioner{
		devices:   devices,
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
		newID:      NewDeviceID,
		timeout:    cfg.Lifecycle.OperationTimeout,
		trialDays:  cfg.Lifecycle.TrialDays,
		planDays:   cfg.Lifecycle.ActivationPlanDays,
		policyName: cfg.Credential.PolicyName,
	}
}

// NewDeviceID 生成 gw- 前缀加128位随机数的设备标识
func NewDeviceID() string {
	return "gw-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create 创建设备身份、证书、激活码和 TRIAL 状态的元数据
//
// 任一步骤失败都会逆序撤销已完成的步骤，不留下可连接的半成品设备。
func (p *Provisioner) Create(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	if err := validatePlanDays("planDays", req.PlanDays); err != nil {
		return nil, err
	}
	trialDays := p.trialDays
	if req.PlanDays != nil {
		trialDays = *req.PlanDays
	}
	role := req.Role
	if role == "" {
		role = domain.DefaultRole
	}
	if len(role) > 64 || len(req.DisplayName) > 255 {
		return nil, invalid("", "role or displayName too long")
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	result, err := p.create(ctx, req, role, trialDays)
	if err != nil {
		p.metrics.RecordProvisioning("failed")
		return nil, err
	}
	p.metrics.RecordProvisioning("created")
	return result, nil
}

func (p *Provisioner) create(ctx context.Context, req ProvisionRequest, role string, trialDays int) (*ProvisionResult, error) {
	deviceID := p.newID()
	log := p.logger.With(zap.String("device_id", deviceID))
	undo := newSaga(log)

	fail := func(step string, err error) (*ProvisionResult, error) {
		log.Error("Provisioning failed, compensating", zap.String("step", step), zap.Error(err))
		undo.compensate(ctx)
		return nil, fmt.Errorf("provision %s: %s: %w", deviceID, step, err)
	}

	// 1. 设备身份
	attrs := map[string]string{"userId": domain.UnassignedUser, "role": role}
	if err := p.issuer.CreateThing(ctx, deviceID, role, attrs); err != nil {
		return fail("create thing", err)
	}
	undo.push("delete thing", func(ctx context.Context) error {
		return p.issuer.DeleteThing(ctx, deviceID)
	})

	// 2. 密钥和证书
	keys, err := p.issuer.CreateKeysAndCertificate(ctx, deviceID, true)
	if err != nil {
		return fail("create certificate", err)
	}
	undo.push("delete certificate", func(ctx context.Context) error {
		return p.issuer.DeleteCertificate(ctx, keys.CertificateID)
	})
	undo.push("deactivate certificate", func(ctx context.Context) error {
		return p.issuer.UpdateCertificateStatus(ctx, keys.CertificateID, domain.CertificateInactive)
	})

	// 3. 策略和身份绑定
	if err := p.issuer.AttachPolicy(ctx, p.policyName, keys.CertificateArn); err != nil {
		return fail("attach policy", err)
	}
	undo.push("detach policy", func(ctx context.Context) error {
		return p.issuer.DetachPolicy(ctx, p.policyName, keys.CertificateArn)
	})

	if err := p.issuer.AttachThingPrincipal(ctx, deviceID, keys.CertificateArn); err != nil {
		return fail("attach principal", err)
	}
	undo.push("detach principal", func(ctx context.Context) error {
		return p.issuer.DetachThingPrincipal(ctx, deviceID, keys.CertificateArn)
	})

	// 4. 激活码
	now := p.clock.Now().Unix()
	code, err := p.codes.issue(ctx, domain.ActivationCode{
		DeviceID:    deviceID,
		CreatedAt:   now,
		PlanSeconds: int64(p.planDays) * secondsPerDay,
		UserID:      req.UserID,
	})
	if err != nil {
		return fail("activation code", err)
	}
	undo.push("delete activation code", func(ctx context.Context) error {
		return p.codes.codes.Delete(ctx, code)
	})

	// 5. 元数据，先以 provisioning 写入再切换为 active
	displayName := req.DisplayName
	if displayName == "" {
		displayName = domain.UnassignedUser
	}
	device := &domain.Device{
		DeviceID:        deviceID,
		UserID:          domain.UnassignedUser,
		DisplayName:     displayName,
		Role:            role,
		Status:          domain.DeviceStatusProvisioning,
		LifecycleStatus: domain.LifecycleTrial,
		CertificateID:   keys.CertificateID,
		CertificateArn:  keys.CertificateArn,
		ActivationCode:  &code,
		CreatedAt:       now,
		ExpiresAt:       now + int64(trialDays)*secondsPerDay,
	}
	if err := p.devices.Insert(ctx, device); err != nil {
		return fail("insert metadata", err)
	}
	undo.push("delete metadata", func(ctx context.Context) error {
		return p.devices.Delete(ctx, deviceID)
	})

	if err := p.devices.CompleteProvisioning(ctx, deviceID); err != nil {
		return fail("activate metadata", err)
	}

	log.Info("Device provisioned",
		zap.String("certificate_id", keys.CertificateID),
		zap.Int64("expires_at", device.ExpiresAt),
	)

	runPostCommit(ctx, log, p.metrics, deviceID,
		publishEvent(p.publisher, events.Event{
			Type:       events.TypeDeviceProvisioned,
			DeviceID:   deviceID,
			OccurredAt: p.clock.Now(),
			Attributes: map[string]string{"lifecycleStatus": string(domain.LifecycleTrial)},
		}),
	)

	return &ProvisionResult{
		DeviceID:        deviceID,
		ActivationCode:  code,
		CertificateID:   keys.CertificateID,
		CertificateArn:  keys.CertificateArn,
		CertificatePem:  keys.CertificatePem,
		PrivateKey:      keys.PrivateKey,
		PublicKey:       keys.PublicKey,
		LifecycleStatus: domain.LifecycleTrial,
		ExpiresAt:       device.ExpiresAt,
	}, nil
}
