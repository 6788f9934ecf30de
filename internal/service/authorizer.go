package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgelink/fleet/internal/clock"
	"github.com/edgelink/fleet/internal/config"
	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/metrics"
	"github.com/edgelink/fleet/internal/repository"
	"go.uber.org/zap"
)

// 拒绝原因
const (
	ReasonNoThing          = "no_thing"
	ReasonInvalidThingName = "invalid_thing_name"
	ReasonNotRegistered    = "not_registered"
	ReasonRevoked          = "revoked"
	ReasonInactive         = "inactive"
	ReasonExpired          = "expired"
	ReasonError            = "error"
)

const (
	anonymousPrincipal    = "anonymous"
	maxSessionSeconds     = 24 * 60 * 60
	policyRefreshSeconds  = 300
	policyDocumentVersion = "2012-10-17"
)

// PolicyStatement 访问策略语句
type PolicyStatement struct {
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

// PolicyDocument 访问策略
type PolicyDocument struct {
	Version   string            `json:"Version"`
	Statement []PolicyStatement `json:"Statement"`
}

// Decision 连接鉴权结果
type Decision struct {
	IsAuthenticated          bool              `json:"isAuthenticated"`
	PrincipalID              string            `json:"principalId"`
	PolicyDocuments          []PolicyDocument  `json:"policyDocuments"`
	DisconnectAfterInSeconds int64             `json:"disconnectAfterInSeconds"`
	RefreshAfterInSeconds    int64             `json:"refreshAfterInSeconds"`
	Context                  map[string]string `json:"context"`
}

// Authorizer 设备连接鉴权，每次连接都读取当前元数据，不做缓存
type Authorizer struct {
	devices repository.DeviceRepository
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
	timeout time.Duration
}

// NewAuthorizer 创建连接鉴权服务
func NewAuthorizer(cfg *config.Config, devices repository.DeviceRepository, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Authorizer {
	return &Authorizer{
		devices: devices,
		clock:   clk,
		metrics: m,
		logger:  logger.Named("authorizer"),
		timeout: cfg.Lifecycle.AuthorizerTimeout,
	}
}

// Authorize 判断设备能否连接；任何异常都拒绝
func (a *Authorizer) Authorize(ctx context.Context, claimedID string) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Authorizer panic", zap.Any("panic", r), zap.String("device_id", claimedID))
			decision = a.deny(principalFor(claimedID), ReasonError)
		}
	}()

	if claimedID == "" {
		return a.deny(anonymousPrincipal, ReasonNoThing)
	}
	if !ValidDeviceID(claimedID) {
		return a.deny(anonymousPrincipal, ReasonInvalidThingName)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	device, err := a.devices.Get(ctx, claimedID)
	if errors.Is(err, repository.ErrNotFound) {
		return a.deny(claimedID, ReasonNotRegistered)
	}
	if err != nil {
		a.logger.Error("Failed to load device", zap.String("device_id", claimedID), zap.Error(err))
		return a.deny(claimedID, ReasonError)
	}

	now := a.clock.Now().Unix()
	switch {
	case device.Status == domain.DeviceStatusRevoked:
		return a.deny(claimedID, ReasonRevoked)
	case device.Status != domain.DeviceStatusActive:
		return a.deny(claimedID, ReasonInactive)
	case device.Expired(now):
		return a.deny(claimedID, ReasonExpired)
	}

	return a.allow(device, now)
}

func (a *Authorizer) allow(device *domain.Device, now int64) Decision {
	owner := OwnerSegment(device)
	base := fmt.Sprintf("gateway/%s", owner)

	disconnectAfter := device.ExpiresAt - now
	if disconnectAfter > maxSessionSeconds {
		disconnectAfter = maxSessionSeconds
	}
	if disconnectAfter < 1 {
		disconnectAfter = 1
	}

	a.metrics.RecordAuthDecision(true, "ok")
	return Decision{
		IsAuthenticated: true,
		PrincipalID:     device.DeviceID,
		PolicyDocuments: []PolicyDocument{{
			Version: policyDocumentVersion,
			Statement: []PolicyStatement{
				{
					Effect:   "Allow",
					Action:   []string{"iot:Connect"},
					Resource: []string{"client/" + device.DeviceID},
				},
				{
					Effect:   "Allow",
					Action:   []string{"iot:Publish"},
					Resource: []string{"topic/" + base + "/data/telemetry"},
				},
				{
					Effect:   "Allow",
					Action:   []string{"iot:Subscribe"},
					Resource: []string{"topicfilter/" + base + "/command/#"},
				},
				{
					Effect:   "Allow",
					Action:   []string{"iot:Receive"},
					Resource: []string{"topic/" + base + "/command/*"},
				},
			},
		}},
		DisconnectAfterInSeconds: disconnectAfter,
		RefreshAfterInSeconds:    policyRefreshSeconds,
		Context: map[string]string{
			"deviceId": device.DeviceID,
			"userId":   device.UserID,
		},
	}
}

func (a *Authorizer) deny(principal, reason string) Decision {
	a.metrics.RecordAuthDecision(false, reason)
	a.logger.Info("Connection denied", zap.String("principal", principal), zap.String("reason", reason))

	return Decision{
		IsAuthenticated: false,
		PrincipalID:     principal,
		PolicyDocuments: []PolicyDocument{{
			Version: policyDocumentVersion,
			Statement: []PolicyStatement{{
				Effect:   "Deny",
				Action:   []string{"iot:Connect"},
				Resource: []string{"*"},
			}},
		}},
		DisconnectAfterInSeconds: 0,
		RefreshAfterInSeconds:    policyRefreshSeconds,
		Context: map[string]string{
			"deviceId": principal,
			"reason":   reason,
		},
	}
}

// OwnerSegment 设备主题的所有者段；未绑定设备使用独立的 unassigned/{deviceId}
func OwnerSegment(device *domain.Device) string {
	if device.IsUnassigned() {
		return domain.UnassignedUser + "/" + device.DeviceID
	}
	return device.UserID
}

func principalFor(claimedID string) string {
	if claimedID == "" || !ValidDeviceID(claimedID) {
		return anonymousPrincipal
	}
	return claimedID
}
