// Package events 设备生命周期事件发布
package events

import (
	"context"
	"time"
)

// 事件类型
const (
	TypeDeviceProvisioned   = "device.provisioned"
	TypeDeviceActivated     = "device.activated"
	TypeDeviceExpired       = "device.expired"
	TypeDeviceRenewed       = "device.renewed"
	TypeDeviceRevoked       = "device.revoked"
	TypeDeviceRehabilitated = "device.rehabilitated"
)

// Event 生命周期事件
type Event struct {
	Type       string            `json:"type"`
	DeviceID   string            `json:"deviceId"`
	UserID     string            `json:"userId,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Publisher 事件发布者，发布失败不影响已提交的状态
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NoopPublisher 未配置消息队列时使用
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error {
	return nil
}
