package domain

// DeviceStatus 设备运行状态（连接闸门）
type DeviceStatus string

const (
	DeviceStatusProvisioning DeviceStatus = "provisioning"
	DeviceStatusActive       DeviceStatus = "active"
	DeviceStatusRevoked      DeviceStatus = "revoked"
)

// LifecycleStatus 设备授权状态（计费维度）
type LifecycleStatus string

const (
	LifecycleTrial   LifecycleStatus = "TRIAL"
	LifecycleActive  LifecycleStatus = "ACTIVE"
	LifecycleExpired LifecycleStatus = "EXPIRED"
)

// UnassignedUser 设备首次激活前的 userId 占位值
const UnassignedUser = "unassigned"

// DefaultRole 默认设备角色
const DefaultRole = "Gateway"

// Device 设备元数据记录，时间字段为 Unix 秒
type Device struct {
	DeviceID        string          `gorm:"column:device_id;type:varchar(64);primaryKey" json:"deviceId"`
	UserID          string          `gorm:"type:varchar(128);not null;index:idx_devices_user,priority:1" json:"userId"`
	DisplayName     string          `gorm:"type:varchar(255)" json:"displayName"`
	Role            string          `gorm:"type:varchar(64);not null" json:"role"`
	Status          DeviceStatus    `gorm:"type:varchar(32);not null" json:"status"`
	LifecycleStatus LifecycleStatus `gorm:"type:varchar(16);not null" json:"lifecycleStatus"`
	LifecycleBucket string          `gorm:"type:varchar(32);not null;index:idx_devices_bucket_expiry,priority:1" json:"lifecycleBucket"`
	CertificateID   string          `gorm:"type:varchar(128)" json:"certificateId,omitempty"`
	CertificateArn  string          `gorm:"type:varchar(255)" json:"certificateArn,omitempty"`
	ActivationCode  *string         `gorm:"type:varchar(32);index" json:"activationCode,omitempty"`
	RenewalSource   string          `gorm:"type:varchar(32)" json:"renewalSource,omitempty"`
	RenewalRef      string          `gorm:"type:varchar(255);not null;default:''" json:"renewalRef,omitempty"` // 最近一次支付续期的事件ID

	CreatedAt       int64  `gorm:"not null;autoCreateTime:false" json:"createdAt"`
	LastRenewalDate *int64 `json:"lastRenewalDate,omitempty"`
	ActivatedAt     *int64 `json:"activatedAt,omitempty"`
	RevokedAt       *int64 `json:"revokedAt,omitempty"`
	RehabilitatedAt *int64 `json:"rehabilitatedAt,omitempty"`
	ExpiredAt       *int64 `json:"expiredAt,omitempty"`
	ExpiresAt       int64  `gorm:"not null;index:idx_devices_bucket_expiry,priority:2" json:"expiresAt"`
}

// TableName 指定表名
func (Device) TableName() string {
	return "devices"
}

// IsUnassigned 设备尚未绑定用户
func (d *Device) IsUnassigned() bool {
	return d.UserID == "" || d.UserID == UnassignedUser
}

// Expired 按给定时间判断是否已过期
func (d *Device) Expired(now int64) bool {
	return now > d.ExpiresAt
}

// Int64Ptr 返回指针
func Int64Ptr(v int64) *int64 {
	return &v
}
