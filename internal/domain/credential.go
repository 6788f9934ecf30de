package domain

import "time"

// CertificateStatus 证书状态
type CertificateStatus string

const (
	CertificateActive   CertificateStatus = "ACTIVE"
	CertificateInactive CertificateStatus = "INACTIVE"
	CertificateRevoked  CertificateStatus = "REVOKED"
)

// AttachmentKind 证书挂载类型
type AttachmentKind string

const (
	AttachmentPolicy    AttachmentKind = "policy"
	AttachmentPrincipal AttachmentKind = "principal"
)

// Thing 设备身份
type Thing struct {
	Name       string    `gorm:"type:varchar(64);primaryKey" json:"thingName"`
	ThingType  string    `gorm:"type:varchar(64)" json:"thingType"`
	Attributes string    `gorm:"type:text" json:"attributes"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (Thing) TableName() string {
	return "things"
}

// Certificate 设备证书，私钥不落库
type Certificate struct {
	ID           string            `gorm:"type:varchar(128);primaryKey" json:"certificateId"`
	Arn          string            `gorm:"type:varchar(255);not null;uniqueIndex" json:"certificateArn"`
	SerialNumber string            `gorm:"type:varchar(64);not null" json:"serialNumber"`
	Status       CertificateStatus `gorm:"type:varchar(16);not null" json:"status"`
	PEM          string            `gorm:"type:text;not null" json:"-"`
	NotAfter     time.Time         `json:"notAfter"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// TableName 指定表名
func (Certificate) TableName() string {
	return "certificates"
}

// CertificateAttachment 证书与策略或身份的绑定
type CertificateAttachment struct {
	CertificateArn string         `gorm:"type:varchar(255);primaryKey" json:"certificateArn"`
	Kind           AttachmentKind `gorm:"type:varchar(16);primaryKey" json:"kind"`
	Target         string         `gorm:"type:varchar(128);primaryKey" json:"target"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// TableName 指定表名
func (CertificateAttachment) TableName() string {
	return "certificate_attachments"
}
