package domain

import "time"

// AuditLog 审计日志实体（不可变）
type AuditLog struct {
	ID           string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Actor        string    `gorm:"type:varchar(128);not null;index" json:"actor"`
	Action       string    `gorm:"type:varchar(100);not null;index" json:"action"`
	ResourceType string    `gorm:"type:varchar(32);not null" json:"resource_type"`
	ResourceID   string    `gorm:"type:varchar(128);index" json:"resource_id"`
	Payload      string    `gorm:"type:text" json:"payload,omitempty"`
	StatusCode   int       `json:"status_code"`
	IPAddress    string    `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	UserAgent    string    `gorm:"type:text" json:"user_agent,omitempty"`
	CreatedAt    time.Time `gorm:"not null;index" json:"created_at"`
}

// TableName 指定表名
func (AuditLog) TableName() string {
	return "audit_logs"
}
