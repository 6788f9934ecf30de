package domain

import "time"

// IdempotencyRecord 外部事件去重记录，存在即表示已处理
type IdempotencyRecord struct {
	EventID     string    `gorm:"type:varchar(255);primaryKey" json:"eventId"`
	Source      string    `gorm:"type:varchar(64);not null" json:"source"`
	ProcessedAt time.Time `gorm:"not null" json:"processedAt"`
	ExpiresAt   time.Time `gorm:"not null;index" json:"expiresAt"`
}

// TableName 指定表名
func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}
