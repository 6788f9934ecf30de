package domain

// ActivationCodePrefix 激活码固定前缀
const ActivationCodePrefix = "AKM-"

// ActivationCodeLength 前缀之后的随机字符数
const ActivationCodeLength = 10

// ActivationCode 激活码记录，成功消费后删除
type ActivationCode struct {
	Code        string `gorm:"type:varchar(32);primaryKey" json:"code"`
	DeviceID    string `gorm:"column:device_id;type:varchar(64);not null;index" json:"deviceId"`
	CreatedAt   int64  `gorm:"not null;autoCreateTime:false" json:"createdAt"`
	PlanSeconds int64  `gorm:"not null" json:"planSeconds"`
	UserID      string `gorm:"type:varchar(128)" json:"userId,omitempty"`
}

// TableName 指定表名
func (ActivationCode) TableName() string {
	return "activation_codes"
}
