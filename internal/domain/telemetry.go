package domain

// TelemetryPoint 单个指标采样，Timestamp 为 Unix 秒
type TelemetryPoint struct {
	ID        uint64  `gorm:"primaryKey;autoIncrement" json:"-"`
	DeviceID  string  `gorm:"column:device_id;type:varchar(64);not null;index:idx_telemetry_device_metric_ts,priority:1" json:"deviceId"`
	UserID    string  `gorm:"type:varchar(128);not null;index:idx_telemetry_user_ts,priority:1" json:"userId"`
	Metric    string  `gorm:"type:varchar(64);not null;index:idx_telemetry_device_metric_ts,priority:2" json:"metric"`
	Value     float64 `gorm:"not null" json:"value"`
	Timestamp int64   `gorm:"column:ts;not null;index:idx_telemetry_user_ts,priority:2;index:idx_telemetry_device_metric_ts,priority:3" json:"ts"`
}

// TableName 指定表名
func (TelemetryPoint) TableName() string {
	return "telemetry_points"
}
