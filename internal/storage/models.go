package storage

import "time"

// ServerHint records that a destination was seen multiplexing requests with
// per-request priorities.
type ServerHint struct {
	HostPort         string    `gorm:"primaryKey" json:"host_port"` // "host:port"
	SupportsPriority bool      `gorm:"default:false" json:"supports_priority"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName specifies the table name for ServerHint
func (ServerHint) TableName() string {
	return "server_hints"
}

// AppSetting stores key-value application settings
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// TableName specifies the table name for AppSetting
func (AppSetting) TableName() string {
	return "app_settings"
}
