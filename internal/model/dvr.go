package model

import (
	"time"
)

// Dvr 录像机设备
type Dvr struct {
	ID       uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	Name     string `json:"name" gorm:"type:varchar(128);not null"`
	IP       string `json:"ip" gorm:"type:varchar(64);not null;index"`
	Port     int    `json:"port" gorm:"not null;default:80"`
	Vendor   string `json:"vendor" gorm:"type:varchar(32);not null;index"`
	Model    string `json:"model" gorm:"type:varchar(64)"`
	Username string `json:"username" gorm:"type:varchar(64)"`
	Password string `json:"password" gorm:"type:varchar(256)"`
	// Location 设备所在站点/机房标识
	Location string `json:"location" gorm:"type:varchar(128)"`
	// Enabled 置false的设备不参与巡检
	Enabled bool `json:"enabled" gorm:"not null;default:true;index"`

	// 以下字段由监控引擎回写
	Status              string     `json:"status" gorm:"type:varchar(16);not null;default:'unknown';index"`
	PingResponseTime    *float64   `json:"ping_response_time"`
	APIAccessible       bool       `json:"api_accessible" gorm:"not null;default:false"`
	LastPingAt          *time.Time `json:"last_ping_at"`
	ConsecutiveFailures int        `json:"consecutive_failures" gorm:"not null;default:0"`
	// DvrDeviceTime 归一化后的设备本地时间，格式 2006-01-02 15:04:05
	DvrDeviceTime           *string  `json:"dvr_device_time" gorm:"type:varchar(32)"`
	DeviceTimeOffsetMinutes *int     `json:"device_time_offset_minutes"`
	CurrentCameraCount      *int     `json:"current_camera_count"`
	WorkingCameraCount      *int     `json:"working_camera_count"`
	StorageCapacityGB       *float64 `json:"storage_capacity_gb"`
	StorageUsagePercentage  *float64 `json:"storage_usage_percentage"`
	RecordingStatus         *string  `json:"recording_status" gorm:"type:varchar(16)"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (Dvr) TableName() string {
	return "dvrs"
}

// DvrStatus 设备状态枚举
const (
	DvrStatusOnline   = "online"
	DvrStatusOffline  = "offline"
	DvrStatusAPIError = "api_error"
	DvrStatusTimeout  = "timeout"
	DvrStatusUnknown  = "unknown"
)

// RecordingStatus 录像状态枚举
const (
	RecordingStatusRecording    = "recording"
	RecordingStatusNotRecording = "not_recording"
	RecordingStatusUnknown      = "unknown"
)

// CheckType 检查类型枚举
const (
	CheckTypePingOnly  = "ping_only"
	CheckTypeFullCheck = "full_check"
)

// DvrMonitoringLog 单次巡检结果，只追加不更新
type DvrMonitoringLog struct {
	ID        uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	DvrID     uint   `json:"dvr_id" gorm:"not null;index"`
	CycleID   string `json:"cycle_id" gorm:"type:varchar(64);not null;index"`
	CheckType string `json:"check_type" gorm:"type:varchar(16);not null"`
	Status    string `json:"status" gorm:"type:varchar(16);not null"`
	// ResponseTimeMs HTTP探测耗时，毫秒
	ResponseTimeMs          *float64 `json:"response_time_ms"`
	APIAccessible           bool     `json:"api_accessible" gorm:"not null;default:false"`
	DeviceTime              *string  `json:"device_time" gorm:"type:varchar(32)"`
	DeviceTimeOffsetMinutes *int     `json:"device_time_offset_minutes"`
	CameraCount             *int     `json:"camera_count"`
	WorkingCameraCount      *int     `json:"working_camera_count"`
	StorageCapacityGB       *float64 `json:"storage_capacity_gb"`
	StorageUsagePercentage  *float64 `json:"storage_usage_percentage"`
	RecordingStatus         *string  `json:"recording_status" gorm:"type:varchar(16)"`
	ErrorMsg                string   `json:"error_msg" gorm:"type:text"`
	// CamerasJSON 通道明细快照，JSON数组
	CamerasJSON string    `json:"cameras_json" gorm:"type:text"`
	CheckedAt   time.Time `json:"checked_at" gorm:"not null;index"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (DvrMonitoringLog) TableName() string {
	return "dvr_monitoring_logs"
}
