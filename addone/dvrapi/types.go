package dvrapi

import (
	"context"
	"errors"
	"net/http"
)

// Vendor 厂商标识
const (
	VendorCPPlus    = "cpplus"
	VendorDahua     = "dahua"
	VendorHikvision = "hikvision"
)

// ErrAuthFailed 认证失败（凭据错误或账号被锁）
var ErrAuthFailed = errors.New("authentication failed")

// Device 一次探测所需的设备连接参数
type Device struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Session 登录成功后的会话，后续请求复用同一HTTP客户端
type Session struct {
	// Token 会话凭证，base64(user:pass)，仅用于日志关联与排错
	Token  string
	Device Device

	http *http.Client
}

// Camera 单个通道的状态。Error记录故障明细（HTTP状态码或传输错误），
// 随通道明细一起写入巡检日志
type Camera struct {
	Channel int    `json:"channel"`
	Name    string `json:"name"`
	Working bool   `json:"working"`
	Error   string `json:"error,omitempty"`
}

// CameraReport 通道状态汇总
type CameraReport struct {
	Total       int      `json:"total"`
	Working     int      `json:"working"`
	MaxChannels int      `json:"max_channels"`
	Cameras     []Camera `json:"cameras"`
}

// Storage 存储设备状态，容量单位GB
type Storage struct {
	Status       string  `json:"status"`
	Working      bool    `json:"working"`
	CapacityGB   float64 `json:"capacity_gb"`
	UsedGB       float64 `json:"used_gb"`
	FreeGB       float64 `json:"free_gb"`
	UsagePercent float64 `json:"usage_percent"`
}

// Client 厂商协议客户端。所有实现必须无状态，可被多个worker并发使用
type Client interface {
	// Vendor 返回厂商标识
	Vendor() string
	// Login 验证凭据并建立会话
	Login(ctx context.Context, dev Device) (*Session, error)
	// DeviceTime 返回设备上报的原始时间字符串，不做归一化
	DeviceTime(ctx context.Context, s *Session) (string, error)
	// Cameras 返回通道状态汇总
	Cameras(ctx context.Context, s *Session) (*CameraReport, error)
	// Storage 返回存储状态
	Storage(ctx context.Context, s *Session) (*Storage, error)
	// Recording 返回设备当前是否在录像
	Recording(ctx context.Context, s *Session) (bool, error)
	// Logout 释放会话
	Logout(ctx context.Context, s *Session) error
	// SnapshotURL 返回指定通道的快照地址，供逐通道探测使用
	SnapshotURL(dev Device, channel int) string
}
