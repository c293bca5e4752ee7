package service

import (
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/model"
)

// 状态判定策略
const (
	PolicyStrict  = "strict"
	PolicyLenient = "lenient"
)

// ProbeResult 一次可达性探测的原始结果
type ProbeResult struct {
	// PingOK ICMP是否可达，探测被禁用时恒为false
	PingOK bool
	// PingMs ICMP往返耗时，毫秒
	PingMs *float64
	// HTTPCode HTTP探测状态码，0表示传输层失败
	HTTPCode int
	// HTTPMs HTTP探测耗时，毫秒
	HTTPMs float64
	// TimedOut 探测因超出总预算被中断
	TimedOut bool
	// Err 传输层错误
	Err error
}

// StatusEngine 在线状态判定引擎
type StatusEngine struct {
	policy string
}

// NewStatusEngine 创建判定引擎，未知策略按strict处理
func NewStatusEngine(policy string) *StatusEngine {
	if policy != PolicyLenient {
		policy = PolicyStrict
	}
	return &StatusEngine{policy: policy}
}

// Determine 根据探测结果判定设备状态。
// strict：ICMP可达、HTTP 2xx/3xx、或明确的认证类状态码(401/403/405)视为在线，
// 其余一律离线。lenient：任意非零HTTP状态码都视为在线，兼容只认"端口有响应"的旧判定
func (e *StatusEngine) Determine(pr ProbeResult) string {
	if pr.TimedOut {
		return model.DvrStatusTimeout
	}

	if e.policy == PolicyLenient {
		if pr.PingOK || pr.HTTPCode > 0 {
			return model.DvrStatusOnline
		}
		return model.DvrStatusOffline
	}

	if pr.PingOK || httpIndicatesOnline(pr.HTTPCode) {
		return model.DvrStatusOnline
	}
	return model.DvrStatusOffline
}

// httpIndicatesOnline 判断HTTP状态码是否表明设备Web服务存活。
// 401/403/405说明服务在线只是拒绝了匿名探测
func httpIndicatesOnline(code int) bool {
	switch {
	case code >= 200 && code < 400:
		return true
	case code == 401 || code == 403 || code == 405:
		return true
	}
	return false
}

// NextConsecutiveFailures 连续失败计数：仅在线时清零，其余状态累加
func NextConsecutiveFailures(current int, status string) int {
	if status == model.DvrStatusOnline {
		return 0
	}
	return current + 1
}
