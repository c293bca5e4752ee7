package service

import (
	"errors"
	"testing"

	"github.com/dvrmonitorpro/dvrmonitorpro/internal/model"
	"github.com/stretchr/testify/assert"
)

// TestStatusStrictPolicy 严格策略：只认ICMP可达、2xx/3xx和认证类状态码
func TestStatusStrictPolicy(t *testing.T) {
	engine := NewStatusEngine(PolicyStrict)

	cases := []struct {
		name     string
		pr       ProbeResult
		expected string
	}{
		{"ICMP可达", ProbeResult{PingOK: true}, model.DvrStatusOnline},
		{"HTTP 200", ProbeResult{HTTPCode: 200}, model.DvrStatusOnline},
		{"HTTP 302", ProbeResult{HTTPCode: 302}, model.DvrStatusOnline},
		{"HTTP 401拒绝匿名探测", ProbeResult{HTTPCode: 401}, model.DvrStatusOnline},
		{"HTTP 403", ProbeResult{HTTPCode: 403}, model.DvrStatusOnline},
		{"HTTP 405", ProbeResult{HTTPCode: 405}, model.DvrStatusOnline},
		{"HTTP 500服务异常", ProbeResult{HTTPCode: 500}, model.DvrStatusOffline},
		{"HTTP 404", ProbeResult{HTTPCode: 404}, model.DvrStatusOffline},
		{"传输层失败", ProbeResult{Err: errors.New("connection refused")}, model.DvrStatusOffline},
		{"超时优先于状态码", ProbeResult{TimedOut: true, HTTPCode: 200}, model.DvrStatusTimeout},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.expected, engine.Determine(tc.pr), tc.name)
	}
}

// TestStatusLenientPolicy 宽松策略：任意非零状态码都算在线
func TestStatusLenientPolicy(t *testing.T) {
	engine := NewStatusEngine(PolicyLenient)

	assert.Equal(t, model.DvrStatusOnline, engine.Determine(ProbeResult{HTTPCode: 500}),
		"宽松策略下500也算在线")
	assert.Equal(t, model.DvrStatusOnline, engine.Determine(ProbeResult{HTTPCode: 404}))
	assert.Equal(t, model.DvrStatusOnline, engine.Determine(ProbeResult{PingOK: true}))
	assert.Equal(t, model.DvrStatusOffline, engine.Determine(ProbeResult{}),
		"无任何响应仍为离线")
	assert.Equal(t, model.DvrStatusTimeout, engine.Determine(ProbeResult{TimedOut: true}))
}

// TestStatusUnknownPolicy 未知策略按严格处理
func TestStatusUnknownPolicy(t *testing.T) {
	engine := NewStatusEngine("bogus")
	assert.Equal(t, model.DvrStatusOffline, engine.Determine(ProbeResult{HTTPCode: 500}))
}

// TestNextConsecutiveFailures 连续失败计数仅在线时清零
func TestNextConsecutiveFailures(t *testing.T) {
	assert.Equal(t, 0, NextConsecutiveFailures(3, model.DvrStatusOnline))
	assert.Equal(t, 4, NextConsecutiveFailures(3, model.DvrStatusOffline))
	assert.Equal(t, 1, NextConsecutiveFailures(0, model.DvrStatusTimeout))
	assert.Equal(t, 1, NextConsecutiveFailures(0, model.DvrStatusAPIError))
}
